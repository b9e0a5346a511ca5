package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamSessionKey returns the cache key holding a user's in-flight session snapshot.
func (r *CacheKeyStruct) ExamSessionKey(userID, examID string) string {
	return fmt.Sprintf("cbt:user:%s:exam:%s:session", userID, examID)
}

// ExamSessionClosedKey returns the tombstone key written when a session is finalized.
// A session snapshot is never saved while its tombstone exists.
func (r *CacheKeyStruct) ExamSessionClosedKey(userID, examID string) string {
	return fmt.Sprintf("cbt:user:%s:exam:%s:closed", userID, examID)
}

// ExamDefinitionKey returns the cache key for an exam's full definition (with answer key).
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("cbt:exam:%s:definition", examID)
}

// ExamMonitorChannel returns the Pub/Sub channel carrying live monitor events for an exam.
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("cbt:exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
