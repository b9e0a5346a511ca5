package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// Type is the routing key of an event on the topic exchange.
type Type string

const (
	TypeResultFinalized Type = "exam.result.finalized"
)

const schemaVersion = "1.0"

// ResultFinalized announces a durably written result. It carries the
// summary only; consumers that need the breakdown read it back by key.
type ResultFinalized struct {
	ID        string              `json:"id"`
	Type      Type                `json:"type"`
	Version   string              `json:"version"`
	Timestamp int64               `json:"timestamp"`
	Result    model.ResultSummary `json:"result"`
}

// NewResultFinalized wraps r in a fresh event envelope.
func NewResultFinalized(r *model.ExamResult) *ResultFinalized {
	return &ResultFinalized{
		ID:        uuid.NewString(),
		Type:      TypeResultFinalized,
		Version:   schemaVersion,
		Timestamp: time.Now().Unix(),
		Result:    r.Summary(),
	}
}
