package repository

// PostgresStore keeps both sessions and results in PostgreSQL.
type PostgresStore struct {
	*ExamSessionRepository
	*ExamResultRepository
}

// NewPostgresStore combines the two repositories into one engine store.
func NewPostgresStore(sessions *ExamSessionRepository, results *ExamResultRepository) *PostgresStore {
	return &PostgresStore{ExamSessionRepository: sessions, ExamResultRepository: results}
}

// RedisStore keeps in-flight sessions in Redis and results in PostgreSQL.
type RedisStore struct {
	*RedisSessionStore
	*ExamResultRepository
}

// NewRedisStore combines a Redis session store with the result repository.
func NewRedisStore(sessions *RedisSessionStore, results *ExamResultRepository) *RedisStore {
	return &RedisStore{RedisSessionStore: sessions, ExamResultRepository: results}
}
