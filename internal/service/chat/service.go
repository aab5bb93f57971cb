package chat

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// DefaultStaleAfter is how long an active conversation may sit idle before
// admission demotes it and starts a fresh one.
const DefaultStaleAfter = 24 * time.Hour

// ErrDuplicateMessage is returned when an external message id was already
// persisted. Callers treat it as the idempotent-ignore case.
var ErrDuplicateMessage = errors.New("message already recorded")

// Service is the access layer over the conversation store. All durable
// state (users, conversations, messages, jobs) goes through it.
type Service struct {
	db         *sql.DB
	driver     string
	staleAfter time.Duration
}

func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: driver, staleAfter: DefaultStaleAfter}
}

// SetStaleAfter overrides the conversation staleness cutoff.
func (s *Service) SetStaleAfter(d time.Duration) {
	if d > 0 {
		s.staleAfter = d
	}
}

// Ping verifies the backing database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// lockSuffix returns the row-lock clause for drivers that support it.
// SQLite serializes writers anyway, so the clause is omitted there.
func (s *Service) lockSuffix() string {
	if strings.ToLower(s.driver) == "mysql" {
		return " FOR UPDATE"
	}
	return ""
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
