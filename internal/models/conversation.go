package models

import "time"

// Conversation groups the messages exchanged with one user. A user has at
// most one active conversation; older ones are kept as history.
type Conversation struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
