package models

import "time"

// User is a WhatsApp sender, keyed by phone number. Created on first
// inbound event and never deleted by the pipeline.
type User struct {
	ID          int64     `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
