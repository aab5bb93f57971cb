package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DeliveryStatus tracks the lifecycle of a message. Inbound messages are
// stored as received; outbound ones move pending -> sent|failed.
type DeliveryStatus string

const (
	StatusReceived DeliveryStatus = "received"
	StatusPending  DeliveryStatus = "pending"
	StatusSent     DeliveryStatus = "sent"
	StatusFailed   DeliveryStatus = "failed"
)

// Passage is a retrieved reference snippet attached to an assistant reply.
type Passage struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// Message is a single chat turn. Immutable once persisted except for
// delivery-status transitions on outbound messages.
type Message struct {
	ID               int64          `json:"id"`
	ConversationID   int64          `json:"conversation_id"`
	Role             Role           `json:"role"`
	Content          string         `json:"content"`
	RAGContext       []Passage      `json:"rag_context,omitempty"`
	LLMTokens        int            `json:"llm_tokens,omitempty"`
	DeliveryStatus   DeliveryStatus `json:"delivery_status"`
	ExternalID       string         `json:"external_id,omitempty"`
	GatewayMessageID string         `json:"gateway_message_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
