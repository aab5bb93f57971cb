package models

import (
	"encoding/json"
	"strings"
)

// WebhookEvent is the envelope WAHA posts to the webhook. Some builds put
// the body under "payload", older ones under "data".
type WebhookEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

// MessagePayload is the inbound message variant of a webhook event.
type MessagePayload struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	ChatID    string `json:"chatId"`
	Body      string `json:"body"`
	Text      string `json:"text"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
}

// IsMessage reports whether the event carries an inbound chat message.
// message.status and session.status are acknowledged but not processed.
func (e *WebhookEvent) IsMessage() bool {
	return e.Event == "message" || e.Event == "message.any"
}

// Message decodes the message variant from whichever field carries it.
func (e *WebhookEvent) Message() (*MessagePayload, error) {
	raw := e.Payload
	if len(raw) == 0 {
		raw = e.Data
	}
	var p MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ExternalID returns the gateway message id under either field name.
func (p *MessagePayload) ExternalID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.MessageID
}

// SenderChatID returns the raw chat identifier the message came from.
func (p *MessagePayload) SenderChatID() string {
	if p.From != "" {
		return p.From
	}
	return p.ChatID
}

// Phone strips the WhatsApp suffix (@c.us) from the sender identifier.
func (p *MessagePayload) Phone() string {
	raw := p.SenderChatID()
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// IsGroup reports whether the message came from a group chat.
func (p *MessagePayload) IsGroup() bool {
	return strings.Contains(p.SenderChatID(), "@g.us")
}

// Content returns the message text under either field name.
func (p *MessagePayload) Content() string {
	if p.Body != "" {
		return p.Body
	}
	return p.Text
}
