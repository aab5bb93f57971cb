package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ragbot/internal/models"
)

// SaveInbound persists an inbound user message. A duplicate external id
// means the gateway re-delivered the event; ErrDuplicateMessage is returned
// and nothing is written.
func (s *Service) SaveInbound(ctx context.Context, conversationID int64, content, externalID string) (*models.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, delivery_status, external_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, models.RoleUser, content, models.StatusReceived, nullable(externalID), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("insert inbound message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		DeliveryStatus: models.StatusReceived,
		ExternalID:     externalID,
		CreatedAt:      now,
	}, nil
}

// MessageExists reports whether an external message id was already stored.
func (s *Service) MessageExists(ctx context.Context, externalID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE external_id = ? LIMIT 1`, externalID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return true, nil
}

// SaveOutbound persists an assistant reply with status pending. The external
// id doubles as the idempotency key: a send job re-executed after a crash
// finds its previous row instead of inserting a second reply. The returned
// bool reports whether a new row was created.
func (s *Service) SaveOutbound(ctx context.Context, conversationID int64, content, externalID string, passages []models.Passage, tokens int) (*models.Message, bool, error) {
	now := time.Now().UTC()

	var ragJSON interface{}
	if len(passages) > 0 {
		data, err := json.Marshal(passages)
		if err != nil {
			return nil, false, fmt.Errorf("marshal rag context: %w", err)
		}
		ragJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, rag_context, llm_tokens, delivery_status, external_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, models.RoleAssistant, content, ragJSON, tokens, models.StatusPending, externalID, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.messageByExternalID(ctx, externalID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert outbound message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("message id: %w", err)
	}
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        content,
		RAGContext:     passages,
		LLMTokens:      tokens,
		DeliveryStatus: models.StatusPending,
		ExternalID:     externalID,
		CreatedAt:      now,
	}, true, nil
}

// UpdateDeliveryStatus records the outcome of a gateway send.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, messageID int64, status models.DeliveryStatus, gatewayMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ?, gateway_message_id = ? WHERE id = ?`,
		status, nullable(gatewayMessageID), messageID,
	)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	return nil
}

// FailOutbound marks a still-pending outbound message as failed. Sent
// messages are left alone.
func (s *Service) FailOutbound(ctx context.Context, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ? WHERE external_id = ? AND delivery_status = ?`,
		models.StatusFailed, externalID, models.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("fail outbound message: %w", err)
	}
	return nil
}

// GetMessage loads one message by id.
func (s *Service) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	return s.scanOne(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
}

func (s *Service) messageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	return s.scanOne(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID)
}

// RecentMessages returns the newest limit messages of a conversation in
// chronological order, the input to history windowing.
func (s *Service) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// reverse into ascending order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MessageFilter narrows ListMessages. Zero values mean no filtering.
type MessageFilter struct {
	ConversationID int64
	Role           models.Role
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// ListMessages returns matching messages ordered by creation time ascending
// plus the total match count for pagination.
func (s *Service) ListMessages(ctx context.Context, f MessageFilter) (int, []*models.Message, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.ConversationID > 0 {
		conds = append(conds, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, f.Role)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages`+where, args...,
	).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count messages: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages`+where+
			` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return 0, nil, err
	}
	return total, messages, nil
}

const messageColumns = `id, conversation_id, role, content, rag_context, llm_tokens, delivery_status, external_id, gateway_message_id, created_at`

func (s *Service) scanOne(ctx context.Context, query string, args ...interface{}) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(scan func(...interface{}) error) (*models.Message, error) {
	var (
		msg        models.Message
		ragContext sql.NullString
		llmTokens  sql.NullInt64
		externalID sql.NullString
		gatewayID  sql.NullString
	)
	if err := scan(
		&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
		&ragContext, &llmTokens, &msg.DeliveryStatus, &externalID, &gatewayID, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	if ragContext.Valid && ragContext.String != "" {
		if err := json.Unmarshal([]byte(ragContext.String), &msg.RAGContext); err != nil {
			return nil, fmt.Errorf("decode rag context: %w", err)
		}
	}
	if llmTokens.Valid {
		msg.LLMTokens = int(llmTokens.Int64)
	}
	msg.ExternalID = externalID.String
	msg.GatewayMessageID = gatewayID.String
	return &msg, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
