package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ragbot/internal/models"
)

// ResolveConversation returns the user and active conversation for a phone
// number, creating either as needed. The user row is locked for the span of
// the transaction so concurrent webhook deliveries for the same sender
// cannot race into duplicate conversations. A unique-constraint conflict on
// user creation (two first-contact events at once) is resolved by retrying
// the whole transaction against the now-existing row.
func (s *Service) ResolveConversation(ctx context.Context, phone string) (*models.User, *models.Conversation, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		user, conv, err := s.resolveOnce(ctx, phone)
		if err == nil {
			return user, conv, nil
		}
		if !isUniqueViolation(err) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("resolve conversation: %w", lastErr)
}

func (s *Service) resolveOnce(ctx context.Context, phone string) (*models.User, *models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var user models.User
	err = tx.QueryRowContext(ctx,
		`SELECT id, phone_number, COALESCE(display_name, ''), created_at, last_seen_at
		 FROM users WHERE phone_number = ?`+s.lockSuffix(),
		phone,
	).Scan(&user.ID, &user.PhoneNumber, &user.DisplayName, &user.CreatedAt, &user.LastSeenAt)
	switch {
	case err == sql.ErrNoRows:
		res, insErr := tx.ExecContext(ctx,
			`INSERT INTO users (phone_number, created_at, last_seen_at) VALUES (?, ?, ?)`,
			phone, now, now,
		)
		if insErr != nil {
			return nil, nil, insErr
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return nil, nil, fmt.Errorf("user id: %w", idErr)
		}
		user = models.User{ID: id, PhoneNumber: phone, CreatedAt: now, LastSeenAt: now}
	case err != nil:
		return nil, nil, fmt.Errorf("get user: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET last_seen_at = ? WHERE id = ?`, now, user.ID,
		); err != nil {
			return nil, nil, fmt.Errorf("touch user: %w", err)
		}
		user.LastSeenAt = now
	}

	var conv models.Conversation
	err = tx.QueryRowContext(ctx,
		`SELECT id, user_id, is_active, created_at, last_activity_at
		 FROM conversations WHERE user_id = ? AND is_active = 1
		 ORDER BY created_at DESC LIMIT 1`,
		user.ID,
	).Scan(&conv.ID, &conv.UserID, &conv.IsActive, &conv.CreatedAt, &conv.LastActivityAt)

	stale := err == nil && now.Sub(conv.CreatedAt) > s.staleAfter
	switch {
	case err == sql.ErrNoRows || stale:
		if stale {
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET is_active = 0, last_activity_at = ? WHERE id = ?`,
				now, conv.ID,
			); err != nil {
				return nil, nil, fmt.Errorf("demote conversation: %w", err)
			}
		}
		res, insErr := tx.ExecContext(ctx,
			`INSERT INTO conversations (user_id, is_active, created_at, last_activity_at) VALUES (?, 1, ?, ?)`,
			user.ID, now, now,
		)
		if insErr != nil {
			return nil, nil, fmt.Errorf("create conversation: %w", insErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return nil, nil, fmt.Errorf("conversation id: %w", idErr)
		}
		conv = models.Conversation{ID: id, UserID: user.ID, IsActive: true, CreatedAt: now, LastActivityAt: now}
	case err != nil:
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_activity_at = ? WHERE id = ?`, now, conv.ID,
		); err != nil {
			return nil, nil, fmt.Errorf("touch conversation: %w", err)
		}
		conv.LastActivityAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return &user, &conv, nil
}

// GetConversation loads a single conversation.
func (s *Service) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, is_active, created_at, last_activity_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&conv.ID, &conv.UserID, &conv.IsActive, &conv.CreatedAt, &conv.LastActivityAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ConversationPhone returns the phone number owning a conversation.
func (s *Service) ConversationPhone(ctx context.Context, conversationID int64) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx,
		`SELECT u.phone_number FROM conversations c JOIN users u ON u.id = c.user_id WHERE c.id = ?`,
		conversationID,
	).Scan(&phone)
	if err != nil {
		return "", fmt.Errorf("conversation phone: %w", err)
	}
	return phone, nil
}
