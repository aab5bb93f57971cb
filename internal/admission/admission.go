// Package admission decides what happens to each webhook delivery before
// any background work is scheduled.
package admission

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ragbot/internal/models"
	"ragbot/internal/ratelimit"
	"ragbot/internal/service/chat"

	"github.com/google/uuid"
)

// Outcome classifies what the admission pipeline did with a delivery.
type Outcome string

const (
	OutcomeQueued   Outcome = "queued"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

// dedupTTL bounds how long a gateway message id is remembered for
// fast-path duplicate suppression. The database unique index backs it up.
const dedupTTL = 60 * time.Second

// ErrInvalidSignature reports a signature header that does not match the
// request body.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrMalformedEvent reports a body that could not be decoded at all.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Result is the synchronous answer to a webhook delivery.
type Result struct {
	Outcome    Outcome
	Reason     string
	JobID      string
	MessageID  int64
	RetryAfter time.Duration
}

// Store is the persistence surface admission needs.
type Store interface {
	ResolveConversation(ctx context.Context, phone string) (*models.User, *models.Conversation, error)
	SaveInbound(ctx context.Context, conversationID int64, content, externalID string) (*models.Message, error)
	MessageExists(ctx context.Context, externalID string) (bool, error)
}

// Deduper remembers recently seen keys. SetNX returns false when the key
// was already present.
type Deduper interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// Enqueuer schedules the first background stage for an admitted message.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

type Admission struct {
	secret   string
	limiter  *ratelimit.Limiter
	deduper  Deduper
	store    Store
	enqueuer Enqueuer
}

func New(secret string, limiter *ratelimit.Limiter, deduper Deduper, store Store, enqueuer Enqueuer) *Admission {
	return &Admission{
		secret:   secret,
		limiter:  limiter,
		deduper:  deduper,
		store:    store,
		enqueuer: enqueuer,
	}
}

// Admit runs the full admission flow for one raw webhook body. The
// returned error is non-nil only for deliveries the caller should report
// as client errors: ErrInvalidSignature and ErrMalformedEvent.
func (a *Admission) Admit(ctx context.Context, body []byte, signature string) (*Result, error) {
	if err := a.verifySignature(body, signature); err != nil {
		return nil, err
	}

	var event models.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !event.IsMessage() {
		return &Result{Outcome: OutcomeIgnored, Reason: "unsupported event: " + event.Event}, nil
	}

	msg, err := event.Message()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if reason := filterReason(msg); reason != "" {
		return &Result{Outcome: OutcomeIgnored, Reason: reason}, nil
	}

	externalID := msg.ExternalID()
	if a.seenBefore(ctx, externalID) {
		return &Result{Outcome: OutcomeIgnored, Reason: "duplicate message"}, nil
	}

	phone := msg.Phone()
	decision := a.limiter.Allow(ctx, phone)
	if !decision.Allowed {
		return &Result{Outcome: OutcomeRejected, Reason: "rate limited", RetryAfter: decision.RetryAfter}, nil
	}

	_, conv, err := a.store.ResolveConversation(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation for %s: %w", phone, err)
	}

	saved, err := a.store.SaveInbound(ctx, conv.ID, msg.Content(), externalID)
	if err != nil {
		if errors.Is(err, chat.ErrDuplicateMessage) {
			return &Result{Outcome: OutcomeIgnored, Reason: "duplicate message"}, nil
		}
		return nil, fmt.Errorf("save inbound message: %w", err)
	}

	job := &models.Job{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		MessageID:      saved.ID,
		Stage:          models.StageRetrieve,
		Payload:        models.JobPayload{Query: saved.Content},
	}
	if err := a.enqueuer.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue retrieve job: %w", err)
	}

	return &Result{Outcome: OutcomeQueued, JobID: job.ID, MessageID: saved.ID}, nil
}

func (a *Admission) verifySignature(body []byte, signature string) error {
	if a.secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.TrimPrefix(signature, "sha256=")
	if !hmac.Equal([]byte(want), []byte(got)) {
		return ErrInvalidSignature
	}
	return nil
}

// seenBefore checks the fast cache first and falls back to the database.
// A cache failure never blocks admission; the unique index on external ids
// still prevents double processing.
func (a *Admission) seenBefore(ctx context.Context, externalID string) bool {
	if externalID == "" {
		return false
	}
	fresh, err := a.deduper.SetNX(ctx, "msg:"+externalID, 1, dedupTTL)
	if err != nil {
		log.Printf("admission: dedup cache unavailable: %v", err)
	} else if !fresh {
		return true
	}
	exists, err := a.store.MessageExists(ctx, externalID)
	if err != nil {
		log.Printf("admission: dedup lookup failed: %v", err)
		return false
	}
	return exists
}

// filterReason returns a non-empty reason for traffic the bot never
// answers: own messages, group and broadcast chats, media without text,
// and senders that are not plain phone numbers.
func filterReason(msg *models.MessagePayload) string {
	if msg.FromMe {
		return "own message"
	}
	if msg.IsGroup() {
		return "group chat"
	}
	chatID := msg.SenderChatID()
	if strings.HasPrefix(chatID, "status") || strings.HasPrefix(chatID, "120363") {
		return "broadcast chat"
	}
	if strings.TrimSpace(msg.Content()) == "" {
		return "empty message body"
	}
	phone := msg.Phone()
	if !validPhone(phone) {
		return "invalid sender: " + phone
	}
	return ""
}

func validPhone(phone string) bool {
	if len(phone) < 6 || len(phone) > 15 {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
