// Package pipeline runs queued jobs through the retrieve, generate and
// send stages on an elastic worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ragbot/internal/config"
	"ragbot/internal/gateway"
	"ragbot/internal/models"
	"ragbot/internal/queue"

	"github.com/google/uuid"
)

// fallbackReply goes out when a conversation's generate stage is
// exhausted. The user still gets an answer instead of silence.
const fallbackReply = "Sorry, I'm having trouble answering right now. Please try again in a few minutes."

// historyFetchLimit bounds how much conversation history the generate
// stage loads. The generator trims further to its own window and budget.
const historyFetchLimit = 50

type Store interface {
	ConversationPhone(ctx context.Context, conversationID int64) (string, error)
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*models.Message, error)
	SaveOutbound(ctx context.Context, conversationID int64, content, externalID string, passages []models.Passage, tokens int) (*models.Message, bool, error)
	UpdateDeliveryStatus(ctx context.Context, messageID int64, status models.DeliveryStatus, gatewayMessageID string) error
	FailOutbound(ctx context.Context, externalID string) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Ack(ctx context.Context, job *models.Job) error
	Retry(ctx context.Context, job *models.Job, cause error, maxAttempts int, backoff queue.Backoff) (bool, error)
	Kill(ctx context.Context, job *models.Job, cause error) error
}

type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]models.Passage, error)
}

type Generator interface {
	Generate(ctx context.Context, history []*models.Message, passages []models.Passage) (string, int, error)
}

type Gateway interface {
	SendText(ctx context.Context, phone, text string) (string, error)
	SendTyping(ctx context.Context, phone string) error
}

type Manager struct {
	store     Store
	jobs      JobQueue
	retriever Retriever
	generator Generator
	gateway   Gateway
	cfg       *config.PipelineConfig
}

func NewManager(store Store, jobs JobQueue, retriever Retriever, generator Generator, gw Gateway, cfg *config.PipelineConfig) *Manager {
	return &Manager{
		store:     store,
		jobs:      jobs,
		retriever: retriever,
		generator: generator,
		gateway:   gw,
		cfg:       cfg,
	}
}

// Execute runs one claimed job to a terminal queue decision: ack, retry
// with backoff, or dead letter. A job buried before the send stage still
// produces a fallback reply for the user.
func (m *Manager) Execute(job *models.Job) {
	policy := m.policyFor(job.Stage)

	ctx, cancel := context.WithTimeout(context.Background(), policy.Timeout)
	err := m.handle(ctx, job)
	cancel()

	// Queue bookkeeping must not ride the expired stage context.
	bg := context.Background()
	if err == nil {
		if ackErr := m.jobs.Ack(bg, job); ackErr != nil {
			log.Printf("pipeline: ack job %s: %v", job.ID, ackErr)
		}
		return
	}

	debugLog("[pipeline] job %s stage %s attempt %d failed: %v", job.ID, job.Stage, job.Attempts, err)

	if !queue.Retryable(err) {
		if killErr := m.jobs.Kill(bg, job, err); killErr != nil {
			log.Printf("pipeline: kill job %s: %v", job.ID, killErr)
		}
		m.afterBurial(bg, job)
		return
	}

	backoff := queue.Backoff{Base: policy.BackoffBase, Multiplier: policy.BackoffMult}
	buried, retryErr := m.jobs.Retry(bg, job, err, policy.MaxAttempts, backoff)
	if retryErr != nil {
		log.Printf("pipeline: retry job %s: %v", job.ID, retryErr)
		return
	}
	if buried {
		m.afterBurial(bg, job)
	}
}

func (m *Manager) handle(ctx context.Context, job *models.Job) error {
	switch job.Stage {
	case models.StageRetrieve:
		return m.handleRetrieve(ctx, job)
	case models.StageGenerate:
		return m.handleGenerate(ctx, job)
	case models.StageSend:
		return m.handleSend(ctx, job)
	default:
		return fmt.Errorf("unknown stage %q", job.Stage)
	}
}

func (m *Manager) handleRetrieve(ctx context.Context, job *models.Job) error {
	passages, err := m.retriever.Retrieve(ctx, job.Payload.Query)
	if err != nil {
		return queue.Transient(fmt.Errorf("retrieve passages: %w", err))
	}
	next := &models.Job{
		ID:             uuid.NewString(),
		ConversationID: job.ConversationID,
		MessageID:      job.MessageID,
		Stage:          models.StageGenerate,
		Payload: models.JobPayload{
			Query:    job.Payload.Query,
			Passages: passages,
		},
	}
	if err := m.jobs.Enqueue(ctx, next); err != nil {
		return queue.Transient(fmt.Errorf("enqueue generate job: %w", err))
	}
	return nil
}

func (m *Manager) handleGenerate(ctx context.Context, job *models.Job) error {
	history, err := m.store.RecentMessages(ctx, job.ConversationID, historyFetchLimit)
	if err != nil {
		return queue.Transient(fmt.Errorf("load history: %w", err))
	}

	reply, tokens, err := m.generator.Generate(ctx, history, job.Payload.Passages)
	if err != nil {
		return queue.Transient(err)
	}

	next := &models.Job{
		ID:             uuid.NewString(),
		ConversationID: job.ConversationID,
		MessageID:      job.MessageID,
		Stage:          models.StageSend,
		Payload: models.JobPayload{
			Passages:  job.Payload.Passages,
			ReplyText: reply,
			Tokens:    tokens,
		},
	}
	if err := m.jobs.Enqueue(ctx, next); err != nil {
		return queue.Transient(fmt.Errorf("enqueue send job: %w", err))
	}
	return nil
}

func (m *Manager) handleSend(ctx context.Context, job *models.Job) error {
	phone, err := m.store.ConversationPhone(ctx, job.ConversationID)
	if err != nil {
		return queue.Transient(fmt.Errorf("resolve recipient: %w", err))
	}

	// The job id doubles as the outbound message's external id, so a
	// re-executed job finds the row it already created.
	msg, created, err := m.store.SaveOutbound(ctx, job.ConversationID, job.Payload.ReplyText, job.ID, job.Payload.Passages, job.Payload.Tokens)
	if err != nil {
		return queue.Transient(fmt.Errorf("save outbound message: %w", err))
	}
	if !created && msg.DeliveryStatus == models.StatusSent {
		return nil
	}

	if err := m.gateway.SendTyping(ctx, phone); err != nil {
		debugLog("[pipeline] typing presence for %s: %v", phone, err)
	}

	gatewayID, err := m.gateway.SendText(ctx, phone, job.Payload.ReplyText)
	if err != nil {
		if terminalSendErr(err) {
			if updErr := m.store.UpdateDeliveryStatus(ctx, msg.ID, models.StatusFailed, ""); updErr != nil {
				log.Printf("pipeline: mark message %d failed: %v", msg.ID, updErr)
			}
			return fmt.Errorf("send reply: %w", err)
		}
		return queue.Transient(fmt.Errorf("send reply: %w", err))
	}

	if err := m.store.UpdateDeliveryStatus(ctx, msg.ID, models.StatusSent, gatewayID); err != nil {
		// Delivery happened; only the status write failed.
		log.Printf("pipeline: mark message %d sent: %v", msg.ID, err)
	}
	return nil
}

// afterBurial gives a dead job one last shot at the user. Retrieve and
// generate deaths still owe the conversation an answer, so a fallback
// apology goes through the normal send stage.
func (m *Manager) afterBurial(ctx context.Context, job *models.Job) {
	switch job.Stage {
	case models.StageSend:
		// The outbound row, if any attempt created one, carries the job
		// id as its external id.
		if err := m.store.FailOutbound(ctx, job.ID); err != nil {
			log.Printf("pipeline: mark reply for job %s failed: %v", job.ID, err)
		}
		return
	case models.StageRetrieve, models.StageGenerate:
	default:
		return
	}

	fallback := &models.Job{
		ID:             uuid.NewString(),
		ConversationID: job.ConversationID,
		MessageID:      job.MessageID,
		Stage:          models.StageSend,
		Payload: models.JobPayload{
			ReplyText: fallbackReply,
			Fallback:  true,
		},
	}
	if err := m.jobs.Enqueue(ctx, fallback); err != nil {
		log.Printf("pipeline: enqueue fallback for job %s: %v", job.ID, err)
	}
}

// terminalSendErr reports gateway rejections a retry cannot fix.
func terminalSendErr(err error) bool {
	var statusErr *gateway.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	code := statusErr.Code
	return code >= 400 && code < 500 && code != 408 && code != 429
}

func (m *Manager) policyFor(stage models.Stage) config.StagePolicy {
	switch stage {
	case models.StageGenerate:
		return m.cfg.Generate
	case models.StageSend:
		return m.cfg.Send
	default:
		return m.cfg.Retrieve
	}
}
