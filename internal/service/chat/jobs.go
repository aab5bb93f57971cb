package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ragbot/internal/models"
)

// CreateJob persists a new job row in status queued.
func (s *Service) CreateJob(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	now := time.Now().UTC()
	job.Status = models.JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, conversation_id, message_id, stage, payload, attempts, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ConversationID, job.MessageID, job.Stage, string(payload), job.Attempts, job.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var (
		job     models.Job
		payload string
		lastErr sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, message_id, stage, payload, attempts, status, last_error, created_at, updated_at
		 FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.ConversationID, &job.MessageID, &job.Stage, &payload,
		&job.Attempts, &job.Status, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	job.LastError = lastErr.String
	return &job, nil
}

// MarkJobRunning bumps the attempt counter and flips the job to running.
// Returns the new attempt count.
func (s *Service) MarkJobRunning(ctx context.Context, id string) (int, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		models.JobRunning, now, id,
	); err != nil {
		return 0, fmt.Errorf("mark job running: %w", err)
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM jobs WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read job attempts: %w", err)
	}
	return attempts, nil
}

// MarkJobStatus records a terminal or retry outcome.
func (s *Service) MarkJobStatus(ctx context.Context, id string, status models.JobStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, nullable(lastError), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark job %s: %w", status, err)
	}
	return nil
}
