package models

import "time"

// Stage is one step of the reply pipeline. Each stage runs as its own Job;
// finishing a stage enqueues a fresh Job for the next one.
type Stage string

const (
	StageRetrieve Stage = "retrieve"
	StageGenerate Stage = "generate"
	StageSend     Stage = "send"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// JobPayload carries stage inputs between jobs. Retrieve fills Query,
// generate consumes Passages, send consumes ReplyText.
type JobPayload struct {
	Query     string    `json:"query,omitempty"`
	Passages  []Passage `json:"passages,omitempty"`
	ReplyText string    `json:"reply_text,omitempty"`
	Tokens    int       `json:"tokens,omitempty"`
	Fallback  bool      `json:"fallback,omitempty"`
}

// Job is one durable unit of pipeline work.
type Job struct {
	ID             string     `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	MessageID      int64      `json:"message_id"`
	Stage          Stage      `json:"stage"`
	Payload        JobPayload `json:"payload"`
	Attempts       int        `json:"attempts"`
	Status         JobStatus  `json:"status"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
