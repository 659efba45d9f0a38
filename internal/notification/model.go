package notification

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const TypeAttendance = "attendance"

// Message is the guardian-facing content of a notification.
type Message struct {
	ChildID   int       `json:"child_id"`
	ChildName string    `json:"child_name"`
	SchoolID  int       `json:"school_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Job is one delivery to one recipient. ID stays stable across retries so
// receivers can drop duplicates.
type Job struct {
	ID          uuid.UUID `json:"id"`
	RecipientID int       `json:"recipient_id"`
	Type        string    `json:"type"`
	RecordID    int       `json:"record_id"`
	Payload     Message   `json:"payload"`
	Attempt     int       `json:"attempt"`
}

func NewJob(recipientID, recordID int, msg Message) Job {
	return Job{
		ID:          uuid.New(),
		RecipientID: recipientID,
		Type:        TypeAttendance,
		RecordID:    recordID,
		Payload:     msg,
	}
}

const (
	ReasonExhausted = "exhausted"
	ReasonQueueFull = "queue_full"
	ReasonShutdown  = "shutdown"
	ReasonClosed    = "closed"
)

type DeadLetter struct {
	bun.BaseModel `bun:"table:notification_dead_letters,alias:dl"`

	ID          int64     `bun:"id,pk,autoincrement" json:"id"`
	JobID       uuid.UUID `bun:"job_id,type:uuid,notnull" json:"jobId"`
	RecipientID int       `bun:"recipient_id,notnull" json:"recipientId"`
	RecordID    int       `bun:"record_id,notnull" json:"recordId"`
	Type        string    `bun:"type,notnull" json:"type"`
	Payload     Message   `bun:"payload,type:jsonb,notnull" json:"payload"`
	Attempts    int       `bun:"attempts,notnull" json:"attempts"`
	Reason      string    `bun:"reason,notnull" json:"reason"`
	LastError   string    `bun:"last_error" json:"lastError,omitempty"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

func newDeadLetter(job Job, reason string, cause error) *DeadLetter {
	dl := &DeadLetter{
		JobID:       job.ID,
		RecipientID: job.RecipientID,
		RecordID:    job.RecordID,
		Type:        job.Type,
		Payload:     job.Payload,
		Attempts:    job.Attempt,
		Reason:      reason,
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	return dl
}
