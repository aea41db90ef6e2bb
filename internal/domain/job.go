package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobRetry   JobStatus = "retry"
	JobFailed  JobStatus = "failed"
)

// DefaultMaxAttempts applies when an enqueue request does not set one.
const DefaultMaxAttempts = 8

// MaxErrorLen bounds the stored last_error column.
const MaxErrorLen = 512

// Job is a unit of asynchronous, tenant-scoped work. Rows are never
// deleted; terminal jobs stay behind for audit and ops inspection.
type Job struct {
	ID          string
	Type        string
	TenantID    string
	Payload     json.RawMessage
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LockedBy    *string
	LockedAt    *time.Time
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether no further automatic progress can occur.
func (j *Job) Terminal() bool {
	return j.Status == JobDone || j.Status == JobFailed
}

// TruncateError bounds an error message before storage.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLen {
		return msg[:MaxErrorLen]
	}
	return msg
}
