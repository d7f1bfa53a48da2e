package domain

import (
	"time"
)

type JobKind string

const (
	JobKindMessage JobKind = "message"
	JobKindReport  JobKind = "report"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition can happen without
// external intervention.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Lower value means more urgent. Owner traffic always wins the tie-break
// against the backlog.
const (
	PriorityOwner   = 0
	PriorityDefault = 5
)

// Job is the canonical async unit processed by the worker loops.
//
// The payload is typed per kind instead of an opaque blob: message jobs
// carry the ordered batch of buffered texts, report jobs carry a
// conversation reference.
type Job struct {
	ID          string
	Kind        JobKind
	IdentityKey string

	// Messages is the ordered batch for message jobs; empty for reports.
	Messages []string
	// ConversationID references the conversation a report job covers.
	ConversationID string

	Priority    int
	Status      JobStatus
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// MergeFrom appends the draft's payload onto the receiver. An enqueue for
// an identity key that already has a non-terminal job merges instead of
// creating a duplicate row.
func (j *Job) MergeFrom(draft Job, now time.Time) {
	j.Messages = append(j.Messages, draft.Messages...)
	if draft.ConversationID != "" {
		j.ConversationID = draft.ConversationID
	}
	if draft.Priority < j.Priority {
		j.Priority = draft.Priority
	}
	j.UpdatedAt = now
}
