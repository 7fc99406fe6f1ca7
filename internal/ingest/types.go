package ingest

import (
	"time"
)

// JobState represents the lifecycle state of a queued job.
type JobState string

// Job state values persisted by the queue.
const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether a state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is a unit of queued work with its own retry and lease state.
type Job struct {
	ID            string     `json:"id"`
	Queue         string     `json:"queue"`
	Payload       []byte     `json:"payload"`
	State         JobState   `json:"state"`
	Priority      int        `json:"priority"`
	DedupKey      string     `json:"dedup_key,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadyAt       time.Time  `json:"ready_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LockOwner     string     `json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
}

// DuplicatePolicy controls what Enqueue does when a non-terminal job already
// holds the same (queue, dedup key).
type DuplicatePolicy string

// Supported duplicate policies.
const (
	// RejectDuplicate returns ErrDuplicateJob to the caller.
	RejectDuplicate DuplicatePolicy = "reject"
	// ReplaceDuplicate updates payload and priority of a still-waiting
	// duplicate. An active duplicate is never replaced.
	ReplaceDuplicate DuplicatePolicy = "replace"
)

// EnqueueOptions captures per-job knobs supplied at enqueue time.
type EnqueueOptions struct {
	Priority    int
	DedupKey    string
	Delay       time.Duration
	MaxAttempts int
	OnDuplicate DuplicatePolicy
}

// ConnectionStatus is the lifecycle state of a platform connection.
type ConnectionStatus string

// Connection status values.
const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInactive ConnectionStatus = "inactive"
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionError    ConnectionStatus = "error"
	ConnectionScraping ConnectionStatus = "scraping"
)

// Connection binds an org's external account credentials to a platform.
// Workers only write Status and LastRunAt; the dashboard owns the rest, so
// concurrent writers touch disjoint field sets.
type Connection struct {
	ID            string            `json:"id"`
	OrgID         string            `json:"org_id"`
	ProjectID     string            `json:"project_id"`
	Platform      string            `json:"platform"`
	Credentials   map[string]string `json:"credentials"`
	Status        ConnectionStatus  `json:"status"`
	LastRunAt     *time.Time        `json:"last_run_at,omitempty"`
	LastRunError  string            `json:"last_run_error,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ScheduleEvery string            `json:"schedule_every,omitempty"`
}

// RawRecord is a pre-persistence testimonial candidate produced by one
// collector invocation. It is never mutated after creation; it is either
// persisted or dropped.
type RawRecord struct {
	Source           string            `json:"source"`
	SourceExternalID string            `json:"source_external_id"`
	Text             string            `json:"text"`
	AuthorName       string            `json:"author_name"`
	AuthorHandle     string            `json:"author_handle,omitempty"`
	AuthorTitle      string            `json:"author_title,omitempty"`
	AuthorCompany    string            `json:"author_company,omitempty"`
	AvatarURL        string            `json:"avatar_url,omitempty"`
	PostedAt         *time.Time        `json:"posted_at,omitempty"`
	Rating           float64           `json:"rating,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Author carries the account-level signals the trust filter evaluates.
type Author struct {
	Name      string
	Handle    string
	Bio       string
	Verified  bool
	Followers int
	Following int
	CreatedAt *time.Time
}

// ScrapeResult is returned by a collector run. Partial success is expected:
// per-page errors are recorded while earlier records are kept.
type ScrapeResult struct {
	Records []RawRecord
	Errors  []string
}
