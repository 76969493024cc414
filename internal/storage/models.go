package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a job status change is requested
// from a state that does not permit it (e.g. cancelling a completed job).
var ErrInvalidTransition = errors.New("invalid state transition")

// JobStatus enumerates the search job lifecycle states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known job status value.
func ValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobQueued, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// SearchJob is one query-execution request with tracked lifecycle state.
type SearchJob struct {
	ID              string
	UserID          string
	Query           string
	Strategy        string
	DocumentIDs     string // JSON array stored as text; "[]" means all owned documents
	Status          JobStatus
	Results         string // JSON array stored as text
	ResultsCount    int
	ErrorMessage    string
	ExecutionTimeMs int64 // valid only once Status is completed or failed
	RetryOf         string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Document is one searchable corpus entry. The search core only ever reads
// documents; writes happen through seeding and the documents API.
type Document struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	UserID  string
	Status  JobStatus // empty means any
	Page    int       // 1-based
	PerPage int
}

// JobPage is one page of jobs plus the metadata a dashboard needs.
type JobPage struct {
	Jobs       []SearchJob
	Page       int
	PerPage    int
	TotalItems int
	TotalPages int
	HasNext    bool
	HasPrev    bool
}
