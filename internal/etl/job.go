// Package etl orchestrates extract-transform-load runs: fetching facts
// from the remote service, writing partitions, and tracking per-entity
// job state with bounded concurrency.
package etl

import (
	"time"

	"github.com/google/uuid"

	"github.com/factfeed/factfeed/internal/errors"
)

// JobType classifies what triggered a job.
type JobType string

const (
	JobIncremental JobType = "incremental"
	JobOnDemand    JobType = "on-demand"
	JobFullRefresh JobType = "full-refresh"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// validTransitions encodes the job state machine. Terminal states have
// no successors.
var validTransitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Job records one unit of pipeline work for a single entity. Jobs are
// value types; the pipeline owns the canonical copy.
type Job struct {
	ID     string    `json:"job_id"`
	Ticker string    `json:"ticker"`
	Type   JobType   `json:"type"`
	Status JobStatus `json:"status"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Error string `json:"error,omitempty"`

	RecordsProcessed int  `json:"records_processed"`
	FilesCreated     int  `json:"files_created"`
	Skipped          bool `json:"skipped,omitempty"`
}

// NewJob creates a pending job for a ticker.
func NewJob(ticker string, jobType JobType) Job {
	return Job{
		ID:        uuid.New().String(),
		Ticker:    ticker,
		Type:      jobType,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
	}
}

// transition moves the job to the next status, enforcing the state
// machine.
func (j *Job) transition(next JobStatus) error {
	for _, allowed := range validTransitions[j.Status] {
		if next == allowed {
			j.Status = next
			if next == StatusCompleted || next == StatusFailed {
				j.CompletedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", j.Status, next)
}

// Duration returns how long the job ran, or time since start for jobs
// still in flight.
func (j *Job) Duration() time.Duration {
	if j.CompletedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
