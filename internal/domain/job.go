package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted except the
// explicit failed -> pending retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Priority tiers. Higher dispatches first; assigned from the caller's plan at
// creation time and immutable afterwards.
const (
	PriorityNormal   = 0
	PriorityElevated = 10
	PriorityTop      = 100
)

// PriorityForPlan maps a subscription plan to a job priority tier.
func PriorityForPlan(plan string) int {
	switch plan {
	case "studio":
		return PriorityTop
	case "plus":
		return PriorityElevated
	default:
		return PriorityNormal
	}
}

const (
	// MaxRetries caps explicit failed -> pending retries per job.
	MaxRetries = 3

	// JobTTL bounds how long a job record is kept after creation.
	JobTTL = 7 * 24 * time.Hour

	// ErrCodeMaxRetries marks a job finalized after exhausting retries.
	ErrCodeMaxRetries = "MAX_RETRIES"

	// ErrCodeStuck marks a job failed by the reaper after sitting
	// non-terminal past its TTL.
	ErrCodeStuck = "STUCK"
)

// GenerationSettings tunes the remote diffusion run. Zero values are replaced
// with the worker defaults at dispatch time.
type GenerationSettings struct {
	Seed     *int64  `json:"seed,omitempty"`
	Guidance float64 `json:"guidance"`
	Denoise  float64 `json:"denoise"`
	Steps    int     `json:"steps"`
}

// DefaultSettings returns the worker-side defaults.
func DefaultSettings() GenerationSettings {
	return GenerationSettings{Guidance: 3.0, Denoise: 0.98, Steps: 25}
}

// JobInput is the opaque payload handed to the remote worker. The pipeline
// stores and forwards it without reprocessing.
type JobInput struct {
	ImageData string             `json:"imageData"`
	Prompt    string             `json:"prompt"`
	Settings  GenerationSettings `json:"settings"`
}

// JobOutput is populated only on completion.
type JobOutput struct {
	ImageID  string `json:"imageId,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Seed     *int64 `json:"seed,omitempty"`
}

// JobError is populated only on failure.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Job is one unit of remote-compute work.
type Job struct {
	ID            string
	UserID        string
	Status        JobStatus
	Priority      int
	Input         JobInput
	Output        *JobOutput
	Error         *JobError
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExecutionTime *float64 // seconds
	RetryCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// QueueStats summarizes the queue for monitoring.
type QueueStats struct {
	Pending          int
	Processing       int
	Completed        int
	Failed           int
	Cancelled        int
	AvgExecutionTime float64
}
