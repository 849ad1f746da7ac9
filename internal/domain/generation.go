package domain

import "time"

// GenerationStatus mirrors the linked job: a pending or processing job maps
// to a processing generation.
type GenerationStatus string

const (
	GenerationStatusProcessing GenerationStatus = "processing"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusFailed     GenerationStatus = "failed"
)

// Generation is the user-facing handle for one requested design. It links to
// exactly one Job and is what clients poll against.
type Generation struct {
	ID                string
	UserID            string
	Prompt            string
	ReferenceImageURL string
	JobID             string
	Status            GenerationStatus
	GeneratedImageID  string
	GeneratedImageURL string
	GenerationTime    *float64 // seconds
	IsFavorite        bool
	IsPublic          bool
	Downloads         int
	Views             int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
