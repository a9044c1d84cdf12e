package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is the durable record of an uploaded file. Status mirrors the
// ingestion stage names (uploaded, extracting, ..., completed, failed, empty,
// cancelled).
type Document struct {
	ID          string
	Filename    string
	SizeBytes   int64
	PageCount   int
	Status      string
	Error       string
	StoragePath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Task struct {
	ID              string
	DocumentID      string
	Status          string
	Progress        int
	StageLabel      string
	Error           string
	Attempts        int
	CancelRequested bool
	StartedAt       time.Time
	CompletedAt     time.Time // zero until terminal
	UpdatedAt       time.Time
}

// Checkpoint records the last completed ingestion stage for a document.
type Checkpoint struct {
	DocumentID  string
	Stage       string
	ChunksJSON  string // serialized chunk sequence, set once chunking completes
	DoneBatches []int  // indexes of batches already upserted
	UpdatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

type Turn struct {
	ID          string
	SessionID   string
	Question    string
	Mode        string
	SourcesJSON string // JSON array stored as text
	Answer      string
	FollowUps   string // JSON array stored as text
	NoContext   bool
	CreatedAt   time.Time
}
