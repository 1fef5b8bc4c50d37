package ports

import (
	"context"
	"time"

	"scout/internal/events"
)

// SessionRecord is the durable summary of one research session. Live stage
// state lives in the hub; the record survives restarts.
type SessionRecord struct {
	ID           string           `json:"session_id"`
	Subject      string           `json:"subject"`
	Language     string           `json:"language"`
	Status       events.RunStatus `json:"status"`
	Progress     float64          `json:"progress"`
	CurrentStage string           `json:"current_stage,omitempty"`
	NoArtifacts  bool             `json:"no_artifacts"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// SessionStore persists session records.
type SessionStore interface {
	// Create stores a new record; it fails with errors.ErrSessionExists
	// when the id is taken.
	Create(ctx context.Context, record SessionRecord) error

	// Get returns errors.ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, id string) (SessionRecord, error)

	// Update replaces an existing record.
	Update(ctx context.Context, record SessionRecord) error

	// List returns records newest first with limit/offset pagination and the
	// total count.
	List(ctx context.Context, limit, offset int) ([]SessionRecord, int, error)

	// Delete removes a record; deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	Close() error
}
