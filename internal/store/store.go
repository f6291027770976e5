// Package store persists administrative data captured locally between sync
// passes. Records are stored as category-tagged JSON payloads so the capture
// side stays decoupled from the sync engine's entity types.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Known payload categories.
const (
	CategoryPatient       = "patient"
	CategoryMedicalRecord = "medical_record"
)

// Record lifecycle statuses.
const (
	StatusPending    = "pending"
	StatusSynced     = "synced"
	StatusFailed     = "failed"
	StatusConflicted = "conflicted"
)

// ErrNotFound is returned when a record id does not exist in a category.
var ErrNotFound = errors.New("store: record not found")

// AdministrativeRecord is one locally captured payload awaiting sync.
type AdministrativeRecord struct {
	ID        uuid.UUID       `json:"id"`
	Category  string          `json:"category"`
	Data      json.RawMessage `json:"data"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store defines the persistence interface for administrative data.
type Store interface {
	SaveAdministrativeData(ctx context.Context, category string, data json.RawMessage) (uuid.UUID, error)
	GetAdministrativeData(ctx context.Context, category string) ([]*AdministrativeRecord, error)
	UpdateStatus(ctx context.Context, category string, id uuid.UUID, status string) error
}
