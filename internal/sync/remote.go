package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned by a RemoteClient when the registry rejects the
// current session. The engine treats it as critical and blocks further passes
// until Authenticate succeeds again.
var ErrUnauthorized = errors.New("registry: unauthorized")

// ErrAuthenticationRequired is returned by the engine when a pass is blocked
// on a failed re-authentication.
var ErrAuthenticationRequired = errors.New("sync: re-authentication required before next pass")

// ErrConflictNotFound is returned when a resolution targets an unknown or
// already-resolved conflict.
var ErrConflictNotFound = errors.New("sync: conflict not found")

// ErrConflictIncomplete is returned when a resolution needs an entity copy
// the conflict record does not carry, such as use_remote on a conflict whose
// remote copy never arrived.
var ErrConflictIncomplete = errors.New("sync: conflict record is missing an entity copy")

// ConflictError signals that the registry rejected a push because the remote
// copy of the entity has diverged. It carries the remote copy so the resolver
// can act without another round trip.
type ConflictError struct {
	Entity        EntityRef
	RemotePatient *PatientRecord
	RemoteRecord  *MedicalRecordEntry
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry: version conflict on %s %s", e.Entity.Type, e.Entity.ID)
}

// RegistryStatus is the registry-side view returned by GetSyncStatus.
type RegistryStatus struct {
	Available      bool      `json:"available"`
	PendingChanges int       `json:"pending_changes"`
	LastSyncAt     time.Time `json:"last_sync_at"`
}

// RemoteClient is the adapter contract against the remote registry. All calls
// are expected to carry their own timeout; a timed-out call surfaces as a
// plain transport error.
type RemoteClient interface {
	Authenticate(ctx context.Context) error
	SearchPatients(ctx context.Context, criteria map[string]string) ([]*PatientRecord, error)
	GetPatientByIdentifier(ctx context.Context, emiratesID string) (*PatientRecord, error)
	GetMedicalRecords(ctx context.Context, patientID uuid.UUID, criteria map[string]string) ([]*MedicalRecordEntry, error)
	SyncPatient(ctx context.Context, patient *PatientRecord) (*PatientRecord, error)
	CreateMedicalRecord(ctx context.Context, record *MedicalRecordEntry) (*MedicalRecordEntry, error)
	ResolveConflict(ctx context.Context, conflictID uuid.UUID, resolution ConflictResolution) error
	GetSyncStatus(ctx context.Context) (*RegistryStatus, error)
}

// StatusProbe is the subset of RemoteClient the health monitor needs.
type StatusProbe interface {
	GetSyncStatus(ctx context.Context) (*RegistryStatus, error)
}
