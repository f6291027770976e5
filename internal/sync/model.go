package sync

import (
	"time"

	"github.com/google/uuid"
)

// Provenance records which side of the sync boundary currently owns a record.
// Ownership transfers to the registry on a successful push.
type Provenance string

const (
	ProvenanceLocalOnly    Provenance = "local_only"
	ProvenanceRemoteSynced Provenance = "remote_synced"
	ProvenanceConflicted   Provenance = "conflicted"
)

// PatientRecord is the demographic record exchanged with the remote registry.
// Version is a logical marker (unix milliseconds at last validation) used for
// divergence detection.
type PatientRecord struct {
	ID           uuid.UUID  `json:"id"`
	EmiratesID   string     `json:"emirates_id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Gender       string     `json:"gender"`
	BirthDate    *time.Time `json:"birth_date,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Email        string     `json:"email,omitempty"`
	AddressLine1 string     `json:"address_line1,omitempty"`
	City         string     `json:"city,omitempty"`
	Provenance   Provenance `json:"provenance"`
	Version      int64      `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a copy safe to hand outside the engine.
func (p *PatientRecord) Clone() *PatientRecord {
	if p == nil {
		return nil
	}
	cp := *p
	if p.BirthDate != nil {
		bd := *p.BirthDate
		cp.BirthDate = &bd
	}
	return &cp
}

// RecordType classifies a medical record entry.
type RecordType string

const (
	RecordTypeConsultation RecordType = "consultation"
	RecordTypeLabResult    RecordType = "lab_result"
	RecordTypePrescription RecordType = "prescription"
	RecordTypeVaccination  RecordType = "vaccination"
	RecordTypeImaging      RecordType = "imaging"
)

// MedicalRecordEntry belongs to exactly one patient. Entries are never
// deleted; a replaced entry is marked superseded instead.
type MedicalRecordEntry struct {
	ID         uuid.UUID  `json:"id"`
	PatientID  uuid.UUID  `json:"patient_id"`
	RecordType RecordType `json:"record_type"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary,omitempty"`
	Details    string     `json:"details,omitempty"`
	Superseded bool       `json:"superseded"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Clone returns a copy safe to hand outside the engine.
func (r *MedicalRecordEntry) Clone() *MedicalRecordEntry {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// EntityType discriminates the two synchronizable entity kinds.
type EntityType string

const (
	EntityPatient EntityType = "patient"
	EntityRecord  EntityType = "medical_record"
)

// EntityRef identifies one synchronizable entity.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   uuid.UUID  `json:"id"`
}

// OperationKind is the direction-agnostic kind of a sync operation.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
)

// OperationStatus is the lifecycle state of a SyncOperation.
// Completed is terminal; Failed becomes terminal once attempts are exhausted.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusConflicted OperationStatus = "conflicted"
)

// SyncOperation is one attempted push of a patient or medical record entry.
type SyncOperation struct {
	ID          uuid.UUID       `json:"id"`
	Entity      EntityRef       `json:"entity"`
	Kind        OperationKind   `json:"kind"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Status      OperationStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the operation can make no further state transition:
// either it completed, or it failed with its retry budget exhausted.
func (o *SyncOperation) Terminal() bool {
	if o.Status == StatusCompleted {
		return true
	}
	return o.Status == StatusFailed && o.Attempts >= o.MaxAttempts
}

// ResolutionPolicy selects how the resolver handles version divergence.
type ResolutionPolicy string

const (
	PolicyLocalWins  ResolutionPolicy = "local_wins"
	PolicyRemoteWins ResolutionPolicy = "remote_wins"
	PolicyMerge      ResolutionPolicy = "merge"
	PolicyManual     ResolutionPolicy = "manual"
)

// Valid reports whether the policy is one of the known values.
func (p ResolutionPolicy) Valid() bool {
	switch p {
	case PolicyLocalWins, PolicyRemoteWins, PolicyMerge, PolicyManual:
		return true
	}
	return false
}

// ConflictState tracks the lifecycle of a ConflictRecord.
type ConflictState string

const (
	ConflictUnresolved ConflictState = "unresolved"
	ConflictLocalWins  ConflictState = "local_wins"
	ConflictRemoteWins ConflictState = "remote_wins"
	ConflictMerged     ConflictState = "merged"
)

// ConflictResolution is an operator's choice when resolving manually.
type ConflictResolution string

const (
	ResolveUseLocal  ConflictResolution = "use_local"
	ResolveUseRemote ConflictResolution = "use_remote"
	ResolveMerge     ConflictResolution = "merge"
)

// Valid reports whether the resolution is one of the known values.
func (r ConflictResolution) Valid() bool {
	switch r {
	case ResolveUseLocal, ResolveUseRemote, ResolveMerge:
		return true
	}
	return false
}

// ConflictRecord pairs the local and remote versions of one entity whose
// edits could not be reconciled automatically. Exactly one of the
// patient / medical-record pairs is populated, matching Entity.Type.
type ConflictRecord struct {
	ID            uuid.UUID           `json:"id"`
	Entity        EntityRef           `json:"entity"`
	Fields        []string            `json:"fields,omitempty"`
	LocalPatient  *PatientRecord      `json:"local_patient,omitempty"`
	RemotePatient *PatientRecord      `json:"remote_patient,omitempty"`
	LocalRecord   *MedicalRecordEntry `json:"local_record,omitempty"`
	RemoteRecord  *MedicalRecordEntry `json:"remote_record,omitempty"`
	State         ConflictState       `json:"state"`
	DetectedAt    time.Time           `json:"detected_at"`
	ResolvedAt    *time.Time          `json:"resolved_at,omitempty"`
}

// Clone returns a copy with cloned entity snapshots.
func (c *ConflictRecord) Clone() *ConflictRecord {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Fields = append([]string(nil), c.Fields...)
	cp.LocalPatient = c.LocalPatient.Clone()
	cp.RemotePatient = c.RemotePatient.Clone()
	cp.LocalRecord = c.LocalRecord.Clone()
	cp.RemoteRecord = c.RemoteRecord.Clone()
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// hasCopies reports whether the record carries the entity snapshots the
// given resolution needs. Conflicts detected without a remote copy can only
// be resolved with use_local.
func (c *ConflictRecord) hasCopies(resolution ConflictResolution) bool {
	var local, remote bool
	switch c.Entity.Type {
	case EntityPatient:
		local, remote = c.LocalPatient != nil, c.RemotePatient != nil
	case EntityRecord:
		local, remote = c.LocalRecord != nil, c.RemoteRecord != nil
	}
	switch resolution {
	case ResolveUseLocal:
		return local
	case ResolveUseRemote:
		return remote
	default:
		return local && remote
	}
}

// ResolvedEntity carries the winner of a resolved conflict. Exactly one of
// Patient / Record is populated, matching Entity.Type.
type ResolvedEntity struct {
	Entity  EntityRef           `json:"entity"`
	Patient *PatientRecord      `json:"patient,omitempty"`
	Record  *MedicalRecordEntry `json:"record,omitempty"`
}

// ErrorKind classifies a per-item sync error.
type ErrorKind string

const (
	ErrorTransport ErrorKind = "transport"
	ErrorConflict  ErrorKind = "conflict"
	ErrorTerminal  ErrorKind = "terminal"
	ErrorAuth      ErrorKind = "auth"
)

// SyncError is one per-item error surfaced in a SyncResult.
type SyncError struct {
	Entity   EntityRef `json:"entity"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
}

// SyncResult is the aggregate outcome of one orchestration pass. It is
// immutable once produced; Synced+Failed+Conflicted always equals Total.
type SyncResult struct {
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration_ns"`
	Total      int               `json:"total"`
	Synced     int               `json:"synced"`
	Failed     int               `json:"failed"`
	Conflicted int               `json:"conflicted"`
	Conflicts  []*ConflictRecord `json:"conflicts,omitempty"`
	Errors     []SyncError       `json:"errors,omitempty"`
}

// SuccessRate is computed from the result's own counts, never from an
// external counter.
func (r *SyncResult) SuccessRate() float64 {
	if r.Total == 0 {
		return 1
	}
	return float64(r.Synced) / float64(r.Total)
}

// ErrorRate is the failed share of the pass, from the result's own counts.
func (r *SyncResult) ErrorRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Total)
}

// Clone returns a copy with cloned conflict records.
func (r *SyncResult) Clone() *SyncResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Conflicts = make([]*ConflictRecord, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		cp.Conflicts = append(cp.Conflicts, c.Clone())
	}
	cp.Errors = append([]SyncError(nil), r.Errors...)
	return &cp
}

// ConnectionStatus is the health monitor's connection state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// HealthLevel is the derived overall classification of a snapshot.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

// IssueSeverity grades a single health issue.
type IssueSeverity string

const (
	SeverityWarning  IssueSeverity = "warning"
	SeverityError    IssueSeverity = "error"
	SeverityCritical IssueSeverity = "critical"
)

// HealthIssue is one observation raised during a monitoring tick.
type HealthIssue struct {
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
	At       time.Time     `json:"at"`
}

// HealthSnapshot is a point-in-time view of registry health. Each tick
// replaces the snapshot wholesale; only the bounded issue list carries over.
type HealthSnapshot struct {
	Status       ConnectionStatus `json:"status"`
	ResponseTime time.Duration    `json:"response_time_ns"`
	ErrorRate    float64          `json:"error_rate"`
	Uptime       time.Duration    `json:"uptime_ns"`
	Overall      HealthLevel      `json:"overall"`
	Issues       []HealthIssue    `json:"issues,omitempty"`
	CheckedAt    time.Time        `json:"checked_at"`
}

// Options configures one orchestration pass.
type Options struct {
	Policy      ResolutionPolicy `json:"policy"`
	BatchSize   int              `json:"batch_size"`
	MaxAttempts int              `json:"max_attempts"`
	Monitor     bool             `json:"monitor"`
}

// DefaultOptions returns the engine defaults used when a field is unset.
func DefaultOptions() Options {
	return Options{
		Policy:      PolicyMerge,
		BatchSize:   25,
		MaxAttempts: 3,
	}
}

func (o Options) withDefaults(d Options) Options {
	if o.Policy == "" {
		o.Policy = d.Policy
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	return o
}
