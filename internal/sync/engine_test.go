package sync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// fakeRemote is a scriptable RemoteClient shared by the engine, monitor, and
// handler tests.
type fakeRemote struct {
	mu sync.Mutex

	authErr      error
	authCalls    int
	syncPatient  func(p *PatientRecord) (*PatientRecord, error)
	createRecord func(r *MedicalRecordEntry) (*MedicalRecordEntry, error)
	resolveErr   error
	statusErr    error

	syncedPatients []uuid.UUID
	createdRecords []uuid.UUID
	resolvedIDs    []uuid.UUID
}

func (f *fakeRemote) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.authErr
}

func (f *fakeRemote) SearchPatients(ctx context.Context, criteria map[string]string) ([]*PatientRecord, error) {
	return nil, nil
}

func (f *fakeRemote) GetPatientByIdentifier(ctx context.Context, emiratesID string) (*PatientRecord, error) {
	return nil, nil
}

func (f *fakeRemote) GetMedicalRecords(ctx context.Context, patientID uuid.UUID, criteria map[string]string) ([]*MedicalRecordEntry, error) {
	return nil, nil
}

func (f *fakeRemote) SyncPatient(ctx context.Context, patient *PatientRecord) (*PatientRecord, error) {
	f.mu.Lock()
	fn := f.syncPatient
	f.syncedPatients = append(f.syncedPatients, patient.ID)
	f.mu.Unlock()
	if fn != nil {
		return fn(patient)
	}
	return patient.Clone(), nil
}

func (f *fakeRemote) CreateMedicalRecord(ctx context.Context, record *MedicalRecordEntry) (*MedicalRecordEntry, error) {
	f.mu.Lock()
	fn := f.createRecord
	f.createdRecords = append(f.createdRecords, record.ID)
	f.mu.Unlock()
	if fn != nil {
		return fn(record)
	}
	return record.Clone(), nil
}

func (f *fakeRemote) ResolveConflict(ctx context.Context, conflictID uuid.UUID, resolution ConflictResolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolvedIDs = append(f.resolvedIDs, conflictID)
	return f.resolveErr
}

func (f *fakeRemote) GetSyncStatus(ctx context.Context) (*RegistryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &RegistryStatus{Available: true}, nil
}

func TestPerformBidirectionalSync_AllSynced(t *testing.T) {
	remote := &fakeRemote{}
	engine := NewEngine(remote)

	patients := []*PatientRecord{testPatient(1), testPatient(1)}
	records := []*MedicalRecordEntry{testRecord(1)}
	result, err := engine.PerformBidirectionalSync(context.Background(), patients, records, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Total != 3 || result.Synced != 3 || result.Failed != 0 || result.Conflicted != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.SuccessRate() != 1 {
		t.Errorf("success rate = %f, want 1", result.SuccessRate())
	}
	for _, p := range patients {
		if p.Provenance != ProvenanceRemoteSynced {
			t.Errorf("patient %s provenance = %s, want %s", p.ID, p.Provenance, ProvenanceRemoteSynced)
		}
	}
	if engine.QueueLen() != 0 {
		t.Errorf("queue length = %d, want 0", engine.QueueLen())
	}
}

func TestPerformBidirectionalSync_EmptyInput(t *testing.T) {
	engine := NewEngine(&fakeRemote{})
	result, err := engine.PerformBidirectionalSync(context.Background(), nil, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 0 || result.SuccessRate() != 1 || result.ErrorRate() != 0 {
		t.Errorf("empty pass result = %+v", result)
	}
}

func TestPerformBidirectionalSync_InvalidPolicy(t *testing.T) {
	engine := NewEngine(&fakeRemote{})
	_, err := engine.PerformBidirectionalSync(context.Background(), nil, nil, Options{Policy: "newest_wins"})
	if err == nil {
		t.Fatal("expected an error for an unknown policy")
	}
}

func TestPerformBidirectionalSync_CountsAlwaysAddUp(t *testing.T) {
	calls := 0
	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			calls++
			if calls%2 == 0 {
				return nil, errors.New("connection reset")
			}
			return p.Clone(), nil
		},
	}
	engine := NewEngine(remote)

	patients := make([]*PatientRecord, 6)
	for i := range patients {
		patients[i] = testPatient(1)
	}
	result, err := engine.PerformBidirectionalSync(context.Background(), patients, nil, Options{BatchSize: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Synced+result.Failed+result.Conflicted != result.Total {
		t.Errorf("accounting mismatch: %d+%d+%d != %d",
			result.Synced, result.Failed, result.Conflicted, result.Total)
	}
	if result.Synced != 3 || result.Failed != 3 {
		t.Errorf("result = %+v, want 3 synced and 3 failed", result)
	}
	if len(result.Errors) != result.Failed {
		t.Errorf("error entries = %d, want %d", len(result.Errors), result.Failed)
	}
	for _, e := range result.Errors {
		if e.Kind != ErrorTransport {
			t.Errorf("error kind = %s, want %s", e.Kind, ErrorTransport)
		}
	}
	if engine.QueueLen() != 3 {
		t.Errorf("queue length = %d, want 3 retryable failures", engine.QueueLen())
	}
}

func TestPerformBidirectionalSync_FailureDoesNotAbortBatch(t *testing.T) {
	bad := testPatient(1)
	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			if p.ID == bad.ID {
				return nil, errors.New("validation rejected")
			}
			return p.Clone(), nil
		},
	}
	engine := NewEngine(remote)

	patients := []*PatientRecord{testPatient(1), bad, testPatient(1)}
	result, err := engine.PerformBidirectionalSync(context.Background(), patients, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Synced != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want the two healthy items synced", result)
	}
}

func TestPerformBidirectionalSync_ConflictRecorded(t *testing.T) {
	local := testPatient(3)
	diverged := local.Clone()
	diverged.Phone = "+971509999999"

	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			return nil, &ConflictError{
				Entity:        EntityRef{Type: EntityPatient, ID: p.ID},
				RemotePatient: diverged,
			}
		},
	}
	engine := NewEngine(remote)

	result, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{local}, nil, Options{Policy: PolicyManual})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Conflicted != 1 || result.Synced != 0 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if local.Provenance != ProvenanceConflicted {
		t.Errorf("provenance = %s, want %s", local.Provenance, ProvenanceConflicted)
	}

	conflicts := engine.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("active conflicts = %d, want 1", len(conflicts))
	}
	if conflicts[0].Entity.ID != local.ID {
		t.Errorf("conflict entity = %s, want %s", conflicts[0].Entity.ID, local.ID)
	}
}

func TestPerformBidirectionalSync_ConflictResolvedByPolicy(t *testing.T) {
	local := testPatient(5)
	diverged := local.Clone()
	diverged.Version = 3
	diverged.City = "Dubai"

	first := true
	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			if first {
				first = false
				return nil, &ConflictError{
					Entity:        EntityRef{Type: EntityPatient, ID: p.ID},
					RemotePatient: diverged,
				}
			}
			return p.Clone(), nil
		},
	}
	engine := NewEngine(remote)

	result, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{local}, nil, Options{Policy: PolicyLocalWins})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Synced != 1 || result.Conflicted != 0 {
		t.Errorf("result = %+v, want the winner pushed and counted synced", result)
	}
	if len(engine.Conflicts()) != 0 {
		t.Errorf("active conflicts = %d, want 0", len(engine.Conflicts()))
	}
}

func TestPerformBidirectionalSync_NewerConflictSupersedesPending(t *testing.T) {
	local := testPatient(3)
	diverged := local.Clone()
	diverged.Phone = "+971509999999"

	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			return nil, &ConflictError{
				Entity:        EntityRef{Type: EntityPatient, ID: p.ID},
				RemotePatient: diverged,
			}
		},
	}
	engine := NewEngine(remote)

	for i := 0; i < 2; i++ {
		if _, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{local.Clone()}, nil, Options{Policy: PolicyManual}); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	conflicts := engine.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("active conflicts = %d, want the newer record to supersede the pending one", len(conflicts))
	}
}

func TestPerformBidirectionalSync_AuthFailureBlocksNextPass(t *testing.T) {
	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			return nil, ErrUnauthorized
		},
	}
	engine := NewEngine(remote)

	result, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{testPatient(1)}, nil, Options{})
	if err != nil {
		t.Fatalf("the failing pass itself still returns a result: %v", err)
	}
	if result.Failed != 1 || result.Errors[0].Kind != ErrorAuth {
		t.Fatalf("result = %+v, want one auth failure", result)
	}
	if engine.Health().Overall != HealthCritical {
		t.Errorf("health = %s, want %s after auth failure", engine.Health().Overall, HealthCritical)
	}

	// The next pass is blocked until re-authentication succeeds.
	remote.mu.Lock()
	remote.authErr = errors.New("invalid credentials")
	remote.mu.Unlock()
	_, err = engine.PerformBidirectionalSync(context.Background(), nil, nil, Options{})
	if !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("err = %v, want ErrAuthenticationRequired", err)
	}

	// A successful re-authentication unblocks passes.
	remote.mu.Lock()
	remote.authErr = nil
	remote.mu.Unlock()
	if _, err := engine.PerformBidirectionalSync(context.Background(), nil, nil, Options{}); err != nil {
		t.Fatalf("pass after re-auth: %v", err)
	}
}

func TestResolveConflict_UseLocal(t *testing.T) {
	local := testPatient(3)
	diverged := local.Clone()
	diverged.Phone = "+971509999999"

	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			return nil, &ConflictError{
				Entity:        EntityRef{Type: EntityPatient, ID: p.ID},
				RemotePatient: diverged,
			}
		},
	}
	engine := NewEngine(remote)

	result, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{local}, nil, Options{Policy: PolicyManual})
	if err != nil {
		t.Fatal(err)
	}
	conflictID := result.Conflicts[0].ID

	// Let the resolution push succeed.
	remote.mu.Lock()
	remote.syncPatient = nil
	remote.mu.Unlock()

	resolved, err := engine.ResolveConflict(context.Background(), conflictID, ResolveUseLocal)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Patient == nil || resolved.Patient.Phone != local.Phone {
		t.Errorf("resolved = %+v, want the local copy", resolved)
	}
	if resolved.Patient.Provenance != ProvenanceRemoteSynced {
		t.Errorf("provenance = %s, want %s after push", resolved.Patient.Provenance, ProvenanceRemoteSynced)
	}

	if len(engine.Conflicts()) != 0 {
		t.Errorf("active conflicts = %d, want 0", len(engine.Conflicts()))
	}
	last := engine.LastResult()
	if last.Conflicted != 0 || len(last.Conflicts) != 0 {
		t.Errorf("last result still shows conflicts: %+v", last)
	}
	remote.mu.Lock()
	acked := len(remote.resolvedIDs)
	remote.mu.Unlock()
	if acked != 1 {
		t.Errorf("registry acknowledgements = %d, want 1", acked)
	}
}

func TestResolveConflict_WithoutRemoteCopy(t *testing.T) {
	local := testPatient(3)
	remote := &fakeRemote{
		// A 409 whose body fails to decode surfaces as a ConflictError with
		// no remote copy attached.
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			return nil, &ConflictError{Entity: EntityRef{Type: EntityPatient, ID: p.ID}}
		},
	}
	engine := NewEngine(remote)

	result, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{local}, nil, Options{Policy: PolicyManual})
	if err != nil {
		t.Fatal(err)
	}
	if result.Conflicted != 1 {
		t.Fatalf("result = %+v, want one conflict", result)
	}
	conflict := result.Conflicts[0]
	if conflict.LocalPatient == nil {
		t.Fatal("conflict record lost the local copy")
	}
	if conflict.RemotePatient != nil {
		t.Fatalf("remote copy = %+v, want none", conflict.RemotePatient)
	}

	// Resolutions needing the missing copy are rejected, not attempted.
	if _, err := engine.ResolveConflict(context.Background(), conflict.ID, ResolveUseRemote); !errors.Is(err, ErrConflictIncomplete) {
		t.Errorf("use_remote err = %v, want ErrConflictIncomplete", err)
	}
	if _, err := engine.ResolveConflict(context.Background(), conflict.ID, ResolveMerge); !errors.Is(err, ErrConflictIncomplete) {
		t.Errorf("merge err = %v, want ErrConflictIncomplete", err)
	}
	if len(engine.Conflicts()) != 1 {
		t.Fatalf("active conflicts = %d, want the rejected resolutions to leave it pending", len(engine.Conflicts()))
	}

	// use_local still works once the registry accepts pushes again.
	remote.mu.Lock()
	remote.syncPatient = nil
	remote.mu.Unlock()

	resolved, err := engine.ResolveConflict(context.Background(), conflict.ID, ResolveUseLocal)
	if err != nil {
		t.Fatalf("use_local: %v", err)
	}
	if resolved.Patient == nil || resolved.Patient.ID != local.ID {
		t.Errorf("resolved = %+v, want the local copy", resolved)
	}
	if len(engine.Conflicts()) != 0 {
		t.Errorf("active conflicts = %d, want 0", len(engine.Conflicts()))
	}
}

func TestResolveConflict_UnknownID(t *testing.T) {
	engine := NewEngine(&fakeRemote{})
	_, err := engine.ResolveConflict(context.Background(), uuid.New(), ResolveUseRemote)
	if !errors.Is(err, ErrConflictNotFound) {
		t.Fatalf("err = %v, want ErrConflictNotFound", err)
	}
}

func TestResolveConflict_InvalidResolution(t *testing.T) {
	engine := NewEngine(&fakeRemote{})
	_, err := engine.ResolveConflict(context.Background(), uuid.New(), "keep_both")
	if err == nil {
		t.Fatal("expected an error for an unknown resolution")
	}
}

func TestRetryFailed_ClearsPendingOnSuccess(t *testing.T) {
	fail := true
	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			if fail {
				return nil, errors.New("connection refused")
			}
			return p.Clone(), nil
		},
	}
	engine := NewEngine(remote)

	if _, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{testPatient(1)}, nil, Options{MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	if engine.QueueLen() != 1 {
		t.Fatalf("queue length = %d, want 1", engine.QueueLen())
	}

	fail = false
	out := engine.RetryFailed(context.Background())
	if out.Succeeded != 1 || out.Requeued != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if engine.QueueLen() != 0 {
		t.Errorf("queue length = %d, want 0", engine.QueueLen())
	}
}

func TestRetryFailed_DropSurfacesTerminalError(t *testing.T) {
	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			return nil, errors.New("registry down")
		},
	}
	engine := NewEngine(remote)

	if _, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{testPatient(1)}, nil, Options{MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}

	// The pass consumed one attempt; this retry exhausts the budget.
	out := engine.RetryFailed(context.Background())
	if len(out.Dropped) != 1 {
		t.Fatalf("dropped = %d, want 1", len(out.Dropped))
	}
	if engine.QueueLen() != 0 {
		t.Errorf("queue length = %d, want 0", engine.QueueLen())
	}

	last := engine.LastResult()
	found := false
	for _, e := range last.Errors {
		if e.Kind == ErrorTerminal {
			found = true
		}
	}
	if !found {
		t.Errorf("last result errors = %+v, want a terminal entry", last.Errors)
	}
}

func TestEngine_Reset(t *testing.T) {
	remote := &fakeRemote{
		syncPatient: func(p *PatientRecord) (*PatientRecord, error) {
			return nil, errors.New("down")
		},
	}
	engine := NewEngine(remote)
	if _, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{testPatient(1)}, nil, Options{}); err != nil {
		t.Fatal(err)
	}

	engine.Reset()
	if engine.QueueLen() != 0 {
		t.Errorf("queue length = %d, want 0", engine.QueueLen())
	}
	if engine.LastResult() != nil {
		t.Error("last result should be cleared")
	}
	if len(engine.Conflicts()) != 0 {
		t.Error("conflict set should be cleared")
	}
	if engine.Monitor().Running() {
		t.Error("monitor should be stopped")
	}
}

func TestEngine_LastResultIsCopy(t *testing.T) {
	engine := NewEngine(&fakeRemote{})
	if _, err := engine.PerformBidirectionalSync(context.Background(), []*PatientRecord{testPatient(1)}, nil, Options{}); err != nil {
		t.Fatal(err)
	}
	first := engine.LastResult()
	first.Synced = 99
	if engine.LastResult().Synced != 1 {
		t.Error("mutating a returned result must not affect engine state")
	}
}
