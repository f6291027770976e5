// Package sync implements the bidirectional synchronization engine between
// the local clinical store and the remote EMR registry: batch orchestration,
// conflict detection and resolution, bounded retries, and health monitoring.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithDefaults overrides the per-pass option defaults.
func WithDefaults(opts Options) EngineOption {
	return func(e *Engine) { e.defaults = opts.withDefaults(DefaultOptions()) }
}

// WithMonitorOptions forwards options to the engine-owned health monitor.
func WithMonitorOptions(opts ...MonitorOption) EngineOption {
	return func(e *Engine) { e.monitorOpts = append(e.monitorOpts, opts...) }
}

// Engine owns all mutable sync state: the retry queue, the active conflict
// set, the last pass result, and the health monitor. One engine serves one
// logical sync session; there are no package-level singletons.
type Engine struct {
	remote      RemoteClient
	queue       *RetryQueue
	monitor     *HealthMonitor
	logger      zerolog.Logger
	defaults    Options
	monitorOpts []MonitorOption

	mu            sync.Mutex
	conflicts     map[uuid.UUID]*ConflictRecord
	conflictOrder []uuid.UUID
	pending       map[uuid.UUID]*syncItem
	lastResult    *SyncResult
	lastErrorRate float64
	authBlocked   bool
}

// NewEngine constructs an engine around the given registry client.
func NewEngine(remote RemoteClient, opts ...EngineOption) *Engine {
	e := &Engine{
		remote:    remote,
		queue:     NewRetryQueue(),
		logger:    zerolog.Nop(),
		defaults:  DefaultOptions(),
		conflicts: make(map[uuid.UUID]*ConflictRecord),
		pending:   make(map[uuid.UUID]*syncItem),
	}
	for _, o := range opts {
		o(e)
	}
	mopts := append([]MonitorOption{
		WithErrorRateSource(e.errorRate),
		WithMonitorLogger(e.logger),
	}, e.monitorOpts...)
	e.monitor = NewHealthMonitor(e.remote, mopts...)
	return e
}

// syncItem pairs one operation with its entity payload for the duration of a
// pass and any retries.
type syncItem struct {
	op      *SyncOperation
	patient *PatientRecord
	record  *MedicalRecordEntry
}

type outcomeKind int

const (
	outcomeUnset outcomeKind = iota
	outcomeSynced
	outcomeConflicted
	outcomeFailed
)

// itemOutcome is the typed per-item result folded into the aggregate; item
// errors never surface as Go errors from a pass.
type itemOutcome struct {
	kind     outcomeKind
	conflict *ConflictRecord
	err      *SyncError
}

// PerformBidirectionalSync reconciles the given candidates against the
// registry in batches. Per-item failures and conflicts are folded into the
// returned result; the only errors returned as such are invalid options, a
// blocked authentication gate, and aggregation faults.
func (e *Engine) PerformBidirectionalSync(ctx context.Context, patients []*PatientRecord, records []*MedicalRecordEntry, opts Options) (*SyncResult, error) {
	opts = opts.withDefaults(e.defaults)
	if !opts.Policy.Valid() {
		return nil, fmt.Errorf("sync: unknown resolution policy %q", opts.Policy)
	}

	if err := e.authGate(ctx); err != nil {
		return nil, err
	}
	if opts.Monitor {
		e.monitor.Start()
	}

	items := make([]*syncItem, 0, len(patients)+len(records))
	for _, p := range patients {
		kind := KindUpdate
		if p.Provenance == ProvenanceLocalOnly {
			kind = KindCreate
		}
		items = append(items, &syncItem{
			op:      newOperation(EntityRef{Type: EntityPatient, ID: p.ID}, kind, opts.MaxAttempts),
			patient: p,
		})
	}
	for _, r := range records {
		items = append(items, &syncItem{
			op:     newOperation(EntityRef{Type: EntityRecord, ID: r.ID}, KindCreate, opts.MaxAttempts),
			record: r,
		})
	}

	start := time.Now()
	outcomes := make([]itemOutcome, len(items))

	// Batches run in submission order; items within a batch are dispatched
	// concurrently. Batch boundaries are the only serialization point.
	for lo := 0; lo < len(items); lo += opts.BatchSize {
		hi := min(lo+opts.BatchSize, len(items))
		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = e.processItem(ctx, items[i], opts.Policy)
			}(i)
		}
		wg.Wait()
	}

	result := &SyncResult{StartedAt: start, Total: len(items)}
	for i, oc := range outcomes {
		switch oc.kind {
		case outcomeSynced:
			result.Synced++
		case outcomeConflicted:
			result.Conflicted++
			result.Conflicts = append(result.Conflicts, oc.conflict.Clone())
		case outcomeFailed:
			result.Failed++
			result.Errors = append(result.Errors, *oc.err)
		default:
			return nil, fmt.Errorf("sync: item %d produced no outcome", i)
		}
	}
	if result.Synced+result.Failed+result.Conflicted != result.Total {
		return nil, fmt.Errorf("sync: accounting mismatch: %d+%d+%d != %d",
			result.Synced, result.Failed, result.Conflicted, result.Total)
	}
	result.Duration = time.Since(start)

	e.mu.Lock()
	e.lastResult = result.Clone()
	e.lastErrorRate = result.ErrorRate()
	e.mu.Unlock()

	e.logger.Info().
		Int("total", result.Total).
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Int("conflicted", result.Conflicted).
		Dur("duration", result.Duration).
		Msg("sync pass complete")
	return result, nil
}

// authGate re-authenticates when a prior pass hit an authorization failure.
// Further passes stay blocked until the registry accepts the session again.
func (e *Engine) authGate(ctx context.Context) error {
	e.mu.Lock()
	blocked := e.authBlocked
	e.mu.Unlock()
	if !blocked {
		return nil
	}
	if err := e.remote.Authenticate(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationRequired, err)
	}
	e.mu.Lock()
	e.authBlocked = false
	e.mu.Unlock()
	return nil
}

func (e *Engine) processItem(ctx context.Context, it *syncItem, policy ResolutionPolicy) itemOutcome {
	op := it.op
	op.Status = StatusInProgress
	op.UpdatedAt = time.Now()

	err := e.push(ctx, it)
	if err == nil {
		op.Status = StatusCompleted
		op.UpdatedAt = time.Now()
		return itemOutcome{kind: outcomeSynced}
	}

	var ce *ConflictError
	if errors.As(err, &ce) {
		return e.resolveDivergence(ctx, it, ce, policy)
	}

	if errors.Is(err, ErrUnauthorized) {
		e.mu.Lock()
		e.authBlocked = true
		e.mu.Unlock()
		e.monitor.Escalate(SeverityCritical, "registry rejected authentication")
		e.logger.Error().Stringer("entity_id", op.Entity.ID).Msg("authentication failure during sync")

		op.Attempts++
		op.Status = StatusFailed
		op.LastError = err.Error()
		op.UpdatedAt = time.Now()
		return itemOutcome{kind: outcomeFailed, err: &SyncError{
			Entity:   op.Entity,
			Kind:     ErrorAuth,
			Message:  err.Error(),
			Attempts: op.Attempts,
		}}
	}

	// Transport or validation failure: never aborts the batch.
	op.Attempts++
	op.Status = StatusFailed
	op.LastError = err.Error()
	op.UpdatedAt = time.Now()

	kind := ErrorTransport
	if op.Attempts >= op.MaxAttempts {
		kind = ErrorTerminal
	} else {
		e.mu.Lock()
		e.pending[op.ID] = it
		e.mu.Unlock()
		e.queue.Enqueue(op)
	}
	e.logger.Warn().Err(err).
		Str("entity_type", string(op.Entity.Type)).
		Stringer("entity_id", op.Entity.ID).
		Int("attempts", op.Attempts).
		Msg("sync item failed")
	return itemOutcome{kind: outcomeFailed, err: &SyncError{
		Entity:   op.Entity,
		Kind:     kind,
		Message:  err.Error(),
		Attempts: op.Attempts,
	}}
}

// resolveDivergence routes a version conflict through the resolver. A
// deterministic policy yields a winner that is pushed again; anything
// unresolvable becomes a ConflictRecord in the active set.
func (e *Engine) resolveDivergence(ctx context.Context, it *syncItem, ce *ConflictError, policy ResolutionPolicy) itemOutcome {
	op := it.op

	var conflict *ConflictRecord
	switch {
	case it.patient != nil && ce.RemotePatient != nil:
		resolved, rec := ResolvePatient(it.patient, ce.RemotePatient, policy)
		if resolved != nil {
			it.patient = resolved
		}
		conflict = rec
	case it.record != nil && ce.RemoteRecord != nil:
		resolved, rec := ResolveRecord(it.record, ce.RemoteRecord, policy)
		if resolved != nil {
			it.record = resolved
		}
		conflict = rec
	default:
		// The registry reported divergence without sending its copy, which
		// happens when a 409 body fails to decode. Keep the local snapshot so
		// use_local remains available to the operator.
		conflict = &ConflictRecord{
			ID:         uuid.New(),
			Entity:     op.Entity,
			State:      ConflictUnresolved,
			DetectedAt: time.Now(),
		}
		if it.patient != nil {
			conflict.LocalPatient = it.patient.Clone()
		}
		if it.record != nil {
			conflict.LocalRecord = it.record.Clone()
		}
	}

	if conflict == nil {
		// Winner selected; push it. A second divergence or failure here is
		// not retried further within the pass.
		if err := e.push(ctx, it); err != nil {
			op.Attempts++
			op.Status = StatusFailed
			op.LastError = err.Error()
			op.UpdatedAt = time.Now()
			kind := ErrorTransport
			if op.Attempts >= op.MaxAttempts {
				kind = ErrorTerminal
			} else {
				e.mu.Lock()
				e.pending[op.ID] = it
				e.mu.Unlock()
				e.queue.Enqueue(op)
			}
			return itemOutcome{kind: outcomeFailed, err: &SyncError{
				Entity:   op.Entity,
				Kind:     kind,
				Message:  err.Error(),
				Attempts: op.Attempts,
			}}
		}
		op.Status = StatusCompleted
		op.UpdatedAt = time.Now()
		return itemOutcome{kind: outcomeSynced}
	}

	if it.patient != nil {
		it.patient.Provenance = ProvenanceConflicted
	}
	op.Status = StatusConflicted
	op.UpdatedAt = time.Now()
	e.registerConflict(conflict)
	e.logger.Warn().
		Str("entity_type", string(conflict.Entity.Type)).
		Stringer("entity_id", conflict.Entity.ID).
		Strs("fields", conflict.Fields).
		Msg("sync conflict recorded")
	return itemOutcome{kind: outcomeConflicted, conflict: conflict}
}

// registerConflict adds the record to the active set. A newer divergence on
// an entity with a pending unresolved conflict supersedes the pending record.
func (e *Engine) registerConflict(rec *ConflictRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.conflictOrder {
		existing := e.conflicts[id]
		if existing.Entity == rec.Entity && existing.State == ConflictUnresolved {
			e.removeConflictLocked(id)
			break
		}
	}
	e.conflicts[rec.ID] = rec
	e.conflictOrder = append(e.conflictOrder, rec.ID)
}

func (e *Engine) removeConflictLocked(id uuid.UUID) {
	delete(e.conflicts, id)
	for i, cid := range e.conflictOrder {
		if cid == id {
			e.conflictOrder = append(e.conflictOrder[:i], e.conflictOrder[i+1:]...)
			break
		}
	}
}

// push sends the item's payload to the registry and, on success, adopts the
// registry's version marker and transfers ownership.
func (e *Engine) push(ctx context.Context, it *syncItem) error {
	switch {
	case it.patient != nil:
		accepted, err := e.remote.SyncPatient(ctx, it.patient)
		if err != nil {
			return err
		}
		if accepted != nil {
			it.patient.Version = accepted.Version
		}
		it.patient.Provenance = ProvenanceRemoteSynced
		return nil
	case it.record != nil:
		accepted, err := e.remote.CreateMedicalRecord(ctx, it.record)
		if err != nil {
			return err
		}
		if accepted != nil {
			it.record.Version = accepted.Version
		}
		return nil
	}
	return fmt.Errorf("sync: item %s has no payload", it.op.ID)
}

// ResolveConflict applies an operator's choice to a pending conflict, pushes
// the winner to the registry, and removes the record from the active set.
// The conflicted count on the most recent result is decremented.
func (e *Engine) ResolveConflict(ctx context.Context, id uuid.UUID, resolution ConflictResolution) (*ResolvedEntity, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("sync: unknown resolution %q", resolution)
	}

	e.mu.Lock()
	rec, ok := e.conflicts[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if !rec.hasCopies(resolution) {
		return nil, fmt.Errorf("%w: conflict %s cannot apply %s", ErrConflictIncomplete, id, resolution)
	}

	resolved := &ResolvedEntity{Entity: rec.Entity}
	var state ConflictState
	switch rec.Entity.Type {
	case EntityPatient:
		switch resolution {
		case ResolveUseLocal:
			resolved.Patient = rec.LocalPatient.Clone()
			state = ConflictLocalWins
		case ResolveUseRemote:
			resolved.Patient = rec.RemotePatient.Clone()
			state = ConflictRemoteWins
		case ResolveMerge:
			merged, err := MergePatients(rec.LocalPatient, rec.RemotePatient)
			if err != nil {
				return nil, err
			}
			resolved.Patient = merged
			state = ConflictMerged
		}
		if _, err := e.remote.SyncPatient(ctx, resolved.Patient); err != nil {
			return nil, fmt.Errorf("push resolved patient: %w", err)
		}
		resolved.Patient.Provenance = ProvenanceRemoteSynced
	case EntityRecord:
		switch resolution {
		case ResolveUseLocal:
			resolved.Record = rec.LocalRecord.Clone()
			state = ConflictLocalWins
		case ResolveUseRemote:
			resolved.Record = rec.RemoteRecord.Clone()
			state = ConflictRemoteWins
		case ResolveMerge:
			merged, err := MergeRecords(rec.LocalRecord, rec.RemoteRecord)
			if err != nil {
				return nil, err
			}
			resolved.Record = merged
			state = ConflictMerged
		}
		if _, err := e.remote.CreateMedicalRecord(ctx, resolved.Record); err != nil {
			return nil, fmt.Errorf("push resolved record: %w", err)
		}
	default:
		return nil, fmt.Errorf("sync: conflict %s has unknown entity type %q", id, rec.Entity.Type)
	}

	if err := e.remote.ResolveConflict(ctx, id, resolution); err != nil {
		return nil, fmt.Errorf("acknowledge resolution: %w", err)
	}

	now := time.Now()
	e.mu.Lock()
	if _, ok := e.conflicts[id]; ok {
		e.removeConflictLocked(id)
		rec.State = state
		rec.ResolvedAt = &now
		if e.lastResult != nil && e.lastResult.Conflicted > 0 {
			adj := e.lastResult.Clone()
			adj.Conflicted--
			kept := adj.Conflicts[:0]
			for _, c := range adj.Conflicts {
				if c.ID != id {
					kept = append(kept, c)
				}
			}
			adj.Conflicts = kept
			e.lastResult = adj
		}
	}
	e.mu.Unlock()

	e.logger.Info().
		Stringer("conflict_id", id).
		Str("resolution", string(resolution)).
		Msg("conflict resolved")
	return resolved, nil
}

// RetryFailed attempts every queued operation once. Operations that exhaust
// their budget are dropped and surfaced as terminal errors on the most
// recent result.
func (e *Engine) RetryFailed(ctx context.Context) *RetryOutcome {
	out := e.queue.RetryAll(ctx, func(ctx context.Context, op *SyncOperation) error {
		e.mu.Lock()
		it := e.pending[op.ID]
		e.mu.Unlock()
		if it == nil {
			return fmt.Errorf("no pending payload for operation %s", op.ID)
		}
		if err := e.push(ctx, it); err != nil {
			return err
		}
		e.mu.Lock()
		delete(e.pending, op.ID)
		e.mu.Unlock()
		return nil
	})

	if len(out.Dropped) > 0 {
		e.mu.Lock()
		for _, op := range out.Dropped {
			delete(e.pending, op.ID)
		}
		if e.lastResult != nil {
			adj := e.lastResult.Clone()
			for _, op := range out.Dropped {
				adj.Errors = append(adj.Errors, SyncError{
					Entity:   op.Entity,
					Kind:     ErrorTerminal,
					Message:  op.LastError,
					Attempts: op.Attempts,
				})
			}
			e.lastResult = adj
		}
		e.mu.Unlock()
	}

	e.logger.Info().
		Int("attempted", out.Attempted).
		Int("succeeded", out.Succeeded).
		Int("requeued", out.Requeued).
		Int("dropped", len(out.Dropped)).
		Msg("retry pass complete")
	return out
}

// AutoRetry runs retry passes until the context is cancelled, separated by
// exponential backoff. The delay resets after any pass that leaves nothing
// re-queued.
func (e *Engine) AutoRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
		if e.queue.Len() == 0 {
			bo.Reset()
			continue
		}
		out := e.RetryFailed(ctx)
		if out.Requeued == 0 {
			bo.Reset()
		}
	}
}

// StartMonitoring activates the health monitor's polling loop.
func (e *Engine) StartMonitoring() { e.monitor.Start() }

// StopMonitoring stops the polling loop; idempotent.
func (e *Engine) StopMonitoring() { e.monitor.Stop() }

// Health returns a copy of the current health snapshot.
func (e *Engine) Health() HealthSnapshot { return e.monitor.Snapshot() }

// Monitor exposes the engine-owned monitor.
func (e *Engine) Monitor() *HealthMonitor { return e.monitor }

// LastResult returns a copy of the most recent pass result, or nil before the
// first pass.
func (e *Engine) LastResult() *SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult.Clone()
}

// Conflicts returns copies of the active conflict records in detection order.
func (e *Engine) Conflicts() []*ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ConflictRecord, 0, len(e.conflictOrder))
	for _, id := range e.conflictOrder {
		out = append(out, e.conflicts[id].Clone())
	}
	return out
}

// QueueLen returns the number of operations awaiting retry.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// QueueSnapshot returns copies of the queued operations in insertion order.
func (e *Engine) QueueSnapshot() []*SyncOperation { return e.queue.Snapshot() }

// Reset restores the engine to its initial empty state and stops monitoring.
func (e *Engine) Reset() {
	e.monitor.Stop()
	e.queue.Clear()
	e.mu.Lock()
	e.conflicts = make(map[uuid.UUID]*ConflictRecord)
	e.conflictOrder = nil
	e.pending = make(map[uuid.UUID]*syncItem)
	e.lastResult = nil
	e.lastErrorRate = 0
	e.authBlocked = false
	e.mu.Unlock()
	e.logger.Info().Msg("engine state reset")
}

func (e *Engine) errorRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErrorRate
}

func newOperation(entity EntityRef, kind OperationKind, maxAttempts int) *SyncOperation {
	now := time.Now()
	return &SyncOperation{
		ID:          uuid.New(),
		Entity:      entity,
		Kind:        kind,
		MaxAttempts: maxAttempts,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
