package sync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RetryFn attempts one queued operation. A nil error removes the operation
// from the queue; a non-nil error consumes one attempt.
type RetryFn func(ctx context.Context, op *SyncOperation) error

// RetryOutcome summarises one RetryAll pass. Recovered lists the entities of
// the operations that succeeded, so callers can mark them synced locally.
type RetryOutcome struct {
	Attempted int              `json:"attempted"`
	Succeeded int              `json:"succeeded"`
	Requeued  int              `json:"requeued"`
	Recovered []EntityRef      `json:"recovered,omitempty"`
	Dropped   []*SyncOperation `json:"dropped,omitempty"`
}

// RetryQueue holds failed operations awaiting another attempt, keyed by
// operation id and processed in insertion order. All mutations are atomic
// per item so concurrent readers (the monitor, the presentation layer) see
// a consistent queue while a sync pass mutates it.
type RetryQueue struct {
	mu    sync.Mutex
	ops   map[uuid.UUID]*SyncOperation
	order []uuid.UUID
}

// NewRetryQueue returns an empty queue.
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{ops: make(map[uuid.UUID]*SyncOperation)}
}

// Enqueue appends the operation unless it is already queued, already
// completed, or its attempt budget is exhausted. Rejections are silent no-ops.
func (q *RetryQueue) Enqueue(op *SyncOperation) {
	if op == nil || op.Status == StatusCompleted {
		return
	}
	if op.MaxAttempts > 0 && op.Attempts >= op.MaxAttempts {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ops[op.ID]; ok {
		return
	}
	q.ops[op.ID] = op
	q.order = append(q.order, op.ID)
}

// Remove deletes the operation with the given id, if present.
func (q *RetryQueue) Remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(id)
}

func (q *RetryQueue) remove(id uuid.UUID) {
	if _, ok := q.ops[id]; !ok {
		return
	}
	delete(q.ops, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of queued operations.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Snapshot returns copies of the queued operations in insertion order.
func (q *RetryQueue) Snapshot() []*SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*SyncOperation, 0, len(q.order))
	for _, id := range q.order {
		cp := *q.ops[id]
		out = append(out, &cp)
	}
	return out
}

// Clear empties the queue.
func (q *RetryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = make(map[uuid.UUID]*SyncOperation)
	q.order = nil
}

// RetryAll attempts every queued operation once, in insertion order.
// Successes become Completed and leave the queue; failures consume an attempt
// and are re-queued unless the maximum is now reached, in which case they are
// dropped with terminal Failed status and surfaced in the outcome.
func (q *RetryQueue) RetryAll(ctx context.Context, fn RetryFn) *RetryOutcome {
	q.mu.Lock()
	batch := make([]*SyncOperation, 0, len(q.order))
	for _, id := range q.order {
		batch = append(batch, q.ops[id])
	}
	q.ops = make(map[uuid.UUID]*SyncOperation)
	q.order = nil
	q.mu.Unlock()

	out := &RetryOutcome{}
	for _, op := range batch {
		// Retrying a completed operation is a no-op; it is never re-queued.
		if op.Status == StatusCompleted {
			continue
		}
		out.Attempted++

		op.Status = StatusInProgress
		op.UpdatedAt = time.Now()
		err := fn(ctx, op)
		if err == nil {
			op.Status = StatusCompleted
			op.LastError = ""
			op.UpdatedAt = time.Now()
			out.Succeeded++
			out.Recovered = append(out.Recovered, op.Entity)
			continue
		}

		op.Attempts++
		op.LastError = err.Error()
		op.Status = StatusFailed
		op.UpdatedAt = time.Now()
		if op.MaxAttempts > 0 && op.Attempts >= op.MaxAttempts {
			out.Dropped = append(out.Dropped, op)
			continue
		}

		q.mu.Lock()
		q.ops[op.ID] = op
		q.order = append(q.order, op.ID)
		q.mu.Unlock()
		out.Requeued++
	}
	return out
}
