// Package queue holds mutations made while the server was unreachable and
// replays them, oldest first, once it is reachable again.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

// DefaultMaxRetries is the number of failed replays tolerated before an
// action is dropped; an action is attempted at most DefaultMaxRetries+1 times.
const DefaultMaxRetries = 3

// ErrCancelled is returned by an executor for an action that was cancelled
// after the drain picked it up. Drain skips it without charging a retry.
var ErrCancelled = errors.New("queued action cancelled")

// Backend persists the queue. Implemented by storage.Store.
type Backend interface {
	ListActions() ([]storage.Action, error)
	InsertAction(a storage.Action) (int64, error)
	UpdateAction(a storage.Action) error
	DeleteAction(id int64) error
	DropAction(a storage.Action, at time.Time) error
	ListDroppedActions(limit int) ([]storage.Action, error)
}

// Executor performs the server call for a single action.
type Executor func(ctx context.Context, a storage.Action) error

// Result lists what one drain cycle did with each action it attempted.
type Result struct {
	Succeeded []storage.Action
	Retried   []storage.Action
	Dropped   []storage.Action
}

// Attempted is the number of executor calls made during the cycle.
func (r Result) Attempted() int {
	return len(r.Succeeded) + len(r.Retried) + len(r.Dropped)
}

type Queue struct {
	backend    Backend
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger

	drainMu sync.Mutex

	mu       sync.Mutex
	actions  []storage.Action
	dropped  []storage.Action
	nextID   int64
	degraded bool
}

type Option func(*Queue)

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

func WithNow(fn func() time.Time) Option { return func(q *Queue) { q.now = fn } }

func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// Open loads queued actions from backend. A nil or failing backend leaves
// the queue in memory for the session.
func Open(backend Backend, opts ...Option) *Queue {
	q := &Queue{
		backend:    backend,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		logger:     slog.Default(),
		nextID:     1,
	}
	for _, o := range opts {
		o(q)
	}
	if backend == nil {
		q.degraded = true
		return q
	}

	actions, err := backend.ListActions()
	if err != nil {
		q.fail("load", err)
		return q
	}
	q.actions = actions
	for _, a := range actions {
		if a.ID >= q.nextID {
			q.nextID = a.ID + 1
		}
	}
	return q
}

// fail switches the queue to memory only. Callers hold mu.
func (q *Queue) fail(op string, err error) error {
	if q.degraded {
		return nil
	}
	q.degraded = true
	q.logger.Warn("action queue storage unavailable, continuing in memory", "op", op, "error", err)
	return apperr.Wrap(apperr.KindStorage, "queue."+op, err)
}

// Degraded reports whether the queue has fallen back to memory only.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// Enqueue appends a pending action with a fresh idempotency key. The action
// is always queued; a non-nil error only reports that it is not durable.
func (q *Queue) Enqueue(kind storage.ActionKind, data map[string]any) (storage.Action, error) {
	return q.EnqueueKeyed(kind, data, uuid.NewString())
}

// EnqueueKeyed is Enqueue with a caller-chosen idempotency key, for requests
// that were already attempted once under that key.
func (q *Queue) EnqueueKeyed(kind storage.ActionKind, data map[string]any, key string) (storage.Action, error) {
	if key == "" {
		key = uuid.NewString()
	}
	a := storage.Action{
		Kind:           kind,
		Data:           cloneData(data),
		IdempotencyKey: key,
		CreatedAt:      q.now().UTC(),
		Status:         storage.ActionPending,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var err error
	if !q.degraded {
		id, ierr := q.backend.InsertAction(a)
		if ierr == nil {
			a.ID = id
		} else {
			err = q.fail("enqueue", ierr)
		}
	}
	if a.ID == 0 {
		a.ID = q.nextID
	}
	if a.ID >= q.nextID {
		q.nextID = a.ID + 1
	}
	q.actions = append(q.actions, a)
	q.logger.Debug("action queued", "id", a.ID, "action", a.Kind)
	return cloneAction(a), err
}

// Drain replays queued actions in insertion order. Success removes an
// action; failure bumps its retry count until the ceiling, after which the
// action is moved to the dropped log. One failing action never blocks the
// ones behind it. Actions enqueued during a drain wait for the next cycle.
// Cancelling ctx stops the cycle without charging a retry.
func (q *Queue) Drain(ctx context.Context, exec Executor) Result {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res Result
	for _, a := range q.Pending() {
		if ctx.Err() != nil {
			break
		}
		if !q.contains(a.ID) {
			continue
		}

		err := exec(ctx, a)
		if errors.Is(err, ErrCancelled) {
			q.remove(a.ID)
			continue
		}
		if err == nil {
			q.remove(a.ID)
			res.Succeeded = append(res.Succeeded, a)
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			break
		}

		if a.RetryCount >= q.maxRetries {
			a.LastError = err.Error()
			a.Status = storage.ActionFailed
			a.DroppedAt = q.now().UTC()
			q.drop(a)
			q.logger.Warn("action dropped after retries", "id", a.ID, "action", a.Kind, "attempts", a.RetryCount+1, "error", err)
			res.Dropped = append(res.Dropped, a)
			continue
		}

		a.RetryCount++
		a.Status = storage.ActionFailed
		a.LastError = err.Error()
		q.update(a)
		q.logger.Debug("action failed, will retry", "id", a.ID, "action", a.Kind, "retry_count", a.RetryCount, "error", err)
		res.Retried = append(res.Retried, a)
	}
	return res
}

// Pending returns a snapshot of queued actions in insertion order.
func (q *Queue) Pending() []storage.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]storage.Action, len(q.actions))
	for i, a := range q.actions {
		out[i] = cloneAction(a)
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Dropped returns the dropped-action log, most recent first.
func (q *Queue) Dropped(limit int) ([]storage.Action, error) {
	q.mu.Lock()
	degraded := q.degraded
	mem := make([]storage.Action, 0, len(q.dropped))
	for i := len(q.dropped) - 1; i >= 0; i-- {
		mem = append(mem, cloneAction(q.dropped[i]))
	}
	q.mu.Unlock()

	if degraded {
		if limit > 0 && len(mem) > limit {
			mem = mem[:limit]
		}
		return mem, nil
	}
	return q.backend.ListDroppedActions(limit)
}

// Cancel removes every queued action matching pred and returns how many
// were removed. Cancelled actions are not logged as dropped.
func (q *Queue) Cancel(pred func(storage.Action) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var err error
	kept := q.actions[:0]
	n := 0
	for _, a := range q.actions {
		if !pred(cloneAction(a)) {
			kept = append(kept, a)
			continue
		}
		n++
		if !q.degraded {
			if derr := q.backend.DeleteAction(a.ID); derr != nil && !errors.Is(derr, storage.ErrNotFound) && err == nil {
				err = q.fail("cancel", derr)
			}
		}
	}
	q.actions = kept
	return n, err
}

// Has reports whether the action with id is still queued.
func (q *Queue) Has(id int64) bool {
	return q.contains(id)
}

func (q *Queue) contains(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index(id) >= 0
}

func (q *Queue) index(id int64) int {
	for i, a := range q.actions {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) remove(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.index(id)
	if i < 0 {
		return
	}
	q.actions = append(q.actions[:i], q.actions[i+1:]...)
	if !q.degraded {
		if err := q.backend.DeleteAction(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			q.fail("delete", err)
		}
	}
}

func (q *Queue) update(a storage.Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.index(a.ID)
	if i < 0 {
		return
	}
	q.actions[i] = a
	if !q.degraded {
		if err := q.backend.UpdateAction(a); err != nil {
			q.fail("update", err)
		}
	}
}

func (q *Queue) drop(a storage.Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.index(a.ID); i >= 0 {
		q.actions = append(q.actions[:i], q.actions[i+1:]...)
	}
	q.dropped = append(q.dropped, a)
	if !q.degraded {
		if err := q.backend.DropAction(a, a.DroppedAt); err != nil {
			q.fail("drop", err)
		}
	}
}

func cloneAction(a storage.Action) storage.Action {
	a.Data = cloneData(a.Data)
	return a
}

func cloneData(m map[string]any) map[string]any {
	r := storage.Record{Fields: m}
	return r.Clone().Fields
}
