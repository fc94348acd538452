package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/localstore"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/queue"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

// LocalIDPrefix marks ids of reports that have not reached the server yet.
const LocalIDPrefix = "local-"

// SubmitReport creates a report. Online it is sent right away and the
// confirmed record returned. Offline, or on a transient failure, it is
// stored under a temporary local id and queued; the transient case also
// returns an error wrapping ErrQueued.
func (e *Engine) SubmitReport(ctx context.Context, fields map[string]any) (storage.Record, error) {
	localID := LocalIDPrefix + uuid.NewString()
	a := storage.Action{
		Kind:           storage.SubmitReport,
		Data:           map[string]any{"localId": localID, "fields": fields},
		IdempotencyKey: uuid.NewString(),
	}
	return e.mutate(ctx, a, func() (storage.Record, error) {
		stamp := e.now().UTC().Format(time.RFC3339Nano)
		r := storage.Record{ID: localID, Fields: fields, Meta: storage.Metadata{LocalID: localID}}.Clone()
		if r.Fields == nil {
			r.Fields = map[string]any{}
		}
		r.Fields["status"] = "pending"
		r.Fields["createdAt"] = stamp
		r.Fields["timestamp"] = stamp
		return e.store.PutPending(storage.Reports, r)
	})
}

// UpdateResource replaces fields of a resource (PUT).
func (e *Engine) UpdateResource(ctx context.Context, id string, fields map[string]any) (storage.Record, error) {
	return e.update(ctx, storage.UpdateResource, id, fields, false)
}

// PatchResource partially updates a resource (PATCH).
func (e *Engine) PatchResource(ctx context.Context, id string, fields map[string]any) (storage.Record, error) {
	return e.update(ctx, storage.UpdateResource, id, fields, true)
}

func (e *Engine) UpdateAlert(ctx context.Context, id string, fields map[string]any) (storage.Record, error) {
	return e.update(ctx, storage.UpdateAlert, id, fields, true)
}

func (e *Engine) update(ctx context.Context, kind storage.ActionKind, id string, fields map[string]any, patch bool) (storage.Record, error) {
	if id == "" {
		return storage.Record{}, apperr.New(apperr.KindValidation, "syncer."+string(kind), "id is required")
	}
	col := kind.Collection()
	data := map[string]any{"id": id, "fields": fields}
	if patch && kind == storage.UpdateResource {
		data["patch"] = true
	}
	a := storage.Action{Kind: kind, Data: data, IdempotencyKey: uuid.NewString()}
	return e.mutate(ctx, a, func() (storage.Record, error) {
		r, ok := e.store.Get(col, id)
		if !ok {
			r = storage.Record{ID: id, Fields: map[string]any{}}
		}
		for k, v := range fields {
			r.Fields[k] = v
		}
		return e.store.PutPending(col, r)
	})
}

// DeleteReport deletes a report. A report that never reached the server is
// removed locally together with its queued submission.
func (e *Engine) DeleteReport(ctx context.Context, id string) error {
	if id == "" {
		return apperr.New(apperr.KindValidation, "syncer.deleteReport", "id is required")
	}
	cs := e.cols[storage.Reports]

	cs.mu.Lock()
	id = e.resolveID(storage.Reports, id)
	if strings.HasPrefix(id, LocalIDPrefix) {
		defer cs.mu.Unlock()
		n, err := e.queue.Cancel(func(a storage.Action) bool {
			return a.Kind.Collection() == storage.Reports && a.TargetID() == id
		})
		if err != nil {
			e.logger.Warn("cancelling queued actions", "id", id, "error", err)
		}
		if err := e.store.Delete(storage.Reports, id); err != nil {
			e.logger.Warn("deleting local report", "id", id, "error", err)
		}
		e.logger.Debug("local report discarded", "id", id, "cancelled", n)
		return nil
	}
	cs.mu.Unlock()

	a := storage.Action{
		Kind:           storage.DeleteReport,
		Data:           map[string]any{"id": id},
		IdempotencyKey: uuid.NewString(),
	}
	_, err := e.mutate(ctx, a, func() (storage.Record, error) {
		return storage.Record{}, e.store.Delete(storage.Reports, id)
	})
	return err
}

// resolveID follows a temporary id to the server id it was confirmed
// under, if any.
func (e *Engine) resolveID(col storage.Collection, id string) string {
	if _, ok := e.store.Get(col, id); ok || !strings.HasPrefix(id, LocalIDPrefix) {
		return id
	}
	matches := e.store.GetAll(col, localstore.Query{Filter: func(r storage.Record) bool {
		return r.Meta.LocalID == id
	}})
	if len(matches) > 0 {
		return matches[0].ID
	}
	return id
}

// mutate forwards a when online and the queue is empty, otherwise queues it
// and applies it locally. Queued actions keep a's idempotency key so a
// request that timed out is replayed under the same key.
func (e *Engine) mutate(ctx context.Context, a storage.Action, apply func() (storage.Record, error)) (storage.Record, error) {
	col := a.Kind.Collection()
	cs := e.cols[col]

	var cause error
	if e.online() {
		e.Drain(ctx)
		if n := e.queue.Len(); n > 0 {
			cause = fmt.Errorf("%d earlier actions still pending", n)
		} else {
			cs.mu.Lock()
			rec, err := e.run(ctx, a)
			cs.mu.Unlock()
			if err == nil {
				return rec, nil
			}
			if !apperr.KindOf(err).Transient() {
				return storage.Record{}, err
			}
			cause = err
		}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, err := e.queue.EnqueueKeyed(a.Kind, a.Data, a.IdempotencyKey); err != nil {
		e.logger.Warn("queued action is not durable", "action", a.Kind, "error", err)
	}
	rec, err := apply()
	if err != nil {
		e.logger.Warn("applying queued action locally", "action", a.Kind, "error", err)
	}
	if cause != nil {
		return rec, fmt.Errorf("%w: %w", ErrQueued, cause)
	}
	return rec, nil
}

// execute is the queue executor. An action cancelled while it waited for
// the collection lock is not sent.
func (e *Engine) execute(ctx context.Context, a storage.Action) error {
	cs := e.cols[a.Kind.Collection()]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !e.queue.Has(a.ID) {
		return queue.ErrCancelled
	}
	_, err := e.run(ctx, a)
	return err
}

// run performs a's server call and records the outcome locally. Caller
// holds the collection lock.
func (e *Engine) run(ctx context.Context, a storage.Action) (storage.Record, error) {
	col := a.Kind.Collection()
	fields, _ := a.Data["fields"].(map[string]any)
	id, _ := a.Data["id"].(string)

	var (
		rec storage.Record
		err error
	)
	switch a.Kind {
	case storage.SubmitReport:
		rec, err = e.remote.SubmitReport(ctx, fields, a.IdempotencyKey)
	case storage.UpdateResource:
		if patch, _ := a.Data["patch"].(bool); patch {
			rec, err = e.remote.PatchResource(ctx, id, fields, a.IdempotencyKey)
		} else {
			rec, err = e.remote.UpdateResource(ctx, id, fields, a.IdempotencyKey)
		}
	case storage.UpdateAlert:
		rec, err = e.remote.UpdateAlert(ctx, id, fields, a.IdempotencyKey)
	case storage.DeleteReport:
		err = e.remote.DeleteReport(ctx, id, a.IdempotencyKey)
		if apperr.Is(err, apperr.KindNotFound) {
			err = nil
		}
		if err != nil {
			return storage.Record{}, err
		}
		if derr := e.store.Delete(col, id); derr != nil {
			e.logger.Warn("deleting report locally", "id", id, "error", derr)
		}
		return storage.Record{}, nil
	default:
		return storage.Record{}, fmt.Errorf("unknown action %q", a.Kind)
	}
	if err != nil {
		return storage.Record{}, err
	}
	return e.confirm(a, rec), nil
}

// confirm stores the server's answer to a. When later queued actions target
// the same record the optimistic local copy is left alone; the last of them
// confirms it.
func (e *Engine) confirm(a storage.Action, rec storage.Record) storage.Record {
	col := a.Kind.Collection()
	target := a.TargetID()
	for _, p := range e.queue.Pending() {
		if p.ID != a.ID && p.ID > a.ID && p.Kind.Collection() == col && p.TargetID() == target {
			return rec
		}
	}

	rec.Meta = storage.Metadata{}
	if a.Kind == storage.SubmitReport && a.ID != 0 {
		rec.Meta.LocalID = target
	}
	stored, err := e.store.Replace(col, target, rec, e.now())
	if err != nil {
		e.logger.Warn("storing confirmed record", "collection", col, "id", rec.ID, "error", err)
		return rec
	}
	return stored
}

// IsQueued reports whether err only means the mutation was deferred.
func IsQueued(err error) bool {
	return errors.Is(err, ErrQueued)
}
