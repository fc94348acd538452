package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/conflict"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

// Pull fetches records of col changed since the last successful pull (all
// of them the first time), reconciles them into the local store and moves
// the watermark to the time the fetch started. It returns the number of
// records fetched.
func (e *Engine) Pull(ctx context.Context, col storage.Collection) (int, error) {
	cs, ok := e.cols[col]
	if !ok {
		return 0, fmt.Errorf("unknown collection %q", col)
	}
	gen := cs.gen.Add(1)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.gen.Load() != gen {
		return 0, ErrSuperseded
	}

	since, _ := e.store.LastSync(col)
	started := e.now().UTC()
	cs.setPhase(PhasePulling, "")

	recs, err := e.remote.Fetch(ctx, col, since)
	if err != nil {
		cs.setPhase(PhaseIdle, err.Error())
		return 0, fmt.Errorf("pulling %s: %w", col, err)
	}
	if cs.gen.Load() != gen {
		cs.setPhase(PhaseIdle, "")
		e.logger.Debug("discarding superseded pull", "collection", col)
		return 0, ErrSuperseded
	}

	cs.setPhase(PhaseReconciling, "")
	if err := e.reconcile(col, recs, started); err != nil {
		cs.setPhase(PhaseIdle, err.Error())
		return 0, err
	}
	if err := e.store.SetLastSync(col, started); err != nil {
		e.logger.Warn("saving sync watermark", "collection", col, "error", err)
	}
	cs.setPhase(PhaseIdle, "")
	e.logger.Debug("pulled", "collection", col, "records", len(recs), "since", since)
	return len(recs), nil
}

// PullAll pulls every collection concurrently. One collection failing does
// not stop the others; cached records stay in place for the failed ones.
func (e *Engine) PullAll(ctx context.Context) (map[storage.Collection]int, error) {
	var (
		mu     sync.Mutex
		counts = make(map[storage.Collection]int, len(storage.Collections))
		errs   []error
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrentPulls)
	for _, col := range storage.Collections {
		g.Go(func() error {
			n, err := e.Pull(ctx, col)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSuperseded):
			case err != nil:
				e.logger.Warn("pull failed, keeping cached records", "collection", col, "error", err)
				errs = append(errs, err)
			default:
				counts[col] = n
			}
			return nil
		})
	}
	g.Wait()
	return counts, errors.Join(errs...)
}

// reconcile stores server records. Records with no local edits in flight
// are replaced outright; pending or failed local copies go through the
// collection's strategy. A record whose action is still queued stays
// pending whatever the strategy, and a record queued for deletion is not
// brought back. Caller holds the collection lock.
func (e *Engine) reconcile(col storage.Collection, recs []storage.Record, syncedAt time.Time) error {
	strategy := e.strategies[col]
	queued, deleting := e.queuedTargets(col)
	for _, srv := range recs {
		if srv.ID == "" || deleting[srv.ID] {
			continue
		}
		srv.Meta = storage.Metadata{}

		local, ok := e.store.Get(col, srv.ID)
		inFlight := queued[srv.ID]
		if !inFlight && (!ok || local.Meta.State == storage.StateConfirmed || local.Meta.State == "") {
			e.put(col, srv, true, syncedAt)
			continue
		}
		if !ok {
			continue
		}

		resolved, err := conflict.Resolve(local, srv, strategy, e.now())
		if err != nil {
			return err
		}
		switch strategy {
		case conflict.ServerWins:
			if inFlight {
				resolved.Meta.LocalID = local.Meta.LocalID
				e.put(col, resolved, false, syncedAt)
			} else {
				e.put(col, resolved, true, syncedAt)
			}
		case conflict.LocalWins:
			// local copy stays as is until its queued action lands
		case conflict.Merge:
			e.put(col, resolved, false, syncedAt)
		}
	}
	return nil
}

// queuedTargets returns the ids in col that queued actions still target,
// and among them those waiting to be deleted.
func (e *Engine) queuedTargets(col storage.Collection) (queued, deleting map[string]bool) {
	queued = make(map[string]bool)
	deleting = make(map[string]bool)
	for _, a := range e.queue.Pending() {
		if a.Kind.Collection() != col {
			continue
		}
		id := a.TargetID()
		queued[id] = true
		if a.Kind == storage.DeleteReport {
			deleting[id] = true
		}
	}
	return queued, deleting
}

// put writes to the local store. Storage failures are logged by the store
// and never abort a sync.
func (e *Engine) put(col storage.Collection, r storage.Record, confirmed bool, syncedAt time.Time) {
	var err error
	if confirmed {
		_, err = e.store.PutConfirmed(col, r, syncedAt)
	} else {
		_, err = e.store.PutPending(col, r)
	}
	if err != nil {
		e.logger.Warn("writing pulled record", "collection", col, "id", r.ID, "error", err)
	}
}
