// Package syncer keeps the local store and the server in step: it replays
// queued mutations, pulls server changes since the last sync and reconciles
// them with local edits according to a per-collection strategy.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/conflict"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/localstore"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/queue"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

// DefaultInterval is how often Run re-syncs while online.
const DefaultInterval = 5 * time.Minute

const maxConcurrentPulls = 3

var (
	// ErrQueued is wrapped by mutation errors when the mutation could not be
	// delivered now and was queued for replay instead.
	ErrQueued = errors.New("queued for later delivery")

	// ErrSuperseded is returned by Pull when a newer pull of the same
	// collection started before this one finished.
	ErrSuperseded = errors.New("pull superseded by a newer pull")
)

// Remote is the server side of synchronisation. Implemented by
// apiclient.Client.
type Remote interface {
	Fetch(ctx context.Context, col storage.Collection, since time.Time) ([]storage.Record, error)
	SubmitReport(ctx context.Context, fields map[string]any, idemKey string) (storage.Record, error)
	UpdateResource(ctx context.Context, id string, fields map[string]any, idemKey string) (storage.Record, error)
	PatchResource(ctx context.Context, id string, fields map[string]any, idemKey string) (storage.Record, error)
	UpdateAlert(ctx context.Context, id string, fields map[string]any, idemKey string) (storage.Record, error)
	DeleteReport(ctx context.Context, id string, idemKey string) error
}

// Phase is where a collection stands in its pull cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePulling     Phase = "pulling"
	PhaseReconciling Phase = "reconciling"
)

type Deps struct {
	Store  *localstore.Store
	Queue  *queue.Queue
	Remote Remote
	Online func() bool

	// Strategies maps a collection to its conflict strategy. Missing
	// collections use ServerWins.
	Strategies map[storage.Collection]conflict.Strategy
	Interval   time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// collectionState guards one collection. mu serialises pulls, replayed
// actions and online mutations touching the collection.
type collectionState struct {
	mu  sync.Mutex
	gen atomic.Uint64

	statusMu  sync.Mutex
	phase     Phase
	lastError string
}

type Engine struct {
	store      *localstore.Store
	queue      *queue.Queue
	remote     Remote
	online     func() bool
	strategies map[storage.Collection]conflict.Strategy
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	cols     map[storage.Collection]*collectionState
	draining atomic.Bool

	initOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New wires an engine. An invalid strategy fails with a configuration error.
func New(deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Remote == nil {
		return nil, errors.New("syncer: store, queue and remote are required")
	}
	e := &Engine{
		store:      deps.Store,
		queue:      deps.Queue,
		remote:     deps.Remote,
		online:     deps.Online,
		strategies: make(map[storage.Collection]conflict.Strategy, len(storage.Collections)),
		interval:   deps.Interval,
		now:        deps.Now,
		logger:     deps.Logger,
		cols:       make(map[storage.Collection]*collectionState, len(storage.Collections)),
	}
	if e.online == nil {
		e.online = func() bool { return true }
	}
	if e.interval <= 0 {
		e.interval = DefaultInterval
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	for _, c := range storage.Collections {
		s, ok := deps.Strategies[c]
		if !ok {
			s = conflict.ServerWins
		}
		if !s.Valid() {
			return nil, apperr.New(apperr.KindConfiguration, "syncer.New", fmt.Sprintf("invalid strategy %v for %s", s, c))
		}
		e.strategies[c] = s
		e.cols[c] = &collectionState{phase: PhaseIdle}
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Init returns whatever is cached locally and, when online, starts a
// background drain and pull. A failed initial sync leaves the cache in
// place and is only logged.
func (e *Engine) Init(ctx context.Context) map[storage.Collection][]storage.Record {
	cached := make(map[storage.Collection][]storage.Record, len(storage.Collections))
	for _, c := range storage.Collections {
		cached[c] = e.store.GetAll(c, localstore.Query{})
	}

	e.initOnce.Do(func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if !e.online() {
				e.logger.Info("offline at start, serving cached records")
				return
			}
			ctx, cancel := e.bind(ctx)
			defer cancel()
			if _, err := e.Sync(ctx); err != nil {
				e.logger.Warn("initial sync failed, keeping cached records", "error", err)
			}
		}()
	})
	return cached
}

// Run re-syncs every interval while online until ctx is done or the engine
// shuts down.
func (e *Engine) Run(ctx context.Context) error {
	e.wg.Add(1)
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			if !e.online() {
				continue
			}
			syncCtx, cancel := e.bind(ctx)
			if _, err := e.Sync(syncCtx); err != nil {
				e.logger.Warn("periodic sync failed", "error", err)
			}
			cancel()
		}
	}
}

// Shutdown cancels background work and waits for it to finish. Safe to
// call more than once.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// bind derives a context that is also cancelled by Shutdown.
func (e *Engine) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// SyncReport summarises one Sync.
type SyncReport struct {
	Drain  queue.Result
	Pulled map[storage.Collection]int
}

// Sync replays the queue and then pulls every collection. Replaying first
// keeps a just-delivered mutation from being overwritten by a pull that
// started before it landed.
func (e *Engine) Sync(ctx context.Context) (SyncReport, error) {
	if !e.online() {
		return SyncReport{}, apperr.New(apperr.KindNetwork, "syncer.Sync", "offline")
	}
	rep := SyncReport{Drain: e.Drain(ctx)}
	pulled, err := e.PullAll(ctx)
	rep.Pulled = pulled
	return rep, err
}

// Reconnect is the connectivity handler for the offline to online
// transition.
func (e *Engine) Reconnect(ctx context.Context) {
	e.logger.Info("connectivity restored, syncing", "queued", e.queue.Len())
	ctx, cancel := e.bind(ctx)
	defer cancel()
	if _, err := e.Sync(ctx); err != nil {
		e.logger.Warn("sync after reconnect failed", "error", err)
	}
}

// Drain replays queued actions when online and flags the targets of
// dropped actions as failed. Offline it does nothing.
func (e *Engine) Drain(ctx context.Context) queue.Result {
	if !e.online() || e.queue.Len() == 0 {
		return queue.Result{}
	}
	e.draining.Store(true)
	defer e.draining.Store(false)

	res := e.queue.Drain(ctx, e.execute)
	for _, a := range res.Dropped {
		err := e.store.SetState(a.Kind.Collection(), a.TargetID(), storage.StateFailed, a.LastError)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("flagging dropped action target", "id", a.TargetID(), "error", err)
		}
	}
	if res.Attempted() > 0 {
		e.logger.Info("queue drained",
			"succeeded", len(res.Succeeded),
			"retried", len(res.Retried),
			"dropped", len(res.Dropped),
		)
	}
	return res
}

// Online reports the connectivity the engine currently acts on.
func (e *Engine) Online() bool {
	return e.online()
}

// Records returns the cached records of col, ordered by q.
func (e *Engine) Records(col storage.Collection, q localstore.Query) []storage.Record {
	return e.store.GetAll(col, q)
}

// Pending returns the queued actions, oldest first.
func (e *Engine) Pending() []storage.Action {
	return e.queue.Pending()
}

// Dropped returns the most recently dropped actions.
func (e *Engine) Dropped(limit int) ([]storage.Action, error) {
	return e.queue.Dropped(limit)
}

type CollectionStatus struct {
	Collection storage.Collection `json:"collection"`
	Phase      Phase              `json:"phase"`
	Strategy   string             `json:"strategy"`
	Records    int                `json:"records"`
	LastSync   *time.Time         `json:"lastSync,omitempty"`
	LastError  string             `json:"lastError,omitempty"`
}

type Status struct {
	Online      bool               `json:"online"`
	Draining    bool               `json:"draining"`
	QueueLength int                `json:"queueLength"`
	Degraded    bool               `json:"degraded"`
	Collections []CollectionStatus `json:"collections"`
}

func (e *Engine) Status() Status {
	st := Status{
		Online:      e.online(),
		Draining:    e.draining.Load(),
		QueueLength: e.queue.Len(),
		Degraded:    e.store.Degraded() || e.queue.Degraded(),
	}
	for _, c := range storage.Collections {
		cs := e.cols[c]
		cs.statusMu.Lock()
		s := CollectionStatus{
			Collection: c,
			Phase:      cs.phase,
			Strategy:   e.strategies[c].String(),
			Records:    e.store.Len(c),
			LastError:  cs.lastError,
		}
		cs.statusMu.Unlock()
		if t, ok := e.store.LastSync(c); ok {
			s.LastSync = &t
		}
		st.Collections = append(st.Collections, s)
	}
	return st
}

// setPhase records a phase change. Returning to idle also records the
// outcome of the cycle.
func (cs *collectionState) setPhase(p Phase, lastError string) {
	cs.statusMu.Lock()
	defer cs.statusMu.Unlock()
	cs.phase = p
	if p == PhaseIdle {
		cs.lastError = lastError
	}
}
