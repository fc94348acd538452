// Package localstore keeps the client's copy of alerts, reports and resources.
//
// Reads are served from an in-memory mirror; writes go to the mirror and
// through to a durable Backend. When the backend fails the store logs a
// warning, reports a StorageError once, and continues in memory for the rest
// of the session.
package localstore

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

// Backend is the durable side of the store. Implemented by storage.Store.
type Backend interface {
	ListRecords(c storage.Collection) ([]storage.Record, error)
	PutRecord(c storage.Collection, r storage.Record, updatedAt time.Time) error
	DeleteRecord(c storage.Collection, id string) error
	ClearRecords(c storage.Collection) error
	GetLastSync(c storage.Collection) (time.Time, error)
	SetLastSync(c storage.Collection, t time.Time) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Query narrows and orders a GetAll snapshot. Both fields are optional.
type Query struct {
	Filter func(storage.Record) bool
	Less   func(a, b storage.Record) bool
}

type Store struct {
	backend Backend
	online  func() bool
	clock   Clock
	logger  *slog.Logger

	mu       sync.RWMutex
	records  map[storage.Collection]map[string]storage.Record
	lastSync map[storage.Collection]time.Time
	degraded bool
}

type Option func(*Store)

// WithOnline sets the connectivity probe consulted by Put.
func WithOnline(fn func() bool) Option { return func(s *Store) { s.online = fn } }

func WithClock(c Clock) Option { return func(s *Store) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// Open loads every collection from backend. A nil backend, or one that fails
// while loading, leaves the store running in memory.
func Open(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		online:   func() bool { return false },
		clock:    realClock{},
		logger:   slog.Default(),
		records:  make(map[storage.Collection]map[string]storage.Record),
		lastSync: make(map[storage.Collection]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	for _, c := range storage.Collections {
		s.records[c] = make(map[string]storage.Record)
	}

	if backend == nil {
		s.degraded = true
		return s
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range storage.Collections {
		recs, err := backend.ListRecords(c)
		if err != nil {
			s.fail("load "+string(c), err)
			return s
		}
		for _, r := range recs {
			s.records[c][r.ID] = r
		}
		t, err := backend.GetLastSync(c)
		switch {
		case err == nil:
			s.lastSync[c] = t
		case !errors.Is(err, storage.ErrNotFound):
			s.fail("load sync metadata", err)
			return s
		}
	}
	return s
}

// fail switches the store to memory-only. It returns a StorageError the first
// time and nil afterwards. Callers hold mu.
func (s *Store) fail(op string, err error) error {
	if s.degraded {
		return nil
	}
	s.degraded = true
	s.logger.Warn("local storage unavailable, continuing in memory", "op", op, "error", err)
	return apperr.Wrap(apperr.KindStorage, "localstore."+op, err)
}

// Degraded reports whether the store has fallen back to memory only.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Put upserts r by id, stamping lastModified and isLocalOnly from the current
// connectivity. Records without a state are confirmed when online and pending
// otherwise.
func (s *Store) Put(c storage.Collection, r storage.Record) (storage.Record, error) {
	online := s.online()
	state := r.Meta.State
	if state == "" {
		state = storage.StatePending
		if online {
			state = storage.StateConfirmed
		}
	}
	return s.put(c, r, !online, state, r.Meta.SyncedAt)
}

// PutPending stores an optimistic local mutation that still awaits the server.
func (s *Store) PutPending(c storage.Collection, r storage.Record) (storage.Record, error) {
	return s.put(c, r, true, storage.StatePending, r.Meta.SyncedAt)
}

// PutConfirmed stores a record acknowledged by the server at syncedAt.
func (s *Store) PutConfirmed(c storage.Collection, r storage.Record, syncedAt time.Time) (storage.Record, error) {
	at := syncedAt.UTC()
	r.Meta.LastError = ""
	return s.put(c, r, false, storage.StateConfirmed, &at)
}

func (s *Store) put(c storage.Collection, r storage.Record, localOnly bool, state storage.SyncState, syncedAt *time.Time) (storage.Record, error) {
	now := s.clock.Now().UTC()
	r = r.Clone()
	r.Meta.LastModified = now
	r.Meta.IsLocalOnly = localOnly
	r.Meta.State = state
	r.Meta.SyncedAt = syncedAt
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection(c)[r.ID] = r
	var err error
	if !s.degraded {
		if werr := s.backend.PutRecord(c, r, now); werr != nil {
			err = s.fail("put", werr)
		}
	}
	return r.Clone(), err
}

// SetState flags a stored record without touching its content or timestamps.
func (s *Store) SetState(c storage.Collection, id string, state storage.SyncState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.collection(c)[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.Meta.State = state
	r.Meta.LastError = lastError
	s.collection(c)[id] = r
	if !s.degraded {
		if err := s.backend.PutRecord(c, r, r.Meta.LastModified); err != nil {
			return s.fail("set state", err)
		}
	}
	return nil
}

// Get returns a copy of the record stored under id.
func (s *Store) Get(c storage.Collection, id string) (storage.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[c][id]
	if !ok {
		return storage.Record{}, false
	}
	return r.Clone(), true
}

// GetAll returns a snapshot of c, filtered and ordered by q. Without a
// comparator records are ordered by id.
func (s *Store) GetAll(c storage.Collection, q Query) []storage.Record {
	s.mu.RLock()
	out := make([]storage.Record, 0, len(s.records[c]))
	for _, r := range s.records[c] {
		if q.Filter != nil && !q.Filter(r) {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	less := q.Less
	if less == nil {
		less = func(a, b storage.Record) bool { return a.ID < b.ID }
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Len returns the number of records in c.
func (s *Store) Len(c storage.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[c])
}

// Delete removes id from c. Deleting a missing record is not an error.
func (s *Store) Delete(c storage.Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collection(c)[id]; !ok {
		return nil
	}
	delete(s.collection(c), id)
	if !s.degraded {
		if err := s.backend.DeleteRecord(c, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return s.fail("delete", err)
		}
	}
	return nil
}

// Replace swaps the record stored under oldID for a server-confirmed one.
func (s *Store) Replace(c storage.Collection, oldID string, r storage.Record, syncedAt time.Time) (storage.Record, error) {
	if oldID != "" && oldID != r.ID {
		if err := s.Delete(c, oldID); err != nil {
			return storage.Record{}, err
		}
	}
	return s.PutConfirmed(c, r, syncedAt)
}

// Clear removes every record in c.
func (s *Store) Clear(c storage.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[c] = make(map[string]storage.Record)
	delete(s.lastSync, c)
	if !s.degraded {
		if err := s.backend.ClearRecords(c); err != nil {
			return s.fail("clear", err)
		}
	}
	return nil
}

// LastSync returns the time of the last successful pull of c.
func (s *Store) LastSync(c storage.Collection) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSync[c]
	return t, ok
}

func (s *Store) SetLastSync(c storage.Collection, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync[c] = t
	if !s.degraded {
		if err := s.backend.SetLastSync(c, t); err != nil {
			return s.fail("set last sync", err)
		}
	}
	return nil
}

func (s *Store) collection(c storage.Collection) map[string]storage.Record {
	m, ok := s.records[c]
	if !ok {
		m = make(map[string]storage.Record)
		s.records[c] = m
	}
	return m
}
