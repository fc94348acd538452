package localstore

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingBackend wraps a real store and starts failing writes on demand.
type failingBackend struct {
	*storage.Store
	failWrites bool
	writes     int
}

func (b *failingBackend) PutRecord(c storage.Collection, r storage.Record, at time.Time) error {
	b.writes++
	if b.failWrites {
		return errors.New("disk quota exceeded")
	}
	return b.Store.PutRecord(c, r, at)
}

func openTestBackend(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestStore(t *testing.T, online bool) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := Open(openTestBackend(t), WithClock(clock), WithOnline(func() bool { return online }))
	return s, clock
}

func TestPutIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, true)
	r := storage.Record{ID: "a1", Fields: map[string]any{"title": "Cyclone watch", "severity": "critical"}}

	if _, err := s.Put(storage.Alerts, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(storage.Alerts, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	all := s.GetAll(storage.Alerts, Query{})
	if len(all) != 1 {
		t.Fatalf("len(GetAll) = %d, want 1", len(all))
	}
	if !reflect.DeepEqual(all[0].Fields, r.Fields) {
		t.Errorf("Fields = %v, want %v", all[0].Fields, r.Fields)
	}
}

func TestPutStampsMetadataFromConnectivity(t *testing.T) {
	tests := []struct {
		name      string
		online    bool
		wantLocal bool
		wantState storage.SyncState
	}{
		{"online", true, false, storage.StateConfirmed},
		{"offline", false, true, storage.StatePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newTestStore(t, tt.online)
			got, err := s.Put(storage.Reports, storage.Record{ID: "r1"})
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if got.Meta.IsLocalOnly != tt.wantLocal {
				t.Errorf("IsLocalOnly = %v, want %v", got.Meta.IsLocalOnly, tt.wantLocal)
			}
			if got.Meta.State != tt.wantState {
				t.Errorf("State = %q, want %q", got.Meta.State, tt.wantState)
			}
			if !got.Meta.LastModified.Equal(clock.Now()) {
				t.Errorf("LastModified = %v, want %v", got.Meta.LastModified, clock.Now())
			}
		})
	}
}

func TestGetAllFilterSortSnapshot(t *testing.T) {
	s, _ := newTestStore(t, true)
	for i, sev := range []float64{2, 5, 3} {
		id := string(rune('a' + i))
		if _, err := s.Put(storage.Reports, storage.Record{ID: id, Fields: map[string]any{"severity": sev}}); err != nil {
			t.Fatal(err)
		}
	}

	got := s.GetAll(storage.Reports, Query{
		Filter: func(r storage.Record) bool { return r.NumberField("severity") >= 3 },
		Less:   func(a, b storage.Record) bool { return a.NumberField("severity") > b.NumberField("severity") },
	})
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("GetAll = %v, want [b c]", got)
	}

	got[0].Fields["severity"] = 1.0
	again, _ := s.Get(storage.Reports, "b")
	if again.NumberField("severity") != 5 {
		t.Error("mutating a snapshot changed stored state")
	}
}

func TestClearRemovesCollectionOnly(t *testing.T) {
	s, _ := newTestStore(t, true)
	s.Put(storage.Alerts, storage.Record{ID: "a"})
	s.Put(storage.Resources, storage.Record{ID: "r"})
	s.SetLastSync(storage.Alerts, time.Now())

	if err := s.Clear(storage.Alerts); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n := s.Len(storage.Alerts); n != 0 {
		t.Errorf("alerts after Clear = %d, want 0", n)
	}
	if n := s.Len(storage.Resources); n != 1 {
		t.Errorf("resources after Clear = %d, want 1", n)
	}
	if _, ok := s.LastSync(storage.Alerts); ok {
		t.Error("Clear kept the alerts sync watermark")
	}
}

func TestReopenLoadsPersistedState(t *testing.T) {
	backend := openTestBackend(t)
	s := Open(backend, WithOnline(func() bool { return false }))
	s.PutPending(storage.Reports, storage.Record{ID: "local-1", Fields: map[string]any{"title": "Bridge out"}})
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetLastSync(storage.Reports, at)

	reopened := Open(backend)
	r, ok := reopened.Get(storage.Reports, "local-1")
	if !ok {
		t.Fatal("record lost across reopen")
	}
	if !r.Meta.IsLocalOnly || r.Meta.State != storage.StatePending {
		t.Errorf("metadata = %+v", r.Meta)
	}
	if got, ok := reopened.LastSync(storage.Reports); !ok || !got.Equal(at) {
		t.Errorf("LastSync = %v, %v; want %v", got, ok, at)
	}
}

func TestBackendFailureDegradesToMemory(t *testing.T) {
	backend := &failingBackend{Store: openTestBackend(t)}
	s := Open(backend, WithOnline(func() bool { return true }))

	backend.failWrites = true
	_, err := s.Put(storage.Alerts, storage.Record{ID: "a1"})
	if !apperr.Is(err, apperr.KindStorage) {
		t.Fatalf("first failing Put err = %v, want StorageError", err)
	}
	if !s.Degraded() {
		t.Fatal("store not degraded after backend failure")
	}

	writes := backend.writes
	if _, err := s.Put(storage.Alerts, storage.Record{ID: "a2"}); err != nil {
		t.Errorf("Put after degrade err = %v, want nil", err)
	}
	if backend.writes != writes {
		t.Error("degraded store kept writing to the backend")
	}
	if s.Len(storage.Alerts) != 2 {
		t.Errorf("in-memory records = %d, want 2", s.Len(storage.Alerts))
	}
}

func TestReplaceSwapsLocalID(t *testing.T) {
	s, clock := newTestStore(t, false)
	s.PutPending(storage.Reports, storage.Record{ID: "local-1", Fields: map[string]any{"title": "Fire"}})

	clock.Advance(time.Minute)
	server := storage.Record{ID: "srv-9", Fields: map[string]any{"title": "Fire", "status": "pending"}}
	got, err := s.Replace(storage.Reports, "local-1", server, clock.Now())
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, ok := s.Get(storage.Reports, "local-1"); ok {
		t.Error("local id still present")
	}
	if got.Meta.IsLocalOnly || got.Meta.State != storage.StateConfirmed || got.Meta.SyncedAt == nil {
		t.Errorf("replacement metadata = %+v", got.Meta)
	}
}

func TestSetStateKeepsContent(t *testing.T) {
	s, _ := newTestStore(t, false)
	put, _ := s.PutPending(storage.Reports, storage.Record{ID: "local-1", Fields: map[string]any{"title": "Fire"}})

	if err := s.SetState(storage.Reports, "local-1", storage.StateFailed, "rejected"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	got, _ := s.Get(storage.Reports, "local-1")
	if got.Meta.State != storage.StateFailed || got.Meta.LastError != "rejected" {
		t.Errorf("metadata = %+v", got.Meta)
	}
	if !got.Meta.IsLocalOnly || !got.Meta.LastModified.Equal(put.Meta.LastModified) {
		t.Error("SetState changed isLocalOnly or lastModified")
	}
	if err := s.SetState(storage.Reports, "missing", storage.StateFailed, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("SetState(missing) err = %v, want ErrNotFound", err)
	}
}

func TestNilBackendRunsInMemory(t *testing.T) {
	s := Open(nil)
	if !s.Degraded() {
		t.Error("store without backend should report degraded")
	}
	if _, err := s.Put(storage.Alerts, storage.Record{ID: "a"}); err != nil {
		t.Errorf("Put: %v", err)
	}
}
