package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Collection names one entity key-space.
type Collection string

const (
	Alerts    Collection = "alerts"
	Reports   Collection = "reports"
	Resources Collection = "resources"
)

// Collections lists every synchronised collection in pull order.
var Collections = []Collection{Alerts, Reports, Resources}

// ParseCollection maps a collection name to its Collection.
func ParseCollection(s string) (Collection, error) {
	for _, c := range Collections {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown collection %q", s)
}

// SyncState tags where a record stands in the local-apply / remote-apply cycle.
type SyncState string

const (
	StateConfirmed SyncState = "confirmed"
	StatePending   SyncState = "pending"
	StateFailed    SyncState = "failed"
)

// Metadata is the client-side bookkeeping attached to a record as "_metadata".
type Metadata struct {
	LastModified time.Time  `json:"lastModified"`
	IsLocalOnly  bool       `json:"isLocalOnly"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
	State        SyncState  `json:"state,omitempty"`
	Merged       bool       `json:"merged,omitempty"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
	LocalID      string     `json:"localId,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// IsZero reports whether m carries no bookkeeping at all.
func (m Metadata) IsZero() bool {
	return m.LastModified.IsZero() && !m.IsLocalOnly && m.SyncedAt == nil &&
		m.State == "" && !m.Merged && m.MergedAt == nil && m.LocalID == "" && m.LastError == ""
}

// Record is an alert, report or resource. Fields holds the domain fields
// except "id"; on the wire they are flattened next to "id" and "_metadata".
type Record struct {
	ID     string
	Fields map[string]any
	Meta   Metadata
}

func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["id"] = r.ID
	if !r.Meta.IsZero() {
		m["_metadata"] = r.Meta
	}
	return json.Marshal(m)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "id":
			var id any
			if err := json.Unmarshal(v, &id); err != nil {
				return fmt.Errorf("decoding id: %w", err)
			}
			if id != nil {
				r.ID = fmt.Sprint(id)
			}
		case "_metadata":
			if err := json.Unmarshal(v, &r.Meta); err != nil {
				return fmt.Errorf("decoding _metadata: %w", err)
			}
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("decoding %s: %w", k, err)
			}
			r.Fields[k] = val
		}
	}
	return nil
}

// Clone returns a deep copy so callers can never mutate stored state.
func (r Record) Clone() Record {
	out := r
	out.Fields = cloneMap(r.Fields)
	if r.Meta.SyncedAt != nil {
		t := *r.Meta.SyncedAt
		out.Meta.SyncedAt = &t
	}
	if r.Meta.MergedAt != nil {
		t := *r.Meta.MergedAt
		out.Meta.MergedAt = &t
	}
	return out
}

// StringField returns a string field or "" when absent or not a string.
func (r Record) StringField(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// NumberField returns a numeric field or 0.
func (r Record) NumberField(key string) float64 {
	switch v := r.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// TimeField parses an RFC 3339 field, returning the zero time on failure.
func (r Record) TimeField(key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.StringField(key))
	if err != nil {
		return time.Time{}
	}
	return t
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// ActionKind tags a deferred mutation.
type ActionKind string

const (
	SubmitReport   ActionKind = "submitReport"
	UpdateResource ActionKind = "updateResource"
	UpdateAlert    ActionKind = "updateAlert"
	DeleteReport   ActionKind = "deleteReport"
)

// ParseActionKind rejects tags outside the known set.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(s); k {
	case SubmitReport, UpdateResource, UpdateAlert, DeleteReport:
		return k, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Collection returns the collection an action mutates.
func (k ActionKind) Collection() Collection {
	switch k {
	case UpdateResource:
		return Resources
	case UpdateAlert:
		return Alerts
	default:
		return Reports
	}
}

type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionFailed  ActionStatus = "failed"
)

// Action is a queued mutation awaiting replay against the server.
type Action struct {
	ID             int64
	Kind           ActionKind
	Data           map[string]any
	IdempotencyKey string
	CreatedAt      time.Time
	RetryCount     int
	Status         ActionStatus
	LastError      string
	DroppedAt      time.Time // set only on entries of the dropped-action log
}

// TargetID is the record id the action applies to. Submissions report the
// temporary local id they were stored under.
func (a Action) TargetID() string {
	if a.Kind == SubmitReport {
		s, _ := a.Data["localId"].(string)
		return s
	}
	s, _ := a.Data["id"].(string)
	return s
}

// IdempotencyEntry remembers the record a keyed POST produced.
type IdempotencyEntry struct {
	Key         string
	Collection  Collection
	RecordID    string
	RequestHash string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
