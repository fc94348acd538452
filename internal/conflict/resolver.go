// Package conflict reconciles a locally held record with the server's version.
package conflict

import (
	"fmt"
	"time"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/apperr"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

// Strategy selects how a local/server pair is reconciled. The zero value is
// not a strategy; Resolve rejects it.
type Strategy int

const (
	ServerWins Strategy = iota + 1
	LocalWins
	Merge
)

var strategyNames = map[Strategy]string{
	ServerWins: "serverWins",
	LocalWins:  "localWins",
	Merge:      "merge",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Valid reports whether s is one of the declared strategies.
func (s Strategy) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

// ParseStrategy maps a configured name to a Strategy. Unknown names yield a
// configuration error rather than a fallback.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, apperr.New(apperr.KindConfiguration, "conflict.ParseStrategy", fmt.Sprintf("unknown conflict resolution strategy %q", name))
}

func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, apperr.New(apperr.KindConfiguration, "conflict.MarshalText", fmt.Sprintf("invalid strategy %d", int(s)))
	}
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Resolve returns the record to keep when local and server disagree.
//
//	ServerWins: server replaces local.
//	LocalWins:  local is kept, server ignored.
//	Merge:      server fields as base with local fields overlaid; metadata
//	            combines both and is marked merged at now.
func Resolve(local, server storage.Record, s Strategy, now time.Time) (storage.Record, error) {
	switch s {
	case ServerWins:
		return server.Clone(), nil
	case LocalWins:
		return local.Clone(), nil
	case Merge:
		return merge(local, server, now), nil
	}
	return storage.Record{}, apperr.New(apperr.KindConfiguration, "conflict.Resolve", fmt.Sprintf("unknown conflict resolution strategy %v", s))
}

func merge(local, server storage.Record, now time.Time) storage.Record {
	l, sv := local.Clone(), server.Clone()

	fields := make(map[string]any, len(sv.Fields)+len(l.Fields))
	for k, v := range sv.Fields {
		fields[k] = v
	}
	for k, v := range l.Fields {
		fields[k] = v
	}

	id := sv.ID
	if id == "" {
		id = l.ID
	}

	meta := mergeMetadata(l.Meta, sv.Meta)
	at := now.UTC()
	meta.Merged = true
	meta.MergedAt = &at

	return storage.Record{ID: id, Fields: fields, Meta: meta}
}

// mergeMetadata overlays every set field of local onto server.
func mergeMetadata(local, server storage.Metadata) storage.Metadata {
	m := server
	if !local.LastModified.IsZero() {
		m.LastModified = local.LastModified
	}
	if local.IsLocalOnly {
		m.IsLocalOnly = true
	}
	if local.SyncedAt != nil {
		m.SyncedAt = local.SyncedAt
	}
	if local.State != "" {
		m.State = local.State
	}
	if local.LocalID != "" {
		m.LocalID = local.LocalID
	}
	if local.LastError != "" {
		m.LastError = local.LastError
	}
	return m
}
