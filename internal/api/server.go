package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/ratelimit"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

const (
	maxBodySize    = 1 << 20
	maxListLimit   = 1000
	idempotencyTTL = 24 * time.Hour
)

// managedFields are set by the server and ignored in request bodies.
var managedFields = []string{"id", "_metadata", "timestamp", "createdAt", "updatedAt", "lastUpdated"}

type ServerDeps struct {
	Store   *storage.Store
	Limiter *ratelimit.Controller // optional
	Token   string                // optional; when set, mutations need a bearer token
	Now     func() time.Time
	Logger  *slog.Logger
}

type recordAPI struct {
	store   *storage.Store
	schemas *validators
	now     func() time.Time
	logger  *slog.Logger

	// createMu serialises keyed creates so a replayed key cannot race its
	// first use.
	createMu sync.Mutex
}

// NewServerHandler returns the relief HTTP API. Routes are served both at the
// root and under /api.
func NewServerHandler(deps ServerDeps) (http.Handler, error) {
	schemas, err := loadValidators()
	if err != nil {
		return nil, err
	}
	api := &recordAPI{
		store:   deps.Store,
		schemas: schemas,
		now:     deps.Now,
		logger:  deps.Logger,
	}
	if api.now == nil {
		api.now = time.Now
	}
	if api.logger == nil {
		api.logger = slog.Default()
	}

	routes := func(r chi.Router) {
		r.Get("/health", handleHealth(api))
		for _, col := range storage.Collections {
			r.Get("/"+string(col), handleList(api, col))
			r.Get("/"+string(col)+"/{id}", handleGet(api, col))
		}

		r.Group(func(r chi.Router) {
			if deps.Token != "" {
				r.Use(BearerAuth(deps.Token))
			}
			r.Post("/alerts", handleCreate(api, storage.Alerts))
			r.Patch("/alerts/{id}", handlePatch(api, storage.Alerts, nil))
			r.Delete("/alerts/{id}", handleDelete(api, storage.Alerts))

			r.Post("/reports", handleCreate(api, storage.Reports))
			r.Patch("/reports/{id}", handlePatch(api, storage.Reports, []string{"description", "severity", "status"}))
			r.Delete("/reports/{id}", handleDelete(api, storage.Reports))

			r.Post("/resources", handleCreate(api, storage.Resources))
			r.Put("/resources/{id}", handlePatch(api, storage.Resources, nil))
			r.Patch("/resources/{id}", handlePatch(api, storage.Resources, nil))
			r.Delete("/resources/{id}", handleDelete(api, storage.Resources))
		})
	}

	r := chi.NewRouter()
	if deps.Limiter != nil {
		r.Use(deps.Limiter.Middleware)
	}
	r.Route("/api", routes)
	r.Group(routes)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})
	return r, nil
}

func handleHealth(api *recordAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   api.now().UTC().Format(time.RFC3339),
		})
	}
}

func handleList(api *recordAPI, col storage.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var (
			recs []storage.Record
			err  error
		)
		if s := q.Get("since"); s != "" {
			since, perr := time.Parse(time.RFC3339Nano, s)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "Validation failed", map[string]any{"since": "must be an RFC 3339 timestamp"})
				return
			}
			recs, err = api.store.ListRecordsSince(col, since)
		} else {
			recs, err = api.store.ListRecords(col)
		}
		if err != nil {
			api.logger.Error("listing records", "collection", col, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to list "+string(col), nil)
			return
		}

		now := api.now()
		switch col {
		case storage.Alerts:
			recs = filterAlerts(recs, q.Get("severity"), q.Get("area"), now)
			sortAlerts(recs)
			w.Header().Set("Cache-Control", alertCacheControl(recs, now))
		case storage.Reports:
			recs = filterReports(recs, q.Get("type"), q.Get("severity"), q.Get("status"))
			sortReports(recs)
		case storage.Resources:
			recs = filterResources(recs, q.Get("type"), q.Get("status"))
			sort.SliceStable(recs, func(i, j int) bool { return recs[i].StringField("name") < recs[j].StringField("name") })
		}

		if limit := parseIntParam(r, "limit", 0, maxListLimit); limit > 0 && len(recs) > limit {
			recs = recs[:limit]
		}
		if recs == nil {
			recs = []storage.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleGet(api *recordAPI, col storage.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := api.store.GetRecord(col, chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, notFoundMessage(col), nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read record", nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleCreate(api *recordAPI, col storage.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		if details := validate(api.schemas.create[col], body); details != nil {
			writeError(w, http.StatusBadRequest, "Validation failed", details)
			return
		}

		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			rec, err := api.create(col, body)
			if err != nil {
				api.logger.Error("creating record", "collection", col, "error", err)
				writeError(w, http.StatusInternalServerError, "Failed to create record", nil)
				return
			}
			writeJSON(w, http.StatusCreated, rec)
			return
		}

		api.createMu.Lock()
		defer api.createMu.Unlock()

		now := api.now()
		hash := requestHash(body)
		entry, err := api.store.GetIdempotencyEntry(key)
		switch {
		case err == nil && entry.ExpiresAt.After(now):
			if entry.Collection != col || entry.RequestHash != hash {
				writeError(w, http.StatusConflict, "Idempotency key reused with a different request", map[string]any{"idempotencyKey": key})
				return
			}
			rec, gerr := api.store.GetRecord(col, entry.RecordID)
			if gerr == nil {
				w.Header().Set("Idempotent-Replayed", "true")
				writeJSON(w, http.StatusOK, rec)
				return
			}
			if !errors.Is(gerr, storage.ErrNotFound) {
				writeError(w, http.StatusInternalServerError, "Failed to read record", nil)
				return
			}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusInternalServerError, "Failed to read idempotency key", nil)
			return
		}

		rec, err := api.create(col, body)
		if err != nil {
			api.logger.Error("creating record", "collection", col, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to create record", nil)
			return
		}
		if _, err := api.store.PurgeIdempotencyEntries(now); err != nil {
			api.logger.Warn("purging idempotency keys", "error", err)
		}
		if err := api.store.SaveIdempotencyEntry(storage.IdempotencyEntry{
			Key:         key,
			Collection:  col,
			RecordID:    rec.ID,
			RequestHash: hash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(idempotencyTTL),
		}); err != nil {
			api.logger.Warn("saving idempotency key", "key", key, "error", err)
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func (api *recordAPI) create(col storage.Collection, body map[string]any) (storage.Record, error) {
	now := api.now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	fields := body
	fields["timestamp"] = stamp
	fields["updatedAt"] = stamp

	switch col {
	case storage.Reports:
		fields["createdAt"] = stamp
		fields["status"] = "pending"
		if anon, _ := fields["isAnonymous"].(bool); anon {
			delete(fields, "contact")
			fields["userName"] = "Anonymous"
		} else {
			fields["isAnonymous"] = false
			name := "Community member"
			if c, ok := fields["contact"].(map[string]any); ok {
				if n, ok := c["name"].(string); ok && n != "" {
					name = n
				}
			}
			fields["userName"] = name
		}
	case storage.Resources:
		fields["lastUpdated"] = stamp
		if _, ok := fields["status"]; !ok {
			fields["status"] = "active"
		}
	}

	rec := storage.Record{ID: uuid.NewString(), Fields: fields}
	if err := api.store.PutRecord(col, rec, now); err != nil {
		return storage.Record{}, err
	}
	return rec, nil
}

// handlePatch merges the body into the stored record. When allowed is
// non-nil, other fields are silently dropped.
func handlePatch(api *recordAPI, col storage.Collection, allowed []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		if allowed != nil {
			for k := range body {
				if !contains(allowed, k) {
					delete(body, k)
				}
			}
		}
		if details := validate(api.schemas.update[col], body); details != nil {
			writeError(w, http.StatusBadRequest, "Validation failed", details)
			return
		}

		rec, err := api.store.GetRecord(col, id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, notFoundMessage(col), nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read record", nil)
			return
		}

		now := api.now().UTC()
		stamp := now.Format(time.RFC3339Nano)
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		for k, v := range body {
			rec.Fields[k] = v
		}
		rec.Fields["updatedAt"] = stamp
		if col == storage.Resources {
			rec.Fields["lastUpdated"] = stamp
		}
		rec.Meta = storage.Metadata{}

		if err := api.store.PutRecord(col, rec, now); err != nil {
			api.logger.Error("updating record", "collection", col, "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to update record", nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDelete(api *recordAPI, col storage.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := api.store.DeleteRecord(col, id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, notFoundMessage(col), nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to delete record", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var body map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", map[string]any{"body": err.Error()})
		return nil, false
	}
	if body == nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", map[string]any{"body": "expected a JSON object"})
		return nil, false
	}
	for _, f := range managedFields {
		delete(body, f)
	}
	normalizeNumbers(body)
	return body, true
}

// normalizeNumbers converts json.Number values to float64 so stored records
// look like any other decoded JSON.
func normalizeNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		normalizeNumbers(t)
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}

func requestHash(body map[string]any) string {
	data, _ := json.Marshal(body)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func notFoundMessage(col storage.Collection) string {
	switch col {
	case storage.Alerts:
		return "Alert not found"
	case storage.Reports:
		return "Report not found"
	case storage.Resources:
		return "Resource not found"
	}
	return "Not found"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var alertRank = map[string]int{"emergency": 0, "critical": 1, "warning": 2, "info": 3}

func rankOf(severity string) int {
	if r, ok := alertRank[severity]; ok {
		return r
	}
	return len(alertRank)
}

func filterAlerts(recs []storage.Record, severity, area string, now time.Time) []storage.Record {
	out := recs[:0]
	area = strings.ToLower(area)
	for _, r := range recs {
		if exp := r.TimeField("expiresAt"); !exp.IsZero() && !exp.After(now) {
			continue
		}
		if severity != "" && r.StringField("severity") != severity {
			continue
		}
		if area != "" && !strings.Contains(strings.ToLower(r.StringField("area")), area) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortAlerts(recs []storage.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ri, rj := rankOf(recs[i].StringField("severity")), rankOf(recs[j].StringField("severity"))
		if ri != rj {
			return ri < rj
		}
		return recs[i].TimeField("timestamp").After(recs[j].TimeField("timestamp"))
	})
}

// alertCacheControl bounds max-age by the nearest expiry, capped at an hour.
func alertCacheControl(recs []storage.Record, now time.Time) string {
	var nearest time.Time
	for _, r := range recs {
		exp := r.TimeField("expiresAt")
		if exp.IsZero() {
			continue
		}
		if nearest.IsZero() || exp.Before(nearest) {
			nearest = exp
		}
	}
	maxAge := 300
	if !nearest.IsZero() {
		maxAge = int(math.Max(0, math.Floor(nearest.Sub(now).Seconds())))
		maxAge = min(maxAge, 3600)
	}
	return fmt.Sprintf("public, max-age=%d, stale-while-revalidate=86400", maxAge)
}

func filterReports(recs []storage.Record, typ, severity, status string) []storage.Record {
	out := recs[:0]
	sev, sevErr := strconv.Atoi(severity)
	for _, r := range recs {
		if typ != "" && r.StringField("type") != typ {
			continue
		}
		if severity != "" && (sevErr != nil || int(r.NumberField("severity")) != sev) {
			continue
		}
		if status != "" && r.StringField("status") != status {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortReports(recs []storage.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		si, sj := recs[i].NumberField("severity"), recs[j].NumberField("severity")
		if si != sj {
			return si > sj
		}
		return recs[i].TimeField("createdAt").After(recs[j].TimeField("createdAt"))
	})
}

func filterResources(recs []storage.Record, typ, status string) []storage.Record {
	out := recs[:0]
	for _, r := range recs {
		if typ != "" && r.StringField("type") != typ {
			continue
		}
		if status != "" && r.StringField("status") != status {
			continue
		}
		out = append(out, r)
	}
	return out
}
