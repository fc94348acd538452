package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Store wraps a SQLite database holding records, queued actions and sync bookkeeping.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) relief.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "relief.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: SQLite serialises writers anyway and :memory: is per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded migrations that are not yet recorded in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if err := s.applyMigration(version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(content); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Records ---

// PutRecord upserts r into collection c. updatedAt drives incremental reads.
func (s *Store) PutRecord(c Collection, r Record, updatedAt time.Time) error {
	if r.ID == "" {
		return fmt.Errorf("record in %s has no id", c)
	}
	fields := r.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", r.ID, err)
	}
	meta, err := json.Marshal(r.Meta)
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO records (collection, id, data, metadata, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data, metadata = excluded.metadata, updated_at = excluded.updated_at`,
		string(c), r.ID, string(data), string(meta), formatTime(updatedAt),
	)
	return err
}

func (s *Store) GetRecord(c Collection, id string) (Record, error) {
	var data, meta string
	err := s.db.QueryRow(`SELECT data, metadata FROM records WHERE collection = ? AND id = ?`, string(c), id).Scan(&data, &meta)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(id, data, meta)
}

// ListRecords returns every record in c, oldest update first.
func (s *Store) ListRecords(c Collection) ([]Record, error) {
	return s.queryRecords(`SELECT id, data, metadata FROM records WHERE collection = ? ORDER BY updated_at ASC, id ASC`, string(c))
}

// ListRecordsSince returns records in c updated strictly after since.
func (s *Store) ListRecordsSince(c Collection, since time.Time) ([]Record, error) {
	return s.queryRecords(`SELECT id, data, metadata FROM records WHERE collection = ? AND updated_at > ? ORDER BY updated_at ASC, id ASC`,
		string(c), formatTime(since))
}

func (s *Store) queryRecords(query string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id, data, meta string
		if err := rows.Scan(&id, &data, &meta); err != nil {
			return nil, err
		}
		r, err := decodeRecord(id, data, meta)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeRecord(id, data, meta string) (Record, error) {
	r := Record{ID: id}
	if err := json.Unmarshal([]byte(data), &r.Fields); err != nil {
		return Record{}, fmt.Errorf("decoding record %s: %w", id, err)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &r.Meta); err != nil {
			return Record{}, fmt.Errorf("decoding metadata for %s: %w", id, err)
		}
	}
	return r, nil
}

func (s *Store) DeleteRecord(c Collection, id string) error {
	res, err := s.db.Exec(`DELETE FROM records WHERE collection = ? AND id = ?`, string(c), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearRecords removes every record in c together with its sync watermark,
// so the next pull of c is a full one.
func (s *Store) ClearRecords(c Collection) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE collection = ?`, string(c)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sync_metadata WHERE key = ?`, string(c)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Offline actions ---

// InsertAction appends a to the queue and returns its store-assigned id.
func (s *Store) InsertAction(a Action) (int64, error) {
	data, err := json.Marshal(a.Data)
	if err != nil {
		return 0, fmt.Errorf("encoding action data: %w", err)
	}
	status := a.Status
	if status == "" {
		status = ActionPending
	}
	res, err := s.db.Exec(`
		INSERT INTO offline_actions (action, data, idempotency_key, created_at, retry_count, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(a.Kind), string(data), a.IdempotencyKey, formatTime(a.CreatedAt), a.RetryCount, string(status), nullString(a.LastError),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListActions returns queued actions in insertion order.
func (s *Store) ListActions() ([]Action, error) {
	return s.queryActions(`SELECT id, action, data, idempotency_key, created_at, retry_count, status, last_error, ''
		FROM offline_actions ORDER BY id ASC`)
}

// UpdateAction persists the retry bookkeeping of a.
func (s *Store) UpdateAction(a Action) error {
	res, err := s.db.Exec(`UPDATE offline_actions SET retry_count = ?, status = ?, last_error = ? WHERE id = ?`,
		a.RetryCount, string(a.Status), nullString(a.LastError), a.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAction(id int64) error {
	res, err := s.db.Exec(`DELETE FROM offline_actions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DropAction moves a from the queue into the dropped-action log atomically.
func (s *Store) DropAction(a Action, at time.Time) error {
	data, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("encoding action data: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning drop transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO dropped_actions (action_id, action, data, idempotency_key, created_at, retry_count, last_error, dropped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), string(data), a.IdempotencyKey, formatTime(a.CreatedAt), a.RetryCount, nullString(a.LastError), formatTime(at),
	); err != nil {
		return fmt.Errorf("logging dropped action %d: %w", a.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM offline_actions WHERE id = ?`, a.ID); err != nil {
		return fmt.Errorf("removing dropped action %d: %w", a.ID, err)
	}
	return tx.Commit()
}

// ListDroppedActions returns the most recently dropped actions first.
func (s *Store) ListDroppedActions(limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryActions(`SELECT action_id, action, data, idempotency_key, created_at, retry_count, 'failed', last_error, dropped_at
		FROM dropped_actions ORDER BY dropped_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) queryActions(query string, args ...any) ([]Action, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var kind, data, createdAt, status, droppedAt string
		var lastError sql.NullString
		if err := rows.Scan(&a.ID, &kind, &data, &a.IdempotencyKey, &createdAt, &a.RetryCount, &status, &lastError, &droppedAt); err != nil {
			return nil, err
		}
		a.Kind = ActionKind(kind)
		a.Status = ActionStatus(status)
		a.LastError = lastError.String
		if err := json.Unmarshal([]byte(data), &a.Data); err != nil {
			return nil, fmt.Errorf("decoding action %d: %w", a.ID, err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for action %d: %w", a.ID, err)
		}
		if droppedAt != "" {
			if a.DroppedAt, err = parseTime(droppedAt); err != nil {
				return nil, fmt.Errorf("parsing dropped_at for action %d: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- Sync metadata ---

// GetLastSync returns the time of the last successful pull of c, or ErrNotFound.
func (s *Store) GetLastSync(c Collection) (time.Time, error) {
	var v string
	err := s.db.QueryRow(`SELECT last_sync FROM sync_metadata WHERE key = ?`, string(c)).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(v)
}

func (s *Store) SetLastSync(c Collection, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_metadata (key, last_sync) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET last_sync = excluded.last_sync`,
		string(c), formatTime(t),
	)
	return err
}

// --- Idempotency keys ---

func (s *Store) GetIdempotencyEntry(key string) (IdempotencyEntry, error) {
	var e IdempotencyEntry
	var collection, createdAt, expiresAt string
	err := s.db.QueryRow(`SELECT key, collection, record_id, request_hash, created_at, expires_at FROM idempotency_keys WHERE key = ?`, key).
		Scan(&e.Key, &collection, &e.RecordID, &e.RequestHash, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return IdempotencyEntry{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyEntry{}, err
	}
	e.Collection = Collection(collection)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return IdempotencyEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return IdempotencyEntry{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	return e, nil
}

func (s *Store) SaveIdempotencyEntry(e IdempotencyEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO idempotency_keys (key, collection, record_id, request_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			collection = excluded.collection,
			record_id = excluded.record_id,
			request_hash = excluded.request_hash,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		e.Key, string(e.Collection), e.RecordID, e.RequestHash, formatTime(e.CreatedAt), formatTime(e.ExpiresAt),
	)
	return err
}

// PurgeIdempotencyEntries deletes entries that expired before now.
func (s *Store) PurgeIdempotencyEntries(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM idempotency_keys WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
