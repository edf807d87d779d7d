// Package audit is the append-only disposition ledger supplemented onto
// the broker (original_source has no persistent audit trail; spec §4
// notes log output only). It follows the teacher's storage.DB shape:
// bbolt buckets for records and schema metadata, JSON-encoded values, a
// sortable timestamp-based key, and startup schema-version verification.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current ledger schema version.
	SchemaVersion = "1"

	bucketEntries = "entries"
	bucketMeta    = "meta"
)

// Disposition is the final outcome recorded for one connection.
type Disposition string

const (
	DispositionOK            Disposition = "ok"
	DispositionAuthFailed    Disposition = "auth_failed"
	DispositionNotPrivileged Disposition = "not_privileged"
	DispositionRateLimited   Disposition = "rate_limited"
	DispositionPeerRejected  Disposition = "peer_rejected"
	DispositionBadRequest    Disposition = "bad_request"
	DispositionBinaryInvalid Disposition = "binary_invalid"
	DispositionSpawnFailed   Disposition = "spawn_failed"
	DispositionInternalError Disposition = "internal_error"
)

// Entry is one ledger record.
type Entry struct {
	Timestamp   time.Time   `json:"timestamp"`
	UID         uint32      `json:"uid"`
	Username    string      `json:"username"`
	SessionID   string      `json:"session_id"`
	Disposition Disposition `json:"disposition"`
	LastPhase   string      `json:"last_phase"`
	Detail      string      `json:"detail,omitempty"`
}

// Ledger wraps a bbolt database dedicated to the audit trail.
type Ledger struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt database at path and verifies its
// schema. The caller owns the returned *bolt.DB via Ledger.DB() for
// sharing with internal/ratelimit, which persists into the same file.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit.Open(%q): %w", path, err)
	}

	l := &Ledger{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEntries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit.Open: init: %w", err)
	}

	if err := l.checkSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) checkSchema() error {
	return l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit: schema version mismatch: have %q, want %q", v, SchemaVersion)
		}
		return nil
	})
}

// DB returns the underlying bbolt handle, for sharing with
// internal/ratelimit rather than opening a second file.
func (l *Ledger) DB() *bolt.DB { return l.db }

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

func entryKey(t time.Time, uid uint32) []byte {
	// Fixed-width nanoseconds (unlike RFC3339Nano, which trims trailing
	// zeros) so that byte order of keys is chronological order.
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), uid))
}

// Append records one disposition. Timestamp is filled in if zero.
func (l *Ledger) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit.Append: marshal: %w", err)
	}
	key := entryKey(e.Timestamp, e.UID)
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEntries)).Put(key, data)
	})
}

// Recent returns up to limit most-recent entries, newest first. For
// operational inspection only; never called on the request hot path.
func (l *Ledger) Recent(limit int) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketEntries)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("audit.Recent: decode %q: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
