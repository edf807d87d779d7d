// Package ratelimit implements the per-identity authentication attempt
// limiter referenced by spec §4.4's "excessive attempts" disposition. The
// broker is single-shot — one process per connection, per spec §5 — so
// unlike the teacher's in-memory token_bucket (a long-lived goroutine
// refilling a map), state here must survive between invocations. It is
// persisted to the same bbolt database as the audit ledger, using a
// fixed-window counter rather than a token bucket: a window is cheaper to
// make crash-safe, since recovery only needs the window's start time and
// count, not a continuously-ticking refill goroutine.
package ratelimit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "ratelimit"

// Limiter enforces a fixed window of at most Max attempts per Window
// duration, keyed by uid, persisted in a bbolt database. broker.Handle
// passes the uid of the requested username, not the connecting peer's.
type Limiter struct {
	db     *bolt.DB
	max    int
	window time.Duration
}

type windowState struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// Open opens (or creates) the rate-limit bucket in db. db is expected to
// be shared with the audit ledger's bbolt handle so the broker need not
// hold two open file descriptors against /var/lib/linuxio.
func Open(db *bolt.DB, max int, window time.Duration) (*Limiter, error) {
	if max <= 0 {
		return nil, fmt.Errorf("ratelimit.Open: max must be > 0, got %d", max)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit.Open: window must be > 0, got %s", window)
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ratelimit.Open: create bucket: %w", err)
	}
	return &Limiter{db: db, max: max, window: window}, nil
}

func key(uid uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uid)
	return b
}

// Allow reports whether uid may attempt one more authentication, and
// records the attempt if so. A window that has elapsed resets the count
// to 1 rather than carrying over any unused allowance — there is no
// partial-refill concept here, unlike the teacher's token bucket.
func (l *Limiter) Allow(uid uint32) (bool, error) {
	allowed := false
	now := time.Now().UTC()

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		k := key(uid)

		var st windowState
		if raw := b.Get(k); raw != nil {
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("ratelimit.Allow: decode state for uid %d: %w", uid, err)
			}
		}

		if st.Start.IsZero() || now.Sub(st.Start) >= l.window {
			st = windowState{Start: now, Count: 0}
		}

		if st.Count >= l.max {
			allowed = false
		} else {
			st.Count++
			allowed = true
		}

		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("ratelimit.Allow: encode state for uid %d: %w", uid, err)
		}
		return b.Put(k, raw)
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// Reset clears uid's window, used after a successful authentication so a
// prior run of near-misses does not count against a now-trusted identity.
func (l *Limiter) Reset(uid uint32) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(key(uid))
	})
}
