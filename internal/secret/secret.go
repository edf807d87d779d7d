// Package secret holds the password as a scoped, memory-locked resource
// (spec §3 "Request", §5 "Shared resources", §9 design note "Secrets in
// ordinary buffers"). It acquires locked memory on construction and
// zeroises unconditionally on Release, with no public copy operation —
// callers borrow the bytes via Use, they never get a slice they can retain.
package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a single password held in locked memory from construction
// until Release. Not safe for concurrent Release calls with outstanding
// Use calls from other goroutines; the broker uses it single-threaded.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	locked   bool
	released bool
}

// New copies src once into a freshly allocated, mlock'd buffer. The
// caller's src is expected to be zeroised by the caller immediately after
// this call (broker.Handle does so) (spec §4.1: "the scratch buffer they passed through is
// zeroised").
func New(src []byte) (*Buffer, error) {
	b := &Buffer{data: make([]byte, len(src))}
	copy(b.data, src)

	if len(b.data) > 0 {
		if err := unix.Mlock(b.data); err != nil {
			// Locking is best-effort: some sandboxed/containerised
			// environments deny mlock via RLIMIT_MEMLOCK. We still hold
			// and zeroise the buffer; we just can't guarantee it never
			// reaches swap. Record the failure so callers can log it.
			return b, fmt.Errorf("secret.New: mlock: %w", err)
		}
		b.locked = true
	}
	return b, nil
}

// Use lets fn read the current bytes without ever receiving ownership of
// them. fn must not retain the slice after returning.
func (b *Buffer) Use(fn func(p []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		fn(nil)
		return
	}
	fn(b.data)
}

// Release zeroises the buffer, releases the mlock if held, and makes all
// subsequent Use calls observe an empty buffer. Safe to call more than
// once.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	if b.locked {
		_ = unix.Munlock(b.data)
		b.locked = false
	}
	b.released = true
}

// IsZero reports whether every byte of the underlying buffer is currently
// zero. Exposed only for tests verifying the zeroisation invariant.
func (b *Buffer) IsZero() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.data {
		if c != 0 {
			return false
		}
	}
	return true
}
