package audit

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRecent(t *testing.T) {
	l := openTestLedger(t)
	entries := []Entry{
		{UID: 1000, Username: "alice", Disposition: DispositionOK, LastPhase: "REAPED"},
		{UID: 1001, Username: "bob", Disposition: DispositionAuthFailed, LastPhase: "AUTHENTICATED"},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(got))
	}
	// Recent returns newest first; bob was appended last.
	if got[0].Username != "bob" {
		t.Fatalf("first entry = %q, want bob", got[0].Username)
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	l := openTestLedger(t)
	for i := 0; i < 5; i++ {
		if err := l.Append(Entry{UID: uint32(i), Disposition: DispositionOK}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(got))
	}
}

func TestOpenRejectsMismatchedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.DB().Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("0"))
	}); err != nil {
		t.Fatalf("overwrite schema_version: %v", err)
	}
	l.Close()

	if db2, err := Open(path); err == nil {
		db2.Close()
		t.Fatal("expected reopen to fail on a schema version mismatch")
	}
}
