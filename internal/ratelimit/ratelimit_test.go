package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAllowWithinLimit(t *testing.T) {
	db := openTestDB(t)
	l, err := Open(db, 3, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(1000)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("attempt %d: want allowed", i)
		}
	}
	ok, err := l.Allow(1000)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("4th attempt: want denied")
	}
}

func TestAllowIsPerUID(t *testing.T) {
	db := openTestDB(t)
	l, _ := Open(db, 1, time.Minute)
	if ok, _ := l.Allow(1); !ok {
		t.Fatal("uid 1 first attempt should be allowed")
	}
	if ok, _ := l.Allow(2); !ok {
		t.Fatal("uid 2 first attempt should be allowed, independent window")
	}
}

func TestAllowResetsAfterWindowElapses(t *testing.T) {
	db := openTestDB(t)
	l, _ := Open(db, 1, 20*time.Millisecond)
	if ok, _ := l.Allow(1); !ok {
		t.Fatal("first attempt should be allowed")
	}
	if ok, _ := l.Allow(1); ok {
		t.Fatal("second attempt within window should be denied")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := l.Allow(1); !ok {
		t.Fatal("attempt after window elapsed should be allowed")
	}
}

func TestResetClearsWindow(t *testing.T) {
	db := openTestDB(t)
	l, _ := Open(db, 1, time.Minute)
	l.Allow(1)
	if err := l.Reset(1); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if ok, _ := l.Allow(1); !ok {
		t.Fatal("attempt after Reset should be allowed")
	}
}

func TestOpenRejectsInvalidParams(t *testing.T) {
	db := openTestDB(t)
	if _, err := Open(db, 0, time.Minute); err == nil {
		t.Fatal("expected error for max=0")
	}
	if _, err := Open(db, 1, 0); err == nil {
		t.Fatal("expected error for window=0")
	}
}
