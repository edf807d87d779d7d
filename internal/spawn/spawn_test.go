package spawn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linuxio/linuxio-auth/internal/binpath"
	"github.com/linuxio/linuxio-auth/internal/config"
	"github.com/linuxio/linuxio-auth/internal/fdplan"
)

func selfOwnedScript(t *testing.T, body string) *binpath.Handle {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	h, err := binpath.Validate(path, []uint32{uint32(os.Getuid())}, uint32(os.Getuid()))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func testPlan(t *testing.T) *fdplan.Plan {
	t.Helper()
	var p fdplan.Plan
	for _, s := range []fdplan.Slot{fdplan.SlotBootstrap, fdplan.SlotStderrDup, fdplan.SlotStderr, fdplan.SlotClientConn} {
		f, err := os.CreateTemp(t.TempDir(), "fd")
		if err != nil {
			t.Fatalf("CreateTemp: %v", err)
		}
		p.Set(s, f)
	}
	t.Cleanup(p.CloseAll)
	return &p
}

func selfIdentity() Identity {
	u, _ := os.UserHomeDir()
	return Identity{
		UID:        uint32(os.Getuid()),
		GID:        uint32(os.Getgid()),
		HomeDir:    u,
		Username:   "test",
		Privileged: false,
	}
}

func TestStartConfirmsExecAndWaitExitsZero(t *testing.T) {
	bin := selfOwnedScript(t, "exit 0\n")
	plan := testPlan(t)
	cfg := lowRlimitSpawnConfig()
	cfg.StartTimeout = 2 * time.Second

	proc, err := Start(context.Background(), cfg, bin, selfIdentity(), plan, "linuxio-bridge")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out := proc.Wait(context.Background())
	if !out.ExecConfirmed {
		t.Fatal("expected ExecConfirmed=true")
	}
	if out.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", out.ExitCode)
	}
}

// lowRlimitSpawnConfig uses limits well under any typical sandbox's hard
// caps, since applyRlimits runs against the test process's own (already
// unprivileged) limits rather than a fresh privileged process.
func lowRlimitSpawnConfig() config.SpawnConfig {
	cfg := config.Defaults().Spawn
	cfg.RlimitNofile = 64
	cfg.RlimitNproc = 64
	return cfg
}

func TestStartReportsNonzeroExitOnWait(t *testing.T) {
	bin := selfOwnedScript(t, "exit 7\n")
	plan := testPlan(t)
	cfg := lowRlimitSpawnConfig()
	cfg.StartTimeout = 2 * time.Second

	proc, err := Start(context.Background(), cfg, bin, selfIdentity(), plan, "linuxio-bridge")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out := proc.Wait(context.Background())
	if out.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", out.ExitCode)
	}
}

// TestWaitOutlivesStartTimeout confirms the exec-confirmation timeout
// bounds only Start, not the bridge's subsequent lifetime: a bridge that
// outlives cfg.StartTimeout many times over must still be waited on to
// completion rather than killed.
func TestWaitOutlivesStartTimeout(t *testing.T) {
	bin := selfOwnedScript(t, "sleep 0.3\nexit 0\n")
	plan := testPlan(t)
	cfg := lowRlimitSpawnConfig()
	cfg.StartTimeout = 50 * time.Millisecond

	proc, err := Start(context.Background(), cfg, bin, selfIdentity(), plan, "linuxio-bridge")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out := proc.Wait(context.Background())
	if out.Signaled {
		t.Fatal("bridge outliving StartTimeout must not be killed once exec is confirmed")
	}
	if out.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", out.ExitCode)
	}
}

func TestWaitKillsOnContextCancel(t *testing.T) {
	bin := selfOwnedScript(t, "sleep 5\n")
	plan := testPlan(t)
	cfg := lowRlimitSpawnConfig()
	cfg.StartTimeout = 2 * time.Second

	proc, err := Start(context.Background(), cfg, bin, selfIdentity(), plan, "linuxio-bridge")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := proc.Wait(waitCtx)
	if !out.Signaled {
		t.Fatal("expected Signaled=true after context cancellation kill")
	}
}

func TestNewBootstrapPipeRoundTrips(t *testing.T) {
	r, w, err := NewBootstrapPipe()
	if err != nil {
		t.Fatalf("NewBootstrapPipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	buf := make([]byte, 5)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf)
	}
}
