package elevate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fakeSudo(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sudo")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake sudo: %v", err)
	}
	return path
}

func selfIdentity() Identity {
	return Identity{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
}

func TestProbeNoPasswordSucceeds(t *testing.T) {
	old := sudoPath
	defer func() { sudoPath = old }()
	sudoPath = fakeSudo(t, "exit 0\n")

	priv, timedOut := Probe(context.Background(), selfIdentity(), nil, DefaultTimeout)
	if !priv || timedOut {
		t.Fatalf("privileged=%v timedOut=%v, want true,false", priv, timedOut)
	}
}

func TestProbeDeniedIsUnprivilegedNotError(t *testing.T) {
	old := sudoPath
	defer func() { sudoPath = old }()
	sudoPath = fakeSudo(t, "exit 1\n")

	priv, timedOut := Probe(context.Background(), selfIdentity(), nil, DefaultTimeout)
	if priv || timedOut {
		t.Fatalf("privileged=%v timedOut=%v, want false,false", priv, timedOut)
	}
}

func TestProbeTimeoutYieldsUnprivilegedWithTimeoutFlag(t *testing.T) {
	old := sudoPath
	defer func() { sudoPath = old }()
	sudoPath = fakeSudo(t, "sleep 5\n")

	priv, timedOut := Probe(context.Background(), selfIdentity(), nil, 50*time.Millisecond)
	if priv {
		t.Fatalf("privileged=true on timeout, want false")
	}
	if !timedOut {
		t.Fatalf("timedOut=false, want true")
	}
}
