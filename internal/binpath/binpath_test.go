package binpath

import (
	"os"
	"path/filepath"
	"testing"
)

func writeExec(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestValidateAcceptsSelfOwnedExecutable(t *testing.T) {
	dir := t.TempDir()
	path := writeExec(t, dir, "bridge", 0o755)

	uid := uint32(os.Getuid())
	h, err := Validate(path, []uint32{uid}, uid)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	defer h.Close()

	if h.ExecPath() == "" {
		t.Fatal("ExecPath returned empty string")
	}
}

func TestValidateRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := writeExec(t, dir, "bridge", 0o644)

	uid := uint32(os.Getuid())
	if _, err := Validate(path, []uint32{uid}, uid); err == nil {
		t.Fatal("expected error for non-executable file")
	}
}

func TestValidateRejectsWorldWritable(t *testing.T) {
	dir := t.TempDir()
	path := writeExec(t, dir, "bridge", 0o757)

	uid := uint32(os.Getuid())
	if _, err := Validate(path, []uint32{uid}, uid); err == nil {
		t.Fatal("expected error for world-writable file")
	}
}

func TestValidateRejectsSetuidBit(t *testing.T) {
	dir := t.TempDir()
	path := writeExec(t, dir, "bridge", 0o4755)

	uid := uint32(os.Getuid())
	if _, err := Validate(path, []uint32{uid}, uid); err == nil {
		t.Fatal("expected error for setuid binary")
	}
}

func TestValidateRejectsDisallowedOwner(t *testing.T) {
	dir := t.TempDir()
	path := writeExec(t, dir, "bridge", 0o755)

	if _, err := Validate(path, []uint32{uint32(os.Getuid()) + 99999}, uint32(os.Getuid())); err == nil {
		t.Fatal("expected error for owner outside the allowed set")
	}
}

func TestValidateRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := writeExec(t, dir, "bridge-real", 0o755)
	link := filepath.Join(dir, "bridge-link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	uid := uint32(os.Getuid())
	if _, err := Validate(link, []uint32{uid}, uid); err == nil {
		t.Fatal("expected error for symlinked path (O_NOFOLLOW)")
	}
}

func TestValidateRejectsMissingFile(t *testing.T) {
	uid := uint32(os.Getuid())
	if _, err := Validate(filepath.Join(t.TempDir(), "nonexistent"), []uint32{uid}, uid); err == nil {
		t.Fatal("expected error for missing file")
	}
}
