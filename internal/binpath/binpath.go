// Package binpath implements the broker's binary validator (spec §4.3, C3).
//
// The target executable is opened once, by path, with anti-symlink,
// path-reference-only, close-on-exec flags. Every check after that point —
// ownership, mode, parent-directory policy — is performed against the
// resulting handle, never by re-opening the original path string. This is
// what eliminates the TOCTOU window between validation and exec (spec §9
// "TOCTOU across path-based re-opens").
package binpath

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Handle is the sole reference to a validated binary used for the rest of
// the process's lifetime. The underlying fd is O_PATH|O_NOFOLLOW|O_CLOEXEC.
type Handle struct {
	f *os.File
}

// Close releases the underlying file descriptor. Safe to call once;
// broker.Handle defers it, so it runs after the bridge has been reaped or
// the launch has failed.
func (h *Handle) Close() error {
	return h.f.Close()
}

// File returns the underlying *os.File. The launcher names the exec target
// through ExecPath only; the descriptor itself is not placed in the
// child's descriptor table.
func (h *Handle) File() *os.File { return h.f }

// ExecPath returns the magic procfs symlink naming this handle's fd. The
// kernel resolves this directly against the retained struct file, not by a
// fresh path walk, so executing it is equivalent to (and the sanctioned
// fallback for, per spec §4.8 and §9) an fd-based exec — see SPEC_FULL.md
// §1.1 for why this repository uses the fallback rather than a raw
// execveat(2) call.
func (h *Handle) ExecPath() string {
	return fmt.Sprintf("/proc/self/fd/%d", int(h.f.Fd()))
}

// Validate opens path and enforces spec §4.3's ownership/mode/parent-
// directory policy. requiredOwner is checked in caller-supplied preference
// order: the privileged case passes only {0}; the unprivileged case passes
// {invokingUID, 0} so a user-owned binary is accepted ahead of falling back
// to root-owned.
func Validate(path string, requiredOwners []uint32, invokingUID uint32) (*Handle, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("binpath.Validate: open %q: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("binpath.Validate: fstat %q: %w", path, err)
	}

	if err := checkFileStat(&st, requiredOwners); err != nil {
		f.Close()
		return nil, fmt.Errorf("binpath.Validate: %q: %w", path, err)
	}

	if err := checkParentPolicy(fd, st.Uid, invokingUID); err != nil {
		f.Close()
		return nil, fmt.Errorf("binpath.Validate: parent of %q: %w", path, err)
	}

	return &Handle{f: f}, nil
}

func checkFileStat(st *unix.Stat_t, requiredOwners []uint32) error {
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("not a regular file")
	}
	if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		return fmt.Errorf("group- or world-writable")
	}
	if st.Mode&(unix.S_ISUID|unix.S_ISGID) != 0 {
		return fmt.Errorf("setuid or setgid bit set")
	}
	if st.Mode&0111 == 0 {
		return fmt.Errorf("no executable bit set")
	}
	ownerOK := false
	for _, o := range requiredOwners {
		if st.Uid == o {
			ownerOK = true
			break
		}
	}
	if !ownerOK {
		return fmt.Errorf("owner uid %d not in allowed set %v", st.Uid, requiredOwners)
	}
	return nil
}

// checkParentPolicy resolves the file's parent directory without trusting
// the original path string for anything but naming a fresh, no-follow
// open: it reads the magic /proc/self/fd/<fd> symlink to obtain the
// kernel-resolved path, takes its directory, and opens and fstats that
// freshly.
func checkParentPolicy(fileFD int, fileOwner, invokingUID uint32) error {
	resolved, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fileFD))
	if err != nil {
		return fmt.Errorf("resolve fd path: %w", err)
	}
	parentDir := filepath.Dir(resolved)

	pfd, err := unix.Open(parentDir, unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open parent %q: %w", parentDir, err)
	}
	defer unix.Close(pfd)

	var pst unix.Stat_t
	if err := unix.Fstat(pfd, &pst); err != nil {
		return fmt.Errorf("fstat parent %q: %w", parentDir, err)
	}

	if pst.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		return fmt.Errorf("parent %q is group- or world-writable", parentDir)
	}

	switch fileOwner {
	case 0:
		if pst.Uid != 0 {
			return fmt.Errorf("root-owned binary has non-root parent %q (owner %d)", parentDir, pst.Uid)
		}
	case invokingUID:
		if pst.Uid != invokingUID {
			return fmt.Errorf("user-owned binary has parent %q not owned by invoking user (owner %d)", parentDir, pst.Uid)
		}
	default:
		return fmt.Errorf("binary owner %d is neither root nor the invoking user", fileOwner)
	}
	return nil
}
