// Package runtimedir manages the per-user ephemeral directory tree under
// /run/linuxio (spec §4.6, C6). Every operation goes through directory file
// descriptors obtained via openat/mkdirat, never by string path, so that a
// symlink race cannot substitute a different directory mid-repair.
package runtimedir

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// Base is the fixed parent of the linuxio runtime tree.
	Base = "/run"

	baseDirName    = "linuxio"
	baseDirMode    = 0o755
	userDirMode    = 0o2710 // setgid, user rwx, group x
)

// Ensure creates (if missing) and repairs (if present but wrong) the
// /run/linuxio base directory and the per-uid directory beneath it,
// converging to spec §3's invariants regardless of which of several
// concurrent invocations got there first. socketGID is the dedicated
// socket group's gid.
func Ensure(uid, socketGID uint32) (err error) {
	oldMask := unix.Umask(0)
	defer unix.Umask(oldMask)

	runFD, err := unix.Open(Base, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("runtimedir.Ensure: open %s: %w", Base, err)
	}
	defer unix.Close(runFD)

	baseFD, err := ensureDir(runFD, baseDirName, baseDirMode, 0, socketGID)
	if err != nil {
		return fmt.Errorf("runtimedir.Ensure: base dir: %w", err)
	}
	defer unix.Close(baseFD)

	uidName := fmt.Sprintf("%d", uid)
	userFD, err := ensureDir(baseFD, uidName, userDirMode, uid, socketGID)
	if err != nil {
		return fmt.Errorf("runtimedir.Ensure: user dir: %w", err)
	}
	defer unix.Close(userFD)

	return nil
}

// Path returns the conventional path for uid's runtime directory. Used
// only for presentation (logging, bootstrap payloads) — never re-opened by
// path for anything security-relevant.
func Path(uid uint32) string {
	return fmt.Sprintf("%s/%s/%d", Base, baseDirName, uid)
}

// ensureDir creates name under parentFD (ignoring EEXIST), re-opens it with
// O_NOFOLLOW, verifies it is a directory, and idempotently repairs its
// owner/group/mode to the desired values.
func ensureDir(parentFD int, name string, mode uint32, owner, group uint32) (int, error) {
	if err := unix.Mkdirat(parentFD, name, mode); err != nil && err != unix.EEXIST {
		return -1, fmt.Errorf("mkdirat %s: %w", name, err)
	}

	fd, err := unix.Openat(parentFD, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("openat %s: %w", name, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fstat %s: %w", name, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		unix.Close(fd)
		return -1, fmt.Errorf("%s is not a directory", name)
	}
	if st.Mode&unix.S_IWOTH != 0 {
		// World-writable is never acceptable regardless of repair target;
		// refuse rather than silently chmod something that may have been
		// tampered with.
		unix.Close(fd)
		return -1, fmt.Errorf("%s is world-writable, refusing to repair", name)
	}

	if st.Uid != owner || st.Gid != group {
		if err := unix.Fchown(fd, int(owner), int(group)); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("fchown %s: %w", name, err)
		}
	}
	if st.Mode&0o7777 != mode {
		if err := unix.Fchmod(fd, mode); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("fchmod %s: %w", name, err)
		}
	}

	return fd, nil
}
