// Package peer implements the peer gatekeeper (spec §4.9, C9): it reads
// the connecting process's credentials off the Unix-domain socket via
// SO_PEERCRED and authorizes the connection before a single byte of the
// wire protocol is parsed. Grounded on the SO_PEERCRED pattern the pack
// shows for resolving a peer's identity from a socket fd.
package peer

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Credentials is the peer identity read from the kernel, never from
// anything the peer itself supplied.
type Credentials struct {
	PID uint32
	UID uint32
	GID uint32
}

// Identify reads SO_PEERCRED off fd, the Unix-domain socket backing the
// connection.
func Identify(fd int) (Credentials, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return Credentials{}, fmt.Errorf("peer.Identify: SO_PEERCRED: %w", err)
	}
	return Credentials{
		PID: uint32(ucred.Pid),
		UID: uint32(ucred.Uid),
		GID: uint32(ucred.Gid),
	}, nil
}

// Authorize reports whether creds may use the broker: uid 0, the dedicated
// socket group's gid (primary or supplementary — spec §4.9(c)/§6: "membership
// in this group is the authoritative policy for who may connect"), or (if
// configured) membership in allowedGroupName. allowedGroupName may be empty
// to disable that extra check.
func Authorize(creds Credentials, socketGID uint32, allowedGroupName string) (bool, error) {
	if creds.UID == 0 {
		return true, nil
	}
	if creds.GID == socketGID {
		return true, nil
	}

	u, err := user.LookupId(strconv.FormatUint(uint64(creds.UID), 10))
	if err != nil {
		return false, fmt.Errorf("peer.Authorize: lookup uid %d: %w", creds.UID, err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return false, fmt.Errorf("peer.Authorize: group membership for uid %d: %w", creds.UID, err)
	}

	wantSocketGID := strconv.FormatUint(uint64(socketGID), 10)
	for _, gid := range groupIDs {
		if gid == wantSocketGID {
			return true, nil
		}
	}

	if allowedGroupName == "" {
		return false, nil
	}
	wantGroup, err := user.LookupGroup(allowedGroupName)
	if err != nil {
		return false, fmt.Errorf("peer.Authorize: lookup group %q: %w", allowedGroupName, err)
	}
	for _, gid := range groupIDs {
		if gid == wantGroup.Gid {
			return true, nil
		}
	}
	return false, nil
}
