package wire

import (
	"encoding/binary"
	"fmt"
)

// Bootstrap flag bits (header byte 12).
const (
	BootstrapFlagVerbose    = 1 << 0
	BootstrapFlagPrivileged = 1 << 1
)

const bootstrapHeaderSize = 13

// Bootstrap is the one-shot binary message written to the bridge's stdin.
// It never touches the filesystem and is never re-read by the broker.
type Bootstrap struct {
	UID       uint32
	GID       uint32
	Verbose   bool
	Privilege bool
	SessionID string
	Username  string
	MOTD      string
}

// Encode renders the bootstrap message per spec §6: 13-byte header, then
// three length-prefixed strings (session_id, username, motd).
func (b *Bootstrap) Encode() ([]byte, error) {
	if len(b.SessionID) > MaxSessionID {
		return nil, fmt.Errorf("wire.Bootstrap.Encode: session_id too long (%d)", len(b.SessionID))
	}
	if len(b.Username) > MaxUsername {
		return nil, fmt.Errorf("wire.Bootstrap.Encode: username too long (%d)", len(b.Username))
	}
	if len(b.MOTD) > MaxMOTD {
		return nil, fmt.Errorf("wire.Bootstrap.Encode: motd too long (%d)", len(b.MOTD))
	}

	var flags byte
	if b.Verbose {
		flags |= BootstrapFlagVerbose
	}
	if b.Privilege {
		flags |= BootstrapFlagPrivileged
	}

	out := make([]byte, bootstrapHeaderSize, bootstrapHeaderSize+16+len(b.SessionID)+len(b.Username)+len(b.MOTD))
	out[0], out[1], out[2] = magic0, magic1, magic2
	out[3] = Version
	binary.BigEndian.PutUint32(out[4:8], b.UID)
	binary.BigEndian.PutUint32(out[8:12], b.GID)
	out[12] = flags

	out = appendField(out, b.SessionID)
	out = appendField(out, b.Username)
	out = appendField(out, b.MOTD)
	return out, nil
}

func appendField(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}
