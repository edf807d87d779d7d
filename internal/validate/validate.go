// Package validate implements the broker's input predicates (spec §4.2, C2).
//
// Each predicate is a pure accept/reject function. Callers are expected to
// log which specific predicate rejected a request (for diagnostics) while
// returning only a generic message to the peer (spec §7 — "the specific
// predicate that failed is logged but not transmitted").
package validate

import (
	"strings"
)

const (
	maxSessionID = 64
	maxLocale    = 64

	envModeProduction  = "production"
	envModeDevelopment = "development"
)

// SessionID reports whether s is a valid session identifier: non-empty,
// at most 64 bytes, characters in [A-Za-z0-9_-].
func SessionID(s string) bool {
	if len(s) == 0 || len(s) > maxSessionID {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isSessionIDByte(s[i]) {
			return false
		}
	}
	return true
}

func isSessionIDByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	default:
		return false
	}
}

// Locale reports whether s is a valid locale string: at most 64 bytes,
// characters in [A-Za-z0-9_.@-]. Empty is accepted (defaults applied
// upstream).
func Locale(s string) bool {
	if len(s) > maxLocale {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '@' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Term reports whether s contains only characters in [A-Za-z0-9-].
func Term(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// EnvMode reports whether s is "production", "development", or empty
// (which the caller should default to "production").
func EnvMode(s string) bool {
	return s == "" || s == envModeProduction || s == envModeDevelopment
}

// NormalizeEnvMode returns s, defaulting empty to "production". Callers
// must have already confirmed EnvMode(s) is true.
func NormalizeEnvMode(s string) string {
	if s == "" {
		return envModeProduction
	}
	return s
}

// SocketPathForUID reports whether p is an acceptable externally supplied
// socket path for the given uid: absolute, ends in ".sock", lies strictly
// under /run/linuxio/<uid>/, and contains no "..", ".", or "//" path
// components. This predicate is only used when a path is consumed from
// outside the broker rather than generated by runtimedir.
func SocketPathForUID(p string, uid uint32, base func(uint32) string) bool {
	if !strings.HasPrefix(p, "/") || !strings.HasSuffix(p, ".sock") {
		return false
	}
	prefix := base(uid)
	if !strings.HasPrefix(p, prefix) || len(p) <= len(prefix) {
		return false
	}
	rest := p[len(prefix):]
	for _, part := range strings.Split(rest, "/") {
		switch part {
		case "", ".", "..":
			return false
		}
	}
	if strings.Contains(p, "//") {
		return false
	}
	return true
}
