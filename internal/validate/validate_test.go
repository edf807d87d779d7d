package validate

import (
	"fmt"
	"strings"
	"testing"
)

func TestSessionID(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"abc123_-XYZ", true},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
		{"has space", false},
		{"has/slash", false},
		{"semi;colon", false},
	}
	for _, c := range cases {
		if got := SessionID(c.in); got != c.want {
			t.Errorf("SessionID(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLocale(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"en_US.UTF-8", true},
		{"C@posix", true},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
		{"en US", false},
	}
	for _, c := range cases {
		if got := Locale(c.in); got != c.want {
			t.Errorf("Locale(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestTerm(t *testing.T) {
	if !Term("xterm-256color") {
		t.Fatal("expected xterm-256color to be valid")
	}
	if Term("xterm/256color") {
		t.Fatal("expected slash to be invalid")
	}
	if !Term("") {
		t.Fatal("empty string should trivially satisfy Term")
	}
}

func TestEnvMode(t *testing.T) {
	for _, s := range []string{"", "production", "development"} {
		if !EnvMode(s) {
			t.Errorf("EnvMode(%q) = false, want true", s)
		}
	}
	if EnvMode("staging") {
		t.Fatal("expected EnvMode(\"staging\") = false")
	}
}

func TestNormalizeEnvMode(t *testing.T) {
	if got := NormalizeEnvMode(""); got != "production" {
		t.Fatalf("NormalizeEnvMode(\"\") = %q, want production", got)
	}
	if got := NormalizeEnvMode("development"); got != "development" {
		t.Fatalf("NormalizeEnvMode(\"development\") = %q, want development", got)
	}
}

func TestSocketPathForUID(t *testing.T) {
	base := func(uid uint32) string { return fmt.Sprintf("/run/linuxio/%d/", uid) }

	cases := []struct {
		path string
		uid  uint32
		want bool
	}{
		{"/run/linuxio/1000/session.sock", 1000, true},
		{"/run/linuxio/1000/../1001/session.sock", 1000, false},
		{"/run/linuxio/1000/./session.sock", 1000, false},
		{"/run/linuxio/1000/", 1000, false},
		{"/run/linuxio/2000/session.sock", 1000, false},
		{"run/linuxio/1000/session.sock", 1000, false},
		{"/run/linuxio/1000/session.txt", 1000, false},
		{"/run/linuxio/1000//session.sock", 1000, false},
	}
	for _, c := range cases {
		if got := SocketPathForUID(c.path, c.uid, base); got != c.want {
			t.Errorf("SocketPathForUID(%q, %d) = %v, want %v", c.path, c.uid, got, c.want)
		}
	}
}
