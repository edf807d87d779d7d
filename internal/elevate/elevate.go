// Package elevate implements the elevation prober (spec §4.5, C5): it
// answers "may this user become root" by running the host elevation tool
// in validate-only mode as the target user, feeding the just-verified
// password on stdin, and discarding any resulting ticket immediately.
//
// Command sequence grounded on original_source's user_has_sudo(): a
// no-password probe ("sudo -n -v") first, falling back to a
// password-fed probe ("sudo -S -p '' -v") only if the no-password probe
// fails, followed, whenever a probe succeeds, by "sudo -k" to drop any
// ticket the probe itself created.
package elevate

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/linuxio/linuxio-auth/internal/secret"
)

// sudoPath is a var (not const) so tests can point it at a fake script.
var sudoPath = "/usr/bin/sudo"

const (
	// MinTimeout and MaxTimeout bound LINUXIO_SUDO_TIMEOUT_PASSWORD (spec §6).
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 30 * time.Second
	DefaultTimeout = 4 * time.Second
)

// Identity is the minimal set of fields the prober needs to drop privilege
// to the target user before exec'ing sudo.
type Identity struct {
	UID        uint32
	GID        uint32
	Groups     []uint32
	HomeDir    string
}

// Probe runs the elevation probe and reports whether the user may become
// root. Spec §4.5 is explicit that the caller is never told *why* a probe
// failed or succeeded (no-password vs password-verified, timeout vs
// explicit denial are all collapsed to "unprivileged"). timedOut is
// reported alongside only for instrumentation: internal/broker counts it
// in a metric and carries on in unprivileged mode, never as an error.
func Probe(ctx context.Context, id Identity, pw *secret.Buffer, timeout time.Duration) (privileged bool, timedOut bool) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if runProbe(pctx, id, nil, "-n", "-v") == nil {
		dropTicket(context.Background(), id)
		return true, false
	}
	if pctx.Err() != nil {
		return false, errors.Is(pctx.Err(), context.DeadlineExceeded)
	}

	err := runProbe(pctx, id, pw, "-S", "-p", "", "-v")
	timedOut = errors.Is(pctx.Err(), context.DeadlineExceeded)
	if err == nil {
		dropTicket(context.Background(), id)
		return true, timedOut
	}
	return false, timedOut
}

func runProbe(ctx context.Context, id Identity, pw *secret.Buffer, args ...string) error {
	cmd := exec.CommandContext(ctx, sudoPath, args...)
	cmd.Env = minimalEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    id.UID,
			Gid:    id.GID,
			Groups: nil, // empty supplementary groups for the probe, per spec §4.5
		},
	}
	if pw != nil {
		var stdin []byte
		pw.Use(func(p []byte) {
			stdin = append(stdin, p...)
			stdin = append(stdin, '\n')
		})
		cmd.Stdin = newOnceReader(stdin)
	}
	return cmd.Run()
}

// dropTicket issues "sudo -k" as the target user. Errors are intentionally
// discarded: failing to drop a ticket must never surface as a probe
// failure, and there is nothing actionable to do about it besides log it
// (left to the caller, who has the logger).
func dropTicket(ctx context.Context, id Identity) {
	cmd := exec.CommandContext(ctx, sudoPath, "-k")
	cmd.Env = minimalEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: id.UID, Gid: id.GID},
	}
	_ = cmd.Run()
}

func minimalEnv() []string {
	return []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin"}
}

// onceReader hands back a fixed byte slice exactly once, then EOF. Used so
// the password is never copied into a long-lived bytes.Reader held by the
// exec machinery longer than necessary.
type onceReader struct {
	data []byte
	done bool
}

func newOnceReader(data []byte) *onceReader { return &onceReader{data: data} }

func (r *onceReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	if n < len(r.data) {
		r.data = r.data[n:]
		return n, nil
	}
	r.done = true
	for i := range r.data {
		r.data[i] = 0
	}
	return n, nil
}
