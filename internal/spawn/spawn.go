// Package spawn implements privilege transition and process launch (spec
// §4.7/§4.8, C7+C8). original_source forks twice — a "nanny" that opens
// the PAM session and reaps the bridge, then a second fork that drops
// privilege and execs. Go cannot safely fork without exec in between, so
// this package collapses both forks into a single exec.Cmd: privilege
// drop is expressed as syscall.SysProcAttr.Credential (the Go runtime
// performs the audited setgroups→setresgid→setresuid sequence itself,
// between its own fork and exec, which is exactly the ordering
// original_source's bridge child follows by hand), and the "nanny" role —
// waiting for a confirmed exec, then reaping the child — is played by
// this process directly rather than by a second forked parent.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/linuxio/linuxio-auth/internal/binpath"
	"github.com/linuxio/linuxio-auth/internal/config"
	"github.com/linuxio/linuxio-auth/internal/fdplan"
)

// Identity is the privilege target for the bridge process: either uid 0
// (Privileged) or a specific user (Privileged=false).
type Identity struct {
	UID         uint32
	GID         uint32
	Groups      []uint32
	HomeDir     string
	Username    string
	Privileged  bool
}

// Outcome reports how the launch concluded.
type Outcome struct {
	// ExecConfirmed is true once the bridge process has successfully
	// exec'd (confirmed via exec.Cmd.Start's own close-on-exec error
	// pipe — a Start() that returns nil means the child's exec already
	// succeeded).
	ExecConfirmed bool

	// ExitCode is the bridge's exit status once Wait returns. -1 until
	// then.
	ExitCode int

	// Signaled is true if the bridge was terminated by a signal (either
	// its own fault or the SIGKILL Wait sends when its ctx is cancelled).
	Signaled bool
	Signal   syscall.Signal
}

// env builds the bridge's environment exactly as original_source's
// bridge child does: cleared, then a minimal fixed set appropriate to
// the privilege mode.
func env(id Identity) []string {
	base := []string{
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		"LANG=C",
		"LC_ALL=C",
	}
	if id.Privileged {
		return append(base, "HOME=/root", "USER=root", "LOGNAME=root")
	}
	return append(base,
		fmt.Sprintf("HOME=%s", id.HomeDir),
		fmt.Sprintf("USER=%s", id.Username),
		fmt.Sprintf("LOGNAME=%s", id.Username),
		fmt.Sprintf("XDG_RUNTIME_DIR=/run/user/%d", id.UID),
	)
}

// credential builds the exec.Cmd credential for id. Privileged mode
// still passes an explicit all-zero credential rather than leaving
// Credential nil, so the drop sequence (setgroups([]), then
// setresgid/setresuid to 0) runs even when remaining root — matching
// original_source's explicit setgroups(0,NULL) in the privileged branch,
// which exists to shed any supplementary groups the broker process
// itself held.
func credential(id Identity) *syscall.Credential {
	if id.Privileged {
		return &syscall.Credential{Uid: 0, Gid: 0, Groups: []uint32{}}
	}
	return &syscall.Credential{Uid: id.UID, Gid: id.GID, Groups: id.Groups}
}

// applyRlimits sets RLIMIT_CPU/NOFILE/NPROC/AS on the calling process.
// exec.Cmd has no pre-exec hook for arbitrary syscalls (Go's runtime
// forbids running Go code in a forked child before exec), so this is
// called on the broker itself immediately before cmd.Start: rlimits are
// inherited across fork+exec like any other process property, so setting
// them here bounds the bridge child exactly as if it had set them on
// itself. The broker process exits right after, so its own limits being
// lowered is inconsequential.
func applyRlimits(cfg config.SpawnConfig) error {
	limits := []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_CPU, cfg.RlimitCPUSeconds},
		{unix.RLIMIT_NOFILE, cfg.RlimitNofile},
		{unix.RLIMIT_NPROC, cfg.RlimitNproc},
		{unix.RLIMIT_AS, cfg.RlimitASBytes},
	}
	for _, l := range limits {
		rl := unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Setrlimit(l.resource, &rl); err != nil {
			return fmt.Errorf("spawn.applyRlimits: setrlimit(%d, %d): %w", l.resource, l.value, err)
		}
	}
	return nil
}

// Process is a confirmed-exec'd bridge: Start has returned successfully,
// but the process may still be running for as long as the bridge's own
// session lasts. Wait is the only further operation.
type Process struct {
	cmd *exec.Cmd
}

// Start validates the caller's fixed fd-plan, constructs the exec.Cmd for the
// validated bridge binary (exec'd by /proc/self/fd/<n> handle, per
// binpath's TOCTOU-free fallback), applies the privilege-drop credential
// and sanitized environment, and confirms the exec within cfg.StartTimeout
// — the §5 "exec-confirmation select" suspension point. It returns as soon
// as the exec is confirmed (or definitively fails); it never waits for the
// bridge to exit, so the caller can send its success response immediately
// on return, strictly before the bridge starts its own protocol on the
// client connection (§5 "ordering guarantees").
func Start(ctx context.Context, cfg config.SpawnConfig, bin *binpath.Handle, id Identity, plan *fdplan.Plan, argv0 string) (*Process, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("spawn.Start: %w", err)
	}

	cmd := exec.Command(bin.ExecPath(), argv0)
	cmd.Env = env(id)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: credential(id),
		Setsid:     true,
	}

	stdin, stdout, stderr := plan.StdFiles()
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = plan.ExtraFiles()

	if err := applyRlimits(cfg); err != nil {
		return nil, fmt.Errorf("spawn.Start: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	startErr := make(chan error, 1)
	go func() { startErr <- cmd.Start() }()

	select {
	case err := <-startErr:
		if err != nil {
			return nil, fmt.Errorf("spawn.Start: start: %w", err)
		}
		// cmd.Start returning nil means the child's execve has already
		// succeeded — Go's forkExec implementation reports any exec
		// failure back through its own close-on-exec pipe before Start
		// returns.
		return &Process{cmd: cmd}, nil
	case <-startCtx.Done():
		return nil, fmt.Errorf("spawn.Start: bridge did not confirm exec within %s", cfg.StartTimeout)
	}
}

// Wait blocks unboundedly until the bridge exits — the §5 "final waitpid
// on the bridge, unbounded: the broker's lifetime equals the bridge's".
// It is only interrupted by ctx being cancelled (broker shutdown), never
// by a timeout, in which case the bridge is killed with SIGKILL.
func (p *Process) Wait(ctx context.Context) *Outcome {
	outcome := &Outcome{ExecConfirmed: true, ExitCode: -1}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		fillExitStatus(outcome, err)
	case <-ctx.Done():
		_ = p.cmd.Process.Signal(unix.SIGKILL)
		<-done
		outcome.Signaled = true
		outcome.Signal = syscall.SIGKILL
	}
	return outcome
}

func fillExitStatus(o *Outcome, waitErr error) {
	if waitErr == nil {
		o.ExitCode = 0
		return
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		o.ExitCode = 1
		return
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		o.ExitCode = 1
		return
	}
	if status.Signaled() {
		o.Signaled = true
		o.Signal = status.Signal()
		o.ExitCode = 128 + int(status.Signal())
		return
	}
	o.ExitCode = status.ExitStatus()
}

// NewBootstrapPipe returns a pipe with its read end destined for
// SlotBootstrap and its write end retained by the broker to deliver the
// bootstrap payload; broker.Handle writes it before calling Start and the
// pipe buffer holds it until the bridge reads. The write end must never
// itself be inherited by the bridge — os.Pipe already sets O_CLOEXEC on
// both descriptors by default via ForkLock.
func NewBootstrapPipe() (read, write *os.File, err error) {
	read, write, err = os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("spawn.NewBootstrapPipe: %w", err)
	}
	return read, write, nil
}
