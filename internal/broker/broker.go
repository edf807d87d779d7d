// Package broker implements the supervisor (spec §4.10, C10): the single
// linear pipeline that turns one accepted connection into one disposition,
// wiring together every other component in the exact order spec §2
// mandates — C9 → C1 → C2 → C4 → C5 → C3 → C6 → C7/C8 → C1 (response) →
// C10. It is the only package that imports all the others.
package broker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/linuxio/linuxio-auth/internal/audit"
	"github.com/linuxio/linuxio-auth/internal/binpath"
	"github.com/linuxio/linuxio-auth/internal/config"
	"github.com/linuxio/linuxio-auth/internal/elevate"
	"github.com/linuxio/linuxio-auth/internal/fdplan"
	"github.com/linuxio/linuxio-auth/internal/hostauth"
	"github.com/linuxio/linuxio-auth/internal/observability"
	"github.com/linuxio/linuxio-auth/internal/peer"
	"github.com/linuxio/linuxio-auth/internal/phase"
	"github.com/linuxio/linuxio-auth/internal/ratelimit"
	"github.com/linuxio/linuxio-auth/internal/runtimedir"
	"github.com/linuxio/linuxio-auth/internal/secret"
	"github.com/linuxio/linuxio-auth/internal/spawn"
	"github.com/linuxio/linuxio-auth/internal/validate"
	"github.com/linuxio/linuxio-auth/internal/wire"
)

// Deps bundles the long-lived collaborators the broker needs for every
// request — constructed once by cmd/linuxio-auth/main.go and passed down,
// since the broker itself never opens its own database or logger.
type Deps struct {
	Logger    *zap.Logger
	Config    *config.Config
	Ledger    *audit.Ledger
	Limiter   *ratelimit.Limiter
	Metrics   *observability.Metrics
	SocketGID uint32
}

// Result reports how the request concluded, letting the caller translate
// it into the process exit code spec §6 requires: the bridge's own exit
// status when it exited normally, 128+signal on a signalled bridge, 1 for
// any per-request failure that never reached a confirmed exec.
type Result struct {
	// BridgeExecuted is true only once spawn.Start confirmed the bridge's
	// exec; false for every rejection or failure upstream of C7/C8.
	BridgeExecuted bool
	ExitCode       int
	Signaled       bool
	Signal         syscall.Signal
}

// unixConnFD extracts the raw fd backing a *net.UnixConn, for SO_PEERCRED
// and for handing the descriptor itself to the bridge child.
func unixConnFD(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("broker: SyscallConn: %w", err)
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, fmt.Errorf("broker: Control: %w", err)
	}
	return fd, nil
}

// Handle runs the full pipeline for one accepted connection. It never
// returns an error for a disposition the peer is meant to learn about
// (those are written back as a wire.Response, and reflected in the
// returned Result as BridgeExecuted=false) — the returned error is
// reserved for conditions the caller must treat as its own internal
// failure, distinct from any per-request disposition.
func Handle(ctx context.Context, conn *net.UnixConn, deps Deps) (*Result, error) {
	tr := phase.New()
	log := deps.Logger
	var disposition audit.Disposition = audit.DispositionInternalError
	var reqUID uint32
	var username, sessionID, lastPhase string

	defer func() {
		lastPhase = tr.Current().String()
		deps.Metrics.RequestsTotal.WithLabelValues(string(disposition)).Inc()
		deps.Metrics.SetLastPhase(lastPhase)
		if err := deps.Ledger.Append(audit.Entry{
			UID:         reqUID,
			Username:    username,
			SessionID:   sessionID,
			Disposition: disposition,
			LastPhase:   lastPhase,
		}); err != nil {
			log.Error("audit append failed", zap.Error(err))
		}
	}()

	fd, err := unixConnFD(conn)
	if err != nil {
		return nil, fmt.Errorf("broker.Handle: %w", err)
	}

	creds, err := peer.Identify(fd)
	if err != nil {
		disposition = audit.DispositionPeerRejected
		return nil, fmt.Errorf("broker.Handle: %w", err)
	}
	authorized, err := peer.Authorize(creds, deps.SocketGID, deps.Config.Peer.AllowedGroupName)
	if err != nil {
		log.Warn("peer authorization check failed", zap.Error(err))
	}
	if !authorized {
		disposition = audit.DispositionPeerRejected
		writeAndLog(conn, wire.Err("unauthorized peer"), log)
		return &Result{}, nil
	}
	tr.Advance(phase.PeerVerified)

	req, err := wire.ReadRequest(conn)
	if err != nil {
		disposition = audit.DispositionBadRequest
		writeAndLog(conn, wire.Err("malformed request"), log)
		return &Result{}, nil
	}
	username = req.Username
	sessionID = req.SessionID
	pw, perr := secret.New(req.Password)
	for i := range req.Password {
		req.Password[i] = 0
	}
	if perr != nil {
		log.Warn("password buffer mlock failed, continuing without lock guarantee", zap.Error(perr))
	}
	defer pw.Release()

	if !validate.SessionID(req.SessionID) {
		disposition = audit.DispositionBadRequest
		writeAndLog(conn, wire.Err("invalid session id"), log)
		return &Result{}, nil
	}
	tr.Advance(phase.RequestParsed)

	u, err := user.Lookup(req.Username)
	if err != nil {
		disposition = audit.DispositionAuthFailed
		writeAndLog(conn, wire.Err("authentication failed"), log)
		return &Result{}, nil
	}
	uid64, _ := strconv.ParseUint(u.Uid, 10, 32)
	gid64, _ := strconv.ParseUint(u.Gid, 10, 32)
	reqUID = uint32(uid64)

	allowed, err := deps.Limiter.Allow(reqUID)
	if err != nil {
		return nil, fmt.Errorf("broker.Handle: rate limit: %w", err)
	}
	if !allowed {
		disposition = audit.DispositionRateLimited
		deps.Metrics.RateLimitedTotal.Inc()
		writeAndLog(conn, wire.Err("too many attempts, try again later"), log)
		return &Result{}, nil
	}
	tr.Advance(phase.RateChecked)

	authStart := time.Now()
	hctx, err := hostauth.Open(req.Username, pw)
	if err != nil {
		disposition = audit.DispositionAuthFailed
		writeAndLog(conn, wire.Err("authentication failed"), log)
		return &Result{}, nil
	}
	defer hctx.Close()

	if err := hctx.Authenticate(); err != nil {
		deps.Metrics.AuthenticationLatency.Observe(time.Since(authStart).Seconds())
		disposition = audit.DispositionAuthFailed
		if err == hostauth.ErrPasswordExpired {
			writeAndLog(conn, wire.Err(err.Error()), log)
		} else {
			writeAndLog(conn, wire.Err("authentication failed"), log)
		}
		return &Result{}, nil
	}
	deps.Metrics.AuthenticationLatency.Observe(time.Since(authStart).Seconds())
	_ = deps.Limiter.Reset(reqUID)
	tr.Advance(phase.Authenticated)

	elevateStart := time.Now()
	identity := elevate.Identity{UID: reqUID, GID: uint32(gid64), HomeDir: u.HomeDir}
	privileged, timedOut := elevate.Probe(ctx, identity, pw, deps.Config.Elevate.PasswordTimeout)
	deps.Metrics.ElevationProbeLatency.Observe(time.Since(elevateStart).Seconds())
	if timedOut {
		deps.Metrics.ElevationProbeTimeoutsTotal.Inc()
	}
	tr.Advance(phase.Elevated)
	// The elevation probe is pw's last borrower (spec §9: "the elevation
	// probe borrows it once; after that, release triggers zeroisation").
	// Release eagerly here rather than waiting for the deferred call at
	// the top of Handle, since the bridge session below is unbounded and
	// the buffer must not sit resident for its duration (spec §3/§8).
	pw.Release()

	if err := hctx.OpenSession(); err != nil {
		disposition = audit.DispositionAuthFailed
		writeAndLog(conn, wire.Err("session open failed"), log)
		return &Result{}, nil
	}

	var requiredOwners []uint32
	if privileged {
		requiredOwners = []uint32{0}
	} else {
		requiredOwners = []uint32{reqUID, 0}
	}
	bin, err := binpath.Validate(deps.Config.Spawn.BridgeBinaryPath, requiredOwners, reqUID)
	if err != nil {
		disposition = audit.DispositionBinaryInvalid
		log.Error("bridge binary validation failed", zap.Error(err))
		writeAndLog(conn, wire.Err("internal error"), log)
		return &Result{}, nil
	}
	defer bin.Close()
	tr.Advance(phase.BinaryValidated)

	if err := runtimedir.Ensure(reqUID, deps.SocketGID); err != nil {
		disposition = audit.DispositionInternalError
		log.Error("runtime directory setup failed", zap.Error(err))
		writeAndLog(conn, wire.Err("internal error"), log)
		return &Result{}, nil
	}
	tr.Advance(phase.RuntimeDirReady)

	bootRead, bootWrite, err := spawn.NewBootstrapPipe()
	if err != nil {
		disposition = audit.DispositionSpawnFailed
		writeAndLog(conn, wire.Err("internal error"), log)
		return &Result{}, nil
	}
	// bootRead is owned by the fd-plan below (Plan.CloseAll closes it); only
	// bootWrite needs its own lifetime managed here.

	clientFile, err := conn.File()
	if err != nil {
		disposition = audit.DispositionSpawnFailed
		writeAndLog(conn, wire.Err("internal error"), log)
		return &Result{}, nil
	}
	defer clientFile.Close()

	// Plan.CloseAll closes every slot's *os.File once the child has them,
	// and os.Stderr.Close would close the broker's own fd 2 — so both
	// stderr slots get independent dup'd handles rather than os.Stderr
	// itself.
	stderrDup1, err := dupStderr()
	if err != nil {
		disposition = audit.DispositionSpawnFailed
		writeAndLog(conn, wire.Err("internal error"), log)
		return &Result{}, nil
	}
	stderrDup2, err := dupStderr()
	if err != nil {
		stderrDup1.Close()
		disposition = audit.DispositionSpawnFailed
		writeAndLog(conn, wire.Err("internal error"), log)
		return &Result{}, nil
	}

	var plan fdplan.Plan
	plan.Set(fdplan.SlotBootstrap, bootRead)
	plan.Set(fdplan.SlotStderrDup, stderrDup1)
	plan.Set(fdplan.SlotStderr, stderrDup2)
	plan.Set(fdplan.SlotClientConn, clientFile)
	defer plan.CloseAll()

	spawnID := spawn.Identity{
		UID:        reqUID,
		GID:        uint32(gid64),
		HomeDir:    u.HomeDir,
		Username:   req.Username,
		Privileged: privileged,
	}

	// The bootstrap message must be queued into the pipe before Start is
	// called: the bridge's first read on stdin is this message, and Start
	// only confirms the exec — it does not wait for the bridge to consume
	// anything.
	boot := &wire.Bootstrap{
		UID:       reqUID,
		GID:       uint32(gid64),
		Verbose:   req.Verbose,
		Privilege: privileged,
		SessionID: req.SessionID,
		Username:  req.Username,
		MOTD:      hctx.MOTD(),
	}
	bootBytes, err := boot.Encode()
	if err != nil {
		disposition = audit.DispositionInternalError
		log.Error("bootstrap encode failed", zap.Error(err))
		writeAndLog(conn, wire.Err("internal error"), log)
		return &Result{}, nil
	}
	if _, err := bootWrite.Write(bootBytes); err != nil {
		log.Warn("bootstrap pipe write failed", zap.Error(err))
	}
	bootWrite.Close()

	spawnStart := time.Now()
	proc, err := spawn.Start(ctx, deps.Config.Spawn, bin, spawnID, &plan, "linuxio-bridge")
	if err != nil {
		deps.Metrics.SpawnFailuresTotal.Inc()
		disposition = audit.DispositionSpawnFailed
		writeAndLog(conn, wire.Err("failed to start bridge"), log)
		return &Result{}, nil
	}
	tr.Advance(phase.Spawned)
	tr.Advance(phase.ExecConfirmed)
	deps.Metrics.ExecConfirmationLatency.Observe(time.Since(spawnStart).Seconds())

	mode := byte(wire.ModeUnprivileged)
	if privileged {
		mode = wire.ModePrivileged
	}

	// The success response must be written strictly after exec confirmation
	// and strictly before the bridge begins its own protocol on the client
	// connection (spec §5/§7/§8 ordering guarantees) — so it is sent here,
	// before the unbounded wait below, not after it.
	if err := wire.WriteResponse(conn, wire.OK(mode, hctx.MOTD())); err != nil {
		log.Warn("failed to write response", zap.Error(err))
	}
	tr.Advance(phase.Responded)

	// The broker's lifetime now equals the bridge's (spec §5: "the final
	// waitpid on the bridge, unbounded").
	outcome := proc.Wait(ctx)

	disposition = audit.DispositionOK
	if outcome.ExitCode != 0 {
		disposition = audit.DispositionSpawnFailed
	}
	tr.Advance(phase.Reaped)
	return &Result{
		BridgeExecuted: true,
		ExitCode:       outcome.ExitCode,
		Signaled:       outcome.Signaled,
		Signal:         outcome.Signal,
	}, nil
}

// dupStderr returns an independent *os.File wrapping a dup of the
// broker's own fd 2, so fdplan's stderr slots can each be closed by
// Plan.CloseAll without affecting the broker's actual stderr.
func dupStderr() (*os.File, error) {
	fd, err := unix.Dup(int(os.Stderr.Fd()))
	if err != nil {
		return nil, fmt.Errorf("broker: dup stderr: %w", err)
	}
	return os.NewFile(uintptr(fd), "stderr-dup"), nil
}

func writeAndLog(conn *net.UnixConn, resp *wire.Response, log *zap.Logger) {
	if err := wire.WriteResponse(conn, resp); err != nil {
		log.Warn("failed to write response", zap.Error(err))
	}
}
