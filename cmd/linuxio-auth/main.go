// Package main — cmd/linuxio-auth/main.go
//
// linuxio-auth entrypoint.
//
// Startup sequence:
//  1. Dumpability disable — PR_SET_DUMPABLE=0, before anything else touches
//     the connection or a secret.
//  2. Root check — abort (exit 126) if not running as effective uid 0.
//  3. TTY check — abort (exit 2) if stdin is a terminal; the broker is only
//     ever handed an already-accepted connection, never a human.
//  4. Load and validate config from /etc/linuxio/linuxio-auth.yaml.
//  5. Initialise structured logger (zap).
//  6. Open the shared bbolt-backed audit ledger and rate limiter.
//  7. Resolve the runtime-dir socket group's gid.
//  8. Wrap stdin (fd 0) as the accepted connection.
//  9. Run the broker pipeline once.
// 10. Translate the result into the process exit code (spec §6) and exit.
//
// linuxio-auth is a single-shot worker: one process handles exactly one
// connection, handed in as stdin/stdout by an external activator, and
// exits. There is no listen loop, no signal-driven shutdown, and no
// hot-reload — a fresh process picks up a fresh config on its next
// invocation.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/linuxio/linuxio-auth/internal/audit"
	"github.com/linuxio/linuxio-auth/internal/broker"
	"github.com/linuxio/linuxio-auth/internal/config"
	"github.com/linuxio/linuxio-auth/internal/observability"
	"github.com/linuxio/linuxio-auth/internal/ratelimit"
)

const defaultConfigPath = "/etc/linuxio/linuxio-auth.yaml"

func main() {
	os.Exit(run())
}

// run contains everything main would otherwise do inline, so tests could
// in principle drive it without os.Exit ever being reached (no test does
// today — every step here needs a live fd 0, real root, and a real PAM
// stack — but the split keeps the exit-code decision in one small,
// reviewable function rather than scattered os.Exit calls).
func run() int {
	// ── Step 1: dumpability ──────────────────────────────────────────────
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to disable dumpability: %v\n", err)
		return 1
	}

	// ── Step 2: root check ───────────────────────────────────────────────
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: linuxio-auth must run with effective uid 0")
		return 126
	}

	// ── Step 3: tty check ────────────────────────────────────────────────
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "FATAL: linuxio-auth must not be invoked from a terminal")
		return 2
	}

	configPath := defaultConfigPath
	if v, ok := os.LookupEnv("LINUXIO_AUTH_CONFIG"); ok {
		configPath = v
	}

	// ── Step 4: config ───────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		return 1
	}

	// ── Step 5: logger ───────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	log.Info("linuxio-auth starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", configPath),
	)

	// ── Step 6: audit ledger + rate limiter ──────────────────────────────
	ledger, err := audit.Open(cfg.Audit.DBPath)
	if err != nil {
		log.Fatal("audit ledger open failed", zap.Error(err), zap.String("path", cfg.Audit.DBPath))
	}
	defer ledger.Close() //nolint:errcheck

	limiter, err := ratelimit.Open(ledger.DB(), cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window)
	if err != nil {
		log.Fatal("rate limiter open failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	defer metrics.Finish()

	// ── Step 7: socket group gid ─────────────────────────────────────────
	socketGID, err := lookupGID(cfg.RuntimeDir.SocketGroupName)
	if err != nil {
		log.Fatal("socket group lookup failed", zap.Error(err),
			zap.String("group", cfg.RuntimeDir.SocketGroupName))
	}

	// ── Step 8: wrap stdin as the accepted connection ────────────────────
	conn, err := stdinUnixConn()
	if err != nil {
		log.Fatal("stdin is not a usable unix socket connection", zap.Error(err))
	}
	defer conn.Close() //nolint:errcheck

	deps := broker.Deps{
		Logger:    log,
		Config:    cfg,
		Ledger:    ledger,
		Limiter:   limiter,
		Metrics:   metrics,
		SocketGID: socketGID,
	}

	// ── Step 9: run the pipeline ──────────────────────────────────────────
	result, err := broker.Handle(context.Background(), conn, deps)
	if err != nil {
		log.Error("broker.Handle failed", zap.Error(err))
		return 1
	}

	// ── Step 10: translate into exit code (spec §6) ──────────────────────
	return exitCode(result, log)
}

// exitCode implements spec §6's table: the bridge's own exit status when
// it exited normally (so 0 only when the bridge exited 0), 128+signal on a
// signalled bridge, and 1 for every per-request failure that never reached
// a confirmed exec.
func exitCode(res *broker.Result, log *zap.Logger) int {
	if !res.BridgeExecuted {
		return 1
	}
	if res.Signaled {
		log.Warn("bridge terminated by signal", zap.String("signal", res.Signal.String()))
		return 128 + int(res.Signal)
	}
	return res.ExitCode
}

// stdinUnixConn wraps fd 0 as a *net.UnixConn: the activator hands the
// broker an already-accepted connection as stdin/stdout (spec §6
// "Activation"), not a listening socket the broker itself binds.
func stdinUnixConn() (*net.UnixConn, error) {
	f := os.NewFile(uintptr(0), "stdin")
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("stdinUnixConn: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("stdinUnixConn: fd 0 is not an AF_UNIX socket")
	}
	return uc, nil
}

// lookupGID resolves name to a numeric gid via the host group database.
func lookupGID(name string) (uint32, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("lookupGID(%q): %w", name, err)
	}
	gid, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("lookupGID(%q): parse gid %q: %w", name, g.Gid, err)
	}
	return uint32(gid), nil
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
