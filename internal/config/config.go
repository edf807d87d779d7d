// Package config provides configuration loading and validation for the
// linuxio-auth broker.
//
// Configuration file: /etc/linuxio/linuxio-auth.yaml (optional overlay).
// Schema version: 1
//
// Three parameters are additionally tunable via environment variables
// (read by Load after the YAML overlay, so the environment always wins):
// LINUXIO_RLIMIT_NPROC, LINUXIO_SUDO_TIMEOUT_PASSWORD, and
// LINUXIO_BRIDGE_START_TIMEOUT_MS.
//
// There is no hot-reload: the broker is a single-shot process per
// connection (spec §5), so a new config is simply read at the start of
// the next invocation. Invalid config on startup is always fatal — there
// is no "old config" to fall back to.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be overridden at build time via
// -ldflags "-X ..."; otherwise the values below apply.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for linuxio-auth.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	Spawn         SpawnConfig         `yaml:"spawn"`
	Elevate       ElevateConfig       `yaml:"elevate"`
	RuntimeDir    RuntimeDirConfig    `yaml:"runtime_dir"`
	Peer          PeerConfig          `yaml:"peer"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SpawnConfig configures the bridge process launcher (C7/C8).
type SpawnConfig struct {
	// BridgeBinaryPath is the absolute path to the bridge executable that
	// must pass binary validation (C3) before every launch.
	// Default: /usr/libexec/linuxio/linuxio-bridge.
	BridgeBinaryPath string `yaml:"bridge_binary_path"`

	// StartTimeout bounds how long the broker waits for the bridge's exec
	// confirmation before killing it. Overridable by
	// LINUXIO_BRIDGE_START_TIMEOUT_MS. Range: [1s, 30s]. Default: 5s.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// RlimitNproc bounds RLIMIT_NPROC applied to the bridge process.
	// Overridable by LINUXIO_RLIMIT_NPROC. Range: [10, 4096]. Default: 1024.
	RlimitNproc uint64 `yaml:"rlimit_nproc"`

	// RlimitCPUSeconds bounds RLIMIT_CPU. Default: 600.
	RlimitCPUSeconds uint64 `yaml:"rlimit_cpu_seconds"`

	// RlimitNofile bounds RLIMIT_NOFILE. Default: 2048.
	RlimitNofile uint64 `yaml:"rlimit_nofile"`

	// RlimitASBytes bounds RLIMIT_AS. Default: 16 GiB.
	RlimitASBytes uint64 `yaml:"rlimit_as_bytes"`
}

// ElevateConfig configures the elevation prober (C5).
type ElevateConfig struct {
	// PasswordTimeout bounds the password-fed sudo probe. Overridable by
	// LINUXIO_SUDO_TIMEOUT_PASSWORD. Range: [1s, 30s]. Default: 4s.
	PasswordTimeout time.Duration `yaml:"password_timeout"`
}

// RuntimeDirConfig configures the runtime-directory manager (C6).
type RuntimeDirConfig struct {
	// SocketGroupName is the dedicated group owning /run/linuxio and its
	// per-uid subdirectories. Default: linuxio.
	SocketGroupName string `yaml:"socket_group_name"`
}

// PeerConfig configures the peer gatekeeper (C9).
type PeerConfig struct {
	// AllowedGroupName is the supplementary group, besides uid 0 and the
	// socket group, whose members may connect. Empty disables this check.
	AllowedGroupName string `yaml:"allowed_group_name"`
}

// RateLimitConfig configures the per-identity attempt limiter.
type RateLimitConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

// AuditConfig configures the persistent disposition ledger.
type AuditConfig struct {
	// DBPath is the bbolt file shared by the audit ledger and the rate
	// limiter. Default: /var/lib/linuxio/linuxio-auth.db.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address for
	// observability.ServeMetrics. The broker's startup path does not start
	// a metrics server, so nothing binds it there. Default: 127.0.0.1:9110.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

const defaultDBPath = "/var/lib/linuxio/linuxio-auth.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Spawn: SpawnConfig{
			BridgeBinaryPath: "/usr/libexec/linuxio/linuxio-bridge",
			StartTimeout:     5 * time.Second,
			RlimitNproc:      1024,
			RlimitCPUSeconds: 600,
			RlimitNofile:     2048,
			RlimitASBytes:    16 << 30,
		},
		Elevate: ElevateConfig{
			PasswordTimeout: 4 * time.Second,
		},
		RuntimeDir: RuntimeDirConfig{
			SocketGroupName: "linuxio",
		},
		RateLimit: RateLimitConfig{
			MaxAttempts: 5,
			Window:      time.Minute,
		},
		Audit: AuditConfig{
			DBPath: defaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9110",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads an optional YAML overlay at path (a missing file is not an
// error — defaults apply), then applies the three environment overrides,
// then validates. Returns the merged config.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("LINUXIO_RLIMIT_NPROC"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LINUXIO_RLIMIT_NPROC: %w", err)
		}
		cfg.Spawn.RlimitNproc = n
	}
	if v, ok := os.LookupEnv("LINUXIO_SUDO_TIMEOUT_PASSWORD"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LINUXIO_SUDO_TIMEOUT_PASSWORD: %w", err)
		}
		cfg.Elevate.PasswordTimeout = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("LINUXIO_BRIDGE_START_TIMEOUT_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LINUXIO_BRIDGE_START_TIMEOUT_MS: %w", err)
		}
		cfg.Spawn.StartTimeout = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Validate checks all config fields for correctness, returning a
// descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Spawn.BridgeBinaryPath == "" {
		errs = append(errs, "spawn.bridge_binary_path must not be empty")
	}
	if cfg.Spawn.StartTimeout < time.Second || cfg.Spawn.StartTimeout > 30*time.Second {
		errs = append(errs, fmt.Sprintf("spawn.start_timeout must be in [1s, 30s], got %s", cfg.Spawn.StartTimeout))
	}
	if cfg.Spawn.RlimitNproc < 10 || cfg.Spawn.RlimitNproc > 4096 {
		errs = append(errs, fmt.Sprintf("spawn.rlimit_nproc must be in [10, 4096], got %d", cfg.Spawn.RlimitNproc))
	}
	if cfg.Elevate.PasswordTimeout < time.Second || cfg.Elevate.PasswordTimeout > 30*time.Second {
		errs = append(errs, fmt.Sprintf("elevate.password_timeout must be in [1s, 30s], got %s", cfg.Elevate.PasswordTimeout))
	}
	if cfg.RuntimeDir.SocketGroupName == "" {
		errs = append(errs, "runtime_dir.socket_group_name must not be empty")
	}
	if cfg.RateLimit.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("rate_limit.max_attempts must be >= 1, got %d", cfg.RateLimit.MaxAttempts))
	}
	if cfg.RateLimit.Window < time.Second {
		errs = append(errs, fmt.Sprintf("rate_limit.window must be >= 1s, got %s", cfg.RateLimit.Window))
	}
	if cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.db_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
