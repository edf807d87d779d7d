// Package main — bench/cmd/latency/main.go
//
// Bridge spawn latency measurement tool.
//
// Measures the wall-clock time spawn.Start takes to confirm a bridge's
// exec (C8) — the same quantity internal/observability's
// exec-confirmation histogram tracks in production — run here in a tight
// offline loop instead of via live connections, so a regression in the
// spawn path shows up before it ever reaches a socket.
//
// Method:
//  1. Validate a throwaway "bridge" shell script via binpath.Validate,
//     exactly as the broker would validate the real bridge binary (C3).
//  2. Start it iterations times via spawn.Start, each against a fresh
//     fdplan.Plan whose slots are temp files, timing each call up to exec
//     confirmation, then reap it with Wait (excluded from the timing, since
//     production reaping is unbounded and not part of the confirmation
//     latency this tool exists to catch regressions in).
//  3. Write per-iteration latencies to a CSV file and print p50/p95/p99.
//
// Output CSV columns: iteration, latency_us, exit_code
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/linuxio/linuxio-auth/internal/binpath"
	"github.com/linuxio/linuxio-auth/internal/config"
	"github.com/linuxio/linuxio-auth/internal/fdplan"
	"github.com/linuxio/linuxio-auth/internal/spawn"
)

func main() {
	iterations := flag.Int("iterations", 1000, "Number of bridge launches to measure")
	outputFile := flag.String("output", "spawn_latency_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "exit_code"})

	bin, cleanup, err := buildStubBridge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build stub bridge: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := config.Defaults().Spawn
	cfg.StartTimeout = 5 * time.Second
	id := spawn.Identity{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}

	const histCap = 100000 // microseconds
	hist := make([]int, histCap)

	for i := 0; i < *iterations; i++ {
		plan, cleanupPlan, err := buildTempPlan()
		if err != nil {
			fmt.Fprintf(os.Stderr, "iteration %d: build plan: %v\n", i, err)
			os.Exit(1)
		}

		start := time.Now()
		proc, err := spawn.Start(context.Background(), cfg, bin, id, plan, "linuxio-bridge-bench")
		latency := time.Since(start)

		if err != nil {
			cleanupPlan()
			fmt.Fprintf(os.Stderr, "iteration %d: Start: %v\n", i, err)
			os.Exit(1)
		}
		out := proc.Wait(context.Background())
		cleanupPlan()

		us := int(latency.Microseconds())
		if us >= histCap {
			us = histCap - 1
		}
		hist[us]++

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(int(latency.Microseconds())),
			strconv.Itoa(out.ExitCode),
		})
	}

	p50, p95, p99 := computePercentiles(hist, *iterations)

	fmt.Printf("Bridge Spawn Latency (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	// StartTimeout bounds the worst case the broker will itself tolerate;
	// a p99 anywhere near it means most of the timeout budget is being
	// spent on overhead rather than the bridge's own work.
	budgetUs := cfg.StartTimeout.Microseconds() / 2
	if int64(p99) > budgetUs {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds half the start timeout budget (%dµs)\n", p99, budgetUs)
		os.Exit(1)
	}
}

// buildStubBridge writes a minimal script that exits 0 immediately,
// validates it the way the broker would validate the real bridge binary,
// and returns the resulting handle plus a cleanup func.
func buildStubBridge() (*binpath.Handle, func(), error) {
	dir, err := os.MkdirTemp("", "linuxio-bench-bridge")
	if err != nil {
		return nil, nil, err
	}
	path := filepath.Join(dir, "bridge")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	uid := uint32(os.Getuid())
	h, err := binpath.Validate(path, []uint32{uid}, uid)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	return h, func() {
		h.Close()
		os.RemoveAll(dir)
	}, nil
}

// buildTempPlan assembles a throwaway fdplan.Plan identical in shape to
// the one broker.Handle builds for a real connection (bootstrap pipe,
// two stderr-derived handles, a client-conn stand-in), backed by
// temp files instead of a live socket/stderr dup, since this tool never
// handles a real connection.
func buildTempPlan() (*fdplan.Plan, func(), error) {
	dir, err := os.MkdirTemp("", "linuxio-bench-fds")
	if err != nil {
		return nil, nil, err
	}

	var plan fdplan.Plan
	for _, s := range []fdplan.Slot{fdplan.SlotBootstrap, fdplan.SlotStderrDup, fdplan.SlotStderr, fdplan.SlotClientConn} {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("fd-%d", int(s))))
		if err != nil {
			plan.CloseAll()
			os.RemoveAll(dir)
			return nil, nil, err
		}
		plan.Set(s, f)
	}
	return &plan, func() {
		plan.CloseAll()
		os.RemoveAll(dir)
	}, nil
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
