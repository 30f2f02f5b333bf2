package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tungate/internal/core"
	"tungate/internal/device"
	"tungate/internal/dispatch"
	"tungate/internal/fakedns"
	"tungate/internal/gateway"
	"tungate/internal/nat"
	"tungate/internal/netstack"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tungate %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// === 1. Configuration ===
	cfgManager := core.NewConfigManager(resolveRelativeToExe(*configPath))
	if _, err := cfgManager.Load(); err != nil {
		core.Log.Fatalf("Core", "Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()
	core.Log = core.NewLogger(cfg.Logging)
	core.Log.Infof("Core", "TunGate %s starting...", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === 2. Tun device ===
	dev, err := device.Open(device.Options{
		FD:      cfg.Tun.FD,
		Auto:    cfg.Tun.Auto,
		Name:    cfg.Tun.Name,
		Address: cfg.Tun.Address,
		Gateway: cfg.Tun.Gateway,
		Netmask: cfg.Tun.Netmask,
		MTU:     cfg.Tun.MTU,
	})
	if err != nil {
		core.Log.Fatalf("Core", "Failed to open tun device: %v", err)
	}

	// === 3. Embedded stack ===
	stk, err := netstack.New(netstack.Config{MTU: uint32(dev.MTU())})
	if err != nil {
		dev.Close()
		core.Log.Fatalf("Core", "Failed to start stack: %v", err)
	}

	// === 4. Fake DNS resolver ===
	resolver, err := fakedns.New(fakedns.Config{
		Pool:       cfg.FakeDNS.Pool,
		MaxEntries: cfg.FakeDNS.MaxEntries,
	})
	if err != nil {
		stk.Close()
		dev.Close()
		core.Log.Fatalf("Core", "Failed to create resolver: %v", err)
	}

	// === 5. Dispatcher + NAT manager ===
	dispatcher := dispatch.NewDirect()
	natMgr := nat.NewManager(dispatcher)
	natMgr.Start(ctx)

	// === 6. Pipeline ===
	pipeline, err := gateway.NewPipeline(gateway.Config{
		Device:         dev,
		Stack:          stk,
		Resolver:       resolver,
		NAT:            natMgr,
		Dispatcher:     dispatcher,
		InboundTag:     cfg.InboundTag,
		IncludeDomains: cfg.FakeDNS.Include,
		ExcludeDomains: cfg.FakeDNS.Exclude,
	})
	if err != nil {
		natMgr.Stop()
		stk.Close()
		dev.Close()
		core.Log.Fatalf("Core", "Failed to build pipeline: %v", err)
	}

	// --- Shutdown signal + watchdog ---
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	runDone := make(chan struct{})
	go func() {
		s := <-sig
		core.Log.Infof("Core", "Received %s, shutting down...", s)
		cancel()
		select {
		case <-runDone:
		case <-time.After(10 * time.Second):
			core.Log.Errorf("Core", "Shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	err = pipeline.Run(ctx)
	natMgr.Stop()
	close(runDone)

	if err != nil && !errors.Is(err, context.Canceled) {
		core.Log.Fatalf("Core", "Pipeline failed: %v", err)
	}
	core.Log.Infof("Core", "Shutdown complete")
}

// resolveRelativeToExe resolves a relative path against the directory
// containing the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		core.Log.Warnf("Core", "Cannot determine executable path, using %q as-is: %v", path, err)
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
