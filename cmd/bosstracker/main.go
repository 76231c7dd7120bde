package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"bosstracker/internal/app"
	"bosstracker/internal/config"
	"bosstracker/internal/registry"
	"bosstracker/internal/scan"
	"bosstracker/internal/timectx"
	logx "bosstracker/pkg/logx"
)

func main() {
	var cfgPath, scanPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&scanPath, "scan", "", "replay a historical log file into the target registry and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if scanPath != "" {
		if err := runScan(ctx, cfgPath, scanPath); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		return
	}

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	// Not running under systemd is fine; SdNotify is a no-op then.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// runScan feeds a log file into the registry without starting the watcher
// or touching the channel.
func runScan(ctx context.Context, cfgPath, path string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Registry.Path) == "" {
		return fmt.Errorf("registry.path is required")
	}
	log := logx.NewConsole(cfg.Logging.Level)

	tc, err := timectx.New(cfg.Source.Timezone, cfg.Display.Timezone)
	if err != nil {
		return err
	}
	reg, err := registry.Open(registry.Config{
		Path:        cfg.Registry.Path,
		Defaults:    cfg.Registry.Defaults,
		BackupDir:   cfg.Registry.BackupDir,
		BackupsKeep: cfg.Registry.BackupsKeep,
	}, log.With(logx.String("comp", "registry")))
	if err != nil {
		return err
	}
	window, err := config.ParseDurationOrDefault("dedup.window", cfg.Dedup.Window, config.DefaultDedupWindow)
	if err != nil {
		return err
	}

	sum, err := scan.New(reg, tc, window, log).File(ctx, path)
	if err != nil {
		return err
	}
	fmt.Printf("scanned %s: %d lines, %d kills, %d targets\n", sum.Source, sum.Lines, sum.Kills, sum.Targets)
	if len(sum.Added) > 0 {
		fmt.Printf("added (disabled): %s\n", strings.Join(sum.Added, ", "))
	}
	if len(sum.Updated) > 0 {
		fmt.Printf("updated last kill: %s\n", strings.Join(sum.Updated, ", "))
	}
	return reg.Save()
}
