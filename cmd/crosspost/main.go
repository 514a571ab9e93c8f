package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crosspost/internal/app"
	"crosspost/internal/config"
	"crosspost/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		envPath string
		check   bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with CROSSPOST_* overrides")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.Parse()

	// Real environment wins over the dotenv file.
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatal("load env", err)
	}

	if check {
		if _, err := config.NewConfigManager(cfgPath).Parse(); err != nil {
			fatal("config", err)
		}
		fmt.Println("config ok")
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fatal("init", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		fatal("start", err)
	}
	_, _ = systemd.Ready()
	_, _ = systemd.Status("publishing")
	go func() { _ = systemd.Watchdog(ctx) }()

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fatal("run", err)
	}
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "fatal %s: %v\n", stage, err)
	os.Exit(1)
}
