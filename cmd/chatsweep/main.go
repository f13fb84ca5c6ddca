package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"chatsweep/internal/config"
	"chatsweep/internal/engine"
	"chatsweep/internal/journal"
	"chatsweep/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	run, err := config.LoadRun(cfg.RunFile)
	if err != nil {
		log.Error("load run config", "path", cfg.RunFile, "error", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	jr, err := journal.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open journal", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = jr.Close() }()

	client := transport.NewClient(cfg.Token, nil)

	eng := engine.New(client, log)
	eng.SetJournal(jr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events := eng.Events(ctx)
	go printEvents(log, events)

	log.Info("starting run", "targets", len(run.Targets))

	// The run itself is not bound to the signal context: an interrupt
	// requests a graceful stop and in-flight requests finish.
	if err := eng.Start(context.Background(), *run); err != nil {
		log.Error("start run", "error", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		log.Info("interrupt received, stopping")
		_ = eng.Stop()
		<-eng.Done()
	case <-eng.Done():
	}

	snap := eng.Progress()
	log.Info("final statistics",
		"status", eng.Status(),
		"matched", snap.Matched,
		"deleted", snap.Deleted,
		"skipped", snap.Skipped,
		"failed", snap.Failed,
		"avg_latency", snap.AvgLatency,
		"throttled", snap.Throttled,
		"throttled_total", snap.ThrottledTotal,
	)

	if eng.Err() != nil {
		os.Exit(1)
	}
}

func printEvents(log *slog.Logger, events <-chan engine.Event) {
	for ev := range events {
		switch {
		case ev.Task != nil:
			log.Info("task",
				"message_id", ev.Task.MessageID,
				"target_id", ev.Task.TargetID,
				"state", ev.Task.State,
				"reason", ev.Task.Reason,
			)
		case ev.Snapshot != nil:
			log.Debug("progress",
				"deleted", ev.Snapshot.Deleted,
				"skipped", ev.Snapshot.Skipped,
				"failed", ev.Snapshot.Failed,
				"remaining", ev.Snapshot.Remaining(),
				"eta", ev.Snapshot.ETA,
			)
		case ev.Alert != "":
			log.Warn("alert", "message", ev.Alert)
		case ev.Status != "":
			log.Info("run status", "status", ev.Status)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
