// Command reminder-store runs a headless reminder session: it selects a
// storage backend for one user, arms alerts for that user's reminders and
// applies the intents the alerts emit until it is interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reminder-store/internal/config"
	"reminder-store/internal/errs"
	"reminder-store/internal/notify"
	"reminder-store/internal/reminder"
	"reminder-store/internal/storage"
)

func main() {
	configPath := flag.String("config", config.GetDefaultConfigPath(), "path to the YAML config file")
	userID := flag.String("user", "", "user whose reminders are served (required)")
	importPath := flag.String("import", "", "export file to import for the user at startup (optional)")
	exportDir := flag.String("export-dir", "", "directory to write the user's export to on shutdown (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *userID == "" {
		logger.Fatal("missing user id (-user)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *userID, *importPath, *exportDir); err != nil {
		logger.Fatal("session failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, userID, importPath, exportDir string) error {
	factory := storage.NewFactoryFromConfig(cfg.StorageConfig(logger), logger)
	defer func() {
		if err := factory.Close(); err != nil {
			logger.Warn("failed to close storage", zap.Error(err))
		}
	}()

	repo, err := factory.Repository(ctx, userID)
	if err != nil {
		return fmt.Errorf("no storage backend: %w", err)
	}
	info := repo.GetDatabaseInfo(ctx)
	logger.Info("storage ready",
		zap.String("type", string(info.Type)),
		zap.String("name", info.Name),
		zap.Int("reminders", info.Reminders),
		zap.Bool("persistent", info.Persistent))
	if info.Warning != "" {
		logger.Warn("storage warning", zap.String("warning", info.Warning))
	}

	if importPath != "" {
		if err := importFile(ctx, repo, importPath, userID, logger); err != nil {
			return err
		}
	}

	source := notify.SourceFunc(func(ctx context.Context) ([]*reminder.Reminder, error) {
		rs, err := repo.GetReminders(ctx, userID, reminder.Filter{})
		if err != nil {
			return nil, err
		}
		open := rs[:0]
		for _, r := range rs {
			if !r.IsCompleted() {
				open = append(open, r)
			}
		}
		return open, nil
	})

	sched := notify.New(notify.NewLogAlerter(logger), source, cfg.SchedulerOptions(logger))
	unsubscribe := sched.Subscribe(func(e notify.Event) { applyIntent(ctx, repo, sched, e, logger) })
	defer unsubscribe()

	if _, err := sched.RequestPermission(ctx); err != nil {
		logger.Warn("notification permission unavailable", zap.Error(err))
	}
	sched.Sweep(ctx)
	if err := sched.Start(); err != nil {
		return err
	}
	logger.Info("session started", zap.String("user", userID), zap.Strings("armed", sched.Pending()))

	<-ctx.Done()
	sched.Stop()

	if exportDir != "" {
		// ctx is already cancelled; the export gets its own deadline.
		exportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := exportFile(exportCtx, repo, exportDir, userID, logger); err != nil {
			return err
		}
	}
	logger.Info("session ended", zap.String("user", userID))
	return nil
}

// applyIntent persists what the user chose on a fired alert.
func applyIntent(ctx context.Context, repo storage.Repository, sched *notify.Scheduler, e notify.Event, logger *zap.Logger) {
	log := logger.With(zap.String("id", e.ReminderID), zap.String("event", string(e.Type)))

	switch e.Type {
	case notify.EventCompleteRequested:
		completed := reminder.StatusCompleted
		if _, err := repo.UpdateReminder(ctx, e.ReminderID, reminder.Patch{Status: &completed}); err != nil {
			logIntentError(log, err)
			return
		}
		sched.Cancel(e.ReminderID)
		log.Info("reminder completed")

	case notify.EventSnoozeRequested:
		due := time.Now().Add(time.Duration(e.SnoozeMinutes) * time.Minute)
		active := reminder.StatusActive
		updated, err := repo.UpdateReminder(ctx, e.ReminderID, reminder.Patch{DueAt: &due, Status: &active})
		if err != nil {
			logIntentError(log, err)
			return
		}
		sched.Reschedule(updated)
		log.Info("reminder snoozed", zap.Int("minutes", e.SnoozeMinutes), zap.Time("due", updated.DueAt))

	case notify.EventDismissed:
		log.Debug("alert dismissed")
	}
}

func logIntentError(log *zap.Logger, err error) {
	if errs.IsStorageWarning(err) {
		log.Warn("storage needs attention, clearing old completed reminders may help", zap.Error(err))
		return
	}
	log.Error("failed to apply alert action", zap.Error(err))
}

func importFile(ctx context.Context, repo storage.Repository, path, userID string, logger *zap.Logger) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}
	n, err := repo.ImportData(ctx, payload, userID)
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", path, err)
	}
	logger.Info("imported reminders", zap.String("path", path), zap.Int("count", n))
	return nil
}

func exportFile(ctx context.Context, repo storage.Repository, dir, userID string, logger *zap.Logger) error {
	exp, err := repo.ExportAllData(ctx, userID)
	if err != nil {
		return err
	}
	data, err := exp.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, reminder.ExportFilename(exp.StorageType, exp.Timestamp))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	logger.Info("exported reminders", zap.String("path", path), zap.Int("count", len(exp.Reminders)))
	return nil
}
