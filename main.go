// Package main implements a service that watches an inbox for vendor
// curtailment-dispatch emails, captures each affected facility's live usage
// chart from the vendor portal ten minutes into the event, and emails the
// screenshot to the facility's contacts.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"curtailment-notifier/artifacts"
	"curtailment-notifier/config"
	"curtailment-notifier/contacts"
	"curtailment-notifier/email"
	"curtailment-notifier/inbox"
	"curtailment-notifier/ledger"
	"curtailment-notifier/parser"
	"curtailment-notifier/portal"
	"curtailment-notifier/schedule"
	"curtailment-notifier/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	led := ledger.New(cfg.LedgerPath, logger)
	if err := led.Load(); err != nil {
		logger.Error("Failed to load deduplication ledger", "error", err)
		os.Exit(1)
	}

	directory := contacts.New(cfg.ContactsPath, logger)
	if err := directory.Load(); err != nil {
		logger.Error("Failed to load contact roster", "error", err)
		os.Exit(1)
	}

	p := parser.New(cfg.VendorSender, logger)

	mailbox := inbox.NewIMAPMailbox(inbox.IMAPConfig{
		Addr:     cfg.IMAPAddr,
		Username: cfg.IMAPUsername,
		Password: cfg.IMAPPassword,
		Mailbox:  cfg.IMAPMailbox,
	}, logger)
	watcher := inbox.NewWatcher(mailbox, led, p, cfg.PollInterval, logger)

	engine := portal.New(portal.Config{
		URL:            cfg.PortalURL,
		Username:       cfg.PortalUsername,
		Password:       cfg.PortalPassword,
		ScreenshotDir:  cfg.ScreenshotDir,
		DataWait:       cfg.DataWait,
		SlowDataWait:   cfg.SlowDataWait,
		SlowFacilities: cfg.SlowFacilities,
	}, logger)

	sender := email.New(selectProvider(ctx, cfg, logger), logger, cfg.FromAddr, cfg.DefaultZone)

	archiver, cleanup := initArchiver(ctx, cfg, logger)
	defer cleanup()

	scheduler := schedule.New(schedule.Config{
		Directory: directory,
		Capturer:  engine,
		Notifier:  sender,
		Archiver:  archiver,
		Logger:    logger,
	})

	go watcher.Run(ctx)

	// Pump parsed dispatch events into the scheduler.
	go func() {
		for event := range watcher.Events() {
			scheduler.Schedule(ctx, event)
		}
	}()

	// Drain the scheduler's observer stream into the log.
	go func() {
		for ev := range scheduler.Events() {
			attrs := []any{"kind", string(ev.Kind), "job_id", ev.JobID, "facility", ev.Facility}
			if ev.Contact != "" {
				attrs = append(attrs, "contact", ev.Contact)
			}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err)
				logger.Warn("Job event", attrs...)
				continue
			}
			logger.Info("Job event", attrs...)
		}
	}()

	srv := server.New(&server.Config{
		Checker: watcher,
		Ledger:  led,
		Jobs:    scheduler,
		Logger:  logger,
	})

	go func() {
		if err := srv.ListenAndServe(strconv.Itoa(cfg.Port)); err != nil {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
}

// selectProvider picks the email provider: Brevo when an API key is
// configured, Gmail when credentials are available, otherwise the mock.
func selectProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) email.Provider {
	if cfg.BrevoAPIKey != "" {
		logger.Info("Using Brevo email provider", "from", cfg.FromAddr)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddr, cfg.FromName, logger)
	}

	service, err := initGmailService(ctx)
	if err != nil {
		logger.Warn("Gmail service unavailable, using mock email", "error", err)
		return email.NewMockProvider(logger)
	}
	logger.Info("Using Gmail email provider")
	return email.NewGmailProvider(service, logger)
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run, Application Default Credentials carry the service
	// account; it needs the gmail.send scope.
	if os.Getenv("K_SERVICE") != "" {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// initArchiver builds the screenshot archive: local directory when
// configured, Cloud Storage bucket otherwise, nil when neither is set.
func initArchiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (schedule.Archiver, func()) {
	noop := func() {}

	if cfg.ArchiveDir != "" {
		logger.Info("Archiving screenshots to local directory", "path", cfg.ArchiveDir)
		return artifacts.New(nil, "", cfg.ArchiveDir, logger), noop
	}

	if cfg.Bucket == "" {
		logger.Info("Screenshot archiving disabled")
		return nil, noop
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		logger.Warn("Failed to initialize Storage client, archiving disabled", "error", err)
		return nil, noop
	}

	logger.Info("Archiving screenshots to bucket", "bucket", cfg.Bucket)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return artifacts.New(client, cfg.Bucket, "", logger), cleanup
}
