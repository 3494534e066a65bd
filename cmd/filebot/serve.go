package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"filebot/internal/bus"
	"filebot/internal/channel"
	"filebot/internal/config"
	"filebot/internal/dispatcher"
	"filebot/internal/domain"
	"filebot/internal/ingest"
	"filebot/internal/mail"
	"filebot/internal/node"
	"filebot/internal/relay"
	"filebot/internal/store"
	"filebot/internal/web"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the queue workers and the file server",
		Long:  "Starts the Telegram transport, the conversation engine, the answer relay, the mail worker and the HTTP file server. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.RequireSecrets(cfg); err != nil {
		return err
	}

	serveLogger, logCloser, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = serveLogger

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Storage.SQLitePath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	contents, closeContents, err := openContentStore(cfg.Storage, db)
	if err != nil {
		return err
	}
	defer closeContents()

	var rawLog domain.RawLogRepository = db.RawLog()
	if cfg.Storage.MongoURI != "" {
		mirror, err := store.OpenMongoRawLog(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, logger)
		if err != nil {
			return fmt.Errorf("open mongo raw log: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mirror.Close(closeCtx)
		}()
		rawLog = store.NewTeeRawLog(logger, db.RawLog(), mirror)
	}

	tokens, err := buildCodec(cfg.Codec)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}

	broker := bus.New(bus.Config{
		BufferSize:     cfg.Broker.BufferSize,
		PublishTimeout: cfg.Broker.PublishTimeout,
		Logger:         logger,
	})
	defer broker.Close()

	telegram := channel.NewTelegram(channel.TelegramConfig{
		Token:         cfg.Telegram.Token,
		Mode:          cfg.Telegram.Mode,
		WebhookURL:    cfg.Telegram.WebhookURL,
		WebhookListen: cfg.Telegram.WebhookListen,
		AllowFrom:     cfg.Telegram.AllowFrom,
		PollTimeout:   cfg.Telegram.PollTimeout,
		MaxDownload:   cfg.Telegram.MaxFileBytes,
		Logger:        logger,
	})
	if err := telegram.Connect(); err != nil {
		return err
	}

	router := dispatcher.NewRouter(broker, logger)
	ingestor := ingest.New(telegram, contents, db.Files(), ingest.Config{
		FetchTimeout: cfg.Telegram.FetchTimeout,
		MaxFileBytes: cfg.Telegram.MaxFileBytes,
	}, logger)
	engine := node.NewEngine(db.Users(), rawLog, broker, ingestor, tokens, node.Config{
		LinkHost: cfg.Links.Host,
	}, logger)
	answers := relay.New(telegram, logger).WithRateLimit(cfg.Telegram.SendRate, int(cfg.Telegram.SendRate))
	mailWorker := mail.NewWorker(newMailer(cfg.Mail), mail.WorkerConfig{
		ActivationURI: cfg.ActivationURI(),
		Timeout:       cfg.Mail.Timeout,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	workers := cfg.Broker.Workers

	g.Go(func() error { return engine.Run(gctx, broker, workers) })
	g.Go(func() error { return answers.Run(gctx, broker, workers) })
	g.Go(func() error { return mailWorker.Run(gctx, broker, workers) })
	g.Go(func() error { return telegram.Start(gctx, router.Route) })

	if cfg.Web.Enabled {
		server := web.New(web.Config{
			Listen:             cfg.Web.Listen,
			RateLimitPerMinute: cfg.Web.RatePerMinute,
			RateLimitBurst:     cfg.Web.Burst,
			MetricsEnabled:     cfg.Metrics.Enabled,
			Version:            version,
			QueueLen:           broker.Len,
		}, db.Files(), contents, db.Users(), tokens, logger)
		g.Go(func() error { return server.Start(gctx) })
	}

	logger.Info("filebot started. Press Ctrl+C to stop.",
		"mode", cfg.Telegram.Mode,
		"content_backend", cfg.Storage.ContentBackend,
		"web", cfg.Web.Enabled,
		"mail", cfg.Mail.Enabled,
	)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		// Every component returned before any shutdown signal.
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down filebot...")
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("component stopped with error", "err", err)
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// openContentStore picks the blob backend for file bytes.
func openContentStore(cfg config.StorageConfig, db *store.SQLite) (domain.ContentStore, func() error, error) {
	switch cfg.ContentBackend {
	case "badger":
		bs, err := store.OpenBadgerContentStore(cfg.BadgerDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger content store: %w", err)
		}
		return bs, bs.Close, nil
	default:
		return db.Contents(), func() error { return nil }, nil
	}
}

func newMailer(cfg config.MailConfig) domain.Mailer {
	if !cfg.Enabled {
		logger.Info("mail disabled, activation links are logged only")
		return mail.NewLogMailer(logger)
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		TLS:      cfg.TLS,
		Timeout:  cfg.Timeout,
	}, logger)
}
