// Package main runs the FreeDrop service: it polls GamerPower for free giveaways,
// caches the results, and raises alerts when new listings appear.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"freedrop/channel"
	"freedrop/notify"
	"freedrop/refresh"
	"freedrop/scheduler"
	"freedrop/server"
	"freedrop/source"
	"freedrop/storage"
)

// config is read once from the environment at startup.
type config struct {
	port            string
	localStorage    string
	bucket          string
	sqlitePath      string
	apiBase         string
	baseURL         string
	recipient       string
	brevoKey        string
	mailFrom        string
	credentialsJSON string
	logLevel        slog.Level
}

func loadConfig() config {
	cfg := config{
		port:            os.Getenv("PORT"),
		localStorage:    os.Getenv("LOCAL_STORAGE"),
		bucket:          os.Getenv("STORAGE_BUCKET"),
		sqlitePath:      os.Getenv("SQLITE_PATH"),
		apiBase:         os.Getenv("API_BASE"),
		baseURL:         os.Getenv("BASE_URL"),
		recipient:       os.Getenv("NOTIFY_EMAIL"),
		brevoKey:        os.Getenv("BREVO_API_KEY"),
		mailFrom:        os.Getenv("MAIL_FROM"),
		credentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		logLevel:        parseLevel(os.Getenv("LOG_LEVEL")),
	}
	if cfg.port == "" {
		cfg.port = "8080"
	}
	if cfg.baseURL == "" {
		cfg.baseURL = "http://localhost:" + cfg.port
	}
	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg := loadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.logLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	state := storage.NewState(backend)
	src := source.New(&http.Client{Timeout: 30 * time.Second}, cfg.apiBase, logger)

	dispatcher := notify.New(&notify.Config{
		Provider:  initProvider(ctx, cfg, logger, isCloudRun),
		Recipient: cfg.recipient,
		Logger:    logger,
		Opener: func(alertID string) {
			logger.Info("Opening details view", "alert", alertID, "url", cfg.baseURL+"/api/giveaways")
		},
	})

	coordinator := refresh.New(state, src, dispatcher, logger)
	requests := channel.New(channel.DefaultPickupTimeout, logger)
	sched := scheduler.New(coordinator, state, logger, scheduler.Config{
		OnUnconfigured: func() {
			logger.Info("Opening configuration", "url", cfg.baseURL+"/api/settings")
		},
	})
	srv := server.New(&server.Config{
		Store:     state,
		Refresher: coordinator,
		Requester: requests,
		Alerts:    dispatcher,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return requests.Serve(gctx, func(ctx context.Context) error {
			_, err := coordinator.Refresh(ctx)
			return err
		})
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, ":"+cfg.port)
	})
	return g.Wait()
}

// openBackend selects SQLite, Cloud Storage, or a local directory, in that order.
func openBackend(ctx context.Context, cfg config, logger *slog.Logger) (storage.Backend, func(), error) {
	if cfg.sqlitePath != "" {
		db, err := storage.NewSQLite(ctx, cfg.sqlitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil
	}

	if cfg.bucket != "" && cfg.localStorage == "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.bucket)
		return storage.New(client, cfg.bucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}

	path := cfg.localStorage
	if path == "" {
		path = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create local storage directory: %w", err)
	}
	logger.Info("Using local storage", "storage_path", path)
	return storage.New(nil, "", path, logger), func() {}, nil
}

// initProvider picks the out-of-process delivery for alert digests.
// Without a recipient, alerts stay in-process.
func initProvider(ctx context.Context, cfg config, logger *slog.Logger, cloudRun func(context.Context) bool) notify.Provider {
	if cfg.recipient == "" {
		logger.Info("No NOTIFY_EMAIL set, alerts are in-process only")
		return nil
	}

	if cfg.brevoKey != "" {
		logger.Info("Using Brevo for alert digests", "from", cfg.mailFrom)
		return notify.NewBrevoProvider(cfg.brevoKey, cfg.mailFrom, "FreeDrop", logger)
	}

	if cfg.credentialsJSON != "" || cloudRun(ctx) {
		service, err := initGmailService(ctx, cfg.credentialsJSON)
		if err == nil {
			logger.Info("Using Gmail for alert digests")
			return notify.NewGmailProvider(service, logger)
		}
		logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
	} else {
		logger.Info("Mock email mode enabled (no BREVO_API_KEY or GOOGLE_CREDENTIALS_JSON)")
	}
	return notify.NewMockProvider(logger)
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
