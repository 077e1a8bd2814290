package main

import (
	"log/slog"
	"os"

	"github.com/mailsift/mailsift/config"
	"github.com/mailsift/mailsift/db"
	"github.com/mailsift/mailsift/ingest"
	"github.com/mailsift/mailsift/notification"
	"github.com/mailsift/mailsift/web"
	"golang.org/x/time/rate"
)

func init() {
	options := &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05.999"))
			}
			return a
		},
		Level: slog.LevelDebug,
	}

	handler := slog.NewTextHandler(os.Stdout, options)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	store, err := db.Setup(cfg.DSN())
	if err != nil {
		slog.Error("Failed to set up database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	oauthConfig := ingest.NewOauthConfig(cfg.OauthClientId, cfg.OauthClientSecret)
	throttler := rate.NewLimiter(50, 5)
	newFetcher := ingest.NewGmailFetcherFactory(oauthConfig, cfg.PageSize, cfg.MaxPages, throttler)
	classifier := ingest.NewOpenAIClassifier(cfg.ClassifierBaseUrl, cfg.ClassifierApiKey,
		cfg.ClassifierModel, cfg.ClassifierTimeout)
	hub := notification.NewHub()
	coordinator := ingest.NewCoordinator(store, classifier, newFetcher, hub, ingest.Options{
		MaxMessagesPerRun:  cfg.MaxMessagesPerRun,
		AccountConcurrency: cfg.AccountConcurrency,
		RunTimeout:         cfg.RunTimeout,
	})

	server := web.NewServer(store, coordinator, hub, oauthConfig, cfg)
	server.Start()
}
