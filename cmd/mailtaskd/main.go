package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/twiede/mailtask/internal/config"
	"github.com/twiede/mailtask/internal/dedup"
	"github.com/twiede/mailtask/internal/detect"
	"github.com/twiede/mailtask/internal/extract"
	"github.com/twiede/mailtask/internal/mailbox"
	"github.com/twiede/mailtask/internal/pipeline"
	"github.com/twiede/mailtask/internal/sink"
	"github.com/twiede/mailtask/internal/status"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	dataDir := flag.String("data-dir", "data", "directory for persistent data (dedup state)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)

	acct := cfg.Account
	accountName := acct.Name
	if accountName == "" {
		accountName = acct.Username
	}
	logger.Info("mailtaskd starting",
		"account", accountName,
		"protocol", acct.Protocol,
		"providers", len(cfg.Extract.Providers),
	)

	storePath := filepath.Join(*dataDir, sanitize(accountName)+".db")
	store, err := dedup.NewStore(storePath, cfg.Retry.GetMaxAttempts())
	if err != nil {
		logger.Error("failed to open dedup store", "path", storePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	transport := newTransport(acct, cfg.Watch, logger)
	defer transport.Close()

	providers, err := newProviders(cfg.Extract.Providers)
	if err != nil {
		logger.Error("failed to create extraction providers", "error", err)
		os.Exit(1)
	}
	chain := extract.NewChain(providers, cfg.Extract.Timeout(), logger)

	taskSink := sink.NewNotion(cfg.Notion.APIKey, cfg.Notion.DatabaseID, cfg.Notion.BaseURL, logger)

	pipe := pipeline.New(store, chain, taskSink, pipeline.Config{
		Account:       accountName,
		MinConfidence: cfg.Extract.GetMinConfidence(),
		RetryInterval: cfg.Retry.Interval(),
	}, logger)

	poller := detect.NewPoller(transport, store, pipe.Events(),
		cfg.Poll.Interval(), cfg.Poll.DegradedInterval(), logger)
	watcher := detect.NewWatcher(transport, store, pipe.Events(), detect.WatcherConfig{
		BackoffBase:         cfg.Watch.BackoffBase(),
		BackoffMax:          cfg.Watch.BackoffMax(),
		DegradedAfterErrors: cfg.Watch.GetDegradedAfterErrors(),
	}, pipe.HandleWatcherHealth, logger)
	pipe.Attach(watcher, poller)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipe.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	if cfg.Status.Addr != "" {
		statusSrv := status.NewServer(pipe, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusSrv.ListenAndServe(ctx, cfg.Status.Addr); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down, draining in-flight work...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	wg.Wait()
	logger.Info("mailtaskd stopped")
}

func newTransport(acct config.Account, watch config.Watch, logger *slog.Logger) mailbox.Transport {
	switch acct.Protocol {
	case "pop3":
		return mailbox.NewPOP3(
			acct.Host, acct.Port,
			acct.Username, acct.Password,
			acct.UseTLS, acct.GetProcessDays(), logger,
		)
	default:
		return mailbox.NewIMAP(
			acct.Host, acct.Port,
			acct.Username, acct.Password,
			acct.UseTLS, acct.GetIMAPFolder(),
			acct.GetProcessDays(), watch.IdleRestart(), logger,
		)
	}
}

func newProviders(entries []config.Provider) ([]extract.Provider, error) {
	providers := make([]extract.Provider, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case "openai":
			providers = append(providers, extract.NewOpenAI(e.APIKey, e.Model, e.BaseURL))
		case "anthropic":
			providers = append(providers, extract.NewAnthropic(e.APIKey, e.Model, e.BaseURL))
		case "gemini":
			providers = append(providers, extract.NewGemini(e.APIKey, e.Model, e.BaseURL))
		default:
			return nil, fmt.Errorf("unsupported provider type: %s", e.Type)
		}
	}
	return providers, nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
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

func sanitize(name string) string {
	if name == "" {
		return "default"
	}
	out := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '-' || b == '_' {
			out = append(out, b)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
