// Command dowhiz runs the ingestion + scheduling core as one daemon:
// the webhook gateway, one queue consumer per employee, and the
// per-employee schedulers, sharing the process-wide concurrency gates.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/dowhiz/dowhiz/internal/agent"
	"github.com/dowhiz/dowhiz/internal/audit"
	"github.com/dowhiz/dowhiz/internal/blob"
	"github.com/dowhiz/dowhiz/internal/bus"
	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/gateway"
	"github.com/dowhiz/dowhiz/internal/ingest"
	otelPkg "github.com/dowhiz/dowhiz/internal/otel"
	"github.com/dowhiz/dowhiz/internal/outbound"
	"github.com/dowhiz/dowhiz/internal/queue"
	"github.com/dowhiz/dowhiz/internal/route"
	"github.com/dowhiz/dowhiz/internal/scheduler"
	"github.com/dowhiz/dowhiz/internal/telemetry"
	"github.com/dowhiz/dowhiz/internal/userstore"
	"github.com/dowhiz/dowhiz/internal/worker"
	"github.com/dowhiz/dowhiz/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	loadDotEnv(".env")

	home := flag.String("home", "", "runtime root (default: DOWHIZ_HOME or ~/.dowhiz)")
	publicURL := flag.String("public-url", "", "externally visible base URL for signature verification")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dowhiz", Version)
		return
	}

	homeDir := *home
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var logger *slog.Logger
	if isatty.IsTerminal(os.Stdout.Fd()) {
		logger = telemetry.NewTextLogger(cfg.LogLevel)
	} else {
		fileLogger, closer, logErr := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
		if logErr != nil {
			fmt.Fprintln(os.Stderr, "logger:", logErr)
			os.Exit(1)
		}
		defer closer.Close()
		logger = fileLogger
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger, *publicURL); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, publicURL string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("dowhiz core starting",
		"version", Version,
		"home", cfg.HomeDir,
		"config", cfg.Fingerprint(),
		"employees", len(cfg.Employees),
	)

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("audit init: %w", err)
	}
	defer audit.Close()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	eventBus := bus.New()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	go otelPkg.BridgeBus(ctx, eventBus, metrics)

	stateDir := filepath.Join(cfg.HomeDir, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	blobs, err := blob.NewStore(filepath.Join(cfg.HomeDir, "blobs"))
	if err != nil {
		return err
	}
	dedupe, err := ingest.OpenDedupe(filepath.Join(stateDir, "dedupe.db"))
	if err != nil {
		return err
	}
	defer dedupe.Close()
	q, err := queue.Open(filepath.Join(stateDir, "queue.db"), queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		return err
	}
	defer q.Close()
	users, err := userstore.Open(filepath.Join(stateDir, "users.db"))
	if err != nil {
		return err
	}
	defer users.Close()
	epochs, err := scheduler.OpenEpochs(filepath.Join(stateDir, "epochs.db"))
	if err != nil {
		return err
	}
	defer epochs.Close()
	index, err := scheduler.OpenIndex(filepath.Join(stateDir, "task_index.db"))
	if err != nil {
		return err
	}
	defer index.Close()

	dispatcher, err := outbound.NewDispatcher(filepath.Join(stateDir, "receipts.db"))
	if err != nil {
		return err
	}
	defer dispatcher.Close()
	registerSenders(dispatcher, cfg, logger)

	router := route.New(cfg)
	blacklist := route.NewBlacklist(cfg.Blacklist)

	// Process-wide concurrency gates shared by every employee scheduler.
	slots := scheduler.NewSlots(cfg.Scheduler.MaxGlobalConcurrency, cfg.Scheduler.MaxUserConcurrency)

	adminChannel := channel.Email
	if cfg.Admin.Channel != "" {
		if parsed, parseErr := channel.Parse(cfg.Admin.Channel); parseErr == nil {
			adminChannel = parsed
		}
	}

	var (
		wg    sync.WaitGroup
		cores []*scheduler.Core
	)
	for _, emp := range cfg.Employees {
		executor := &scheduler.Executor{
			Invoker:      &agent.Invoker{},
			Dispatcher:   dispatcher,
			Epochs:       epochs,
			AgentTimeout: time.Duration(cfg.AgentTimeoutSecs) * time.Second,
			Notifier: &scheduler.Notifier{
				Dispatcher:   dispatcher,
				AdminChannel: adminChannel,
				AdminAddress: cfg.Admin.Address,
				Logger:       logger,
				Bus:          eventBus,
			},
			Logger: logger.With("employee", emp.ID),
			Bus:    eventBus,
		}
		core := scheduler.NewCore(scheduler.Config{
			UsersRoot:    filepath.Join(emp.RuntimeRoot, "users"),
			PollInterval: time.Duration(cfg.Scheduler.PollIntervalSecs) * time.Second,
			Logger:       logger.With("employee", emp.ID),
			Bus:          eventBus,
		}, index, slots, executor)
		core.Start(ctx)
		cores = append(cores, core)

		consumer := &worker.Consumer{
			Employee:     emp,
			Queue:        q,
			Users:        users,
			Epochs:       epochs,
			Core:         core,
			Workspaces:   &workspace.Manager{MaxInlineBytes: cfg.Attachments.MaxInlineBytes, SkillsDir: filepath.Join(cfg.HomeDir, "skills")},
			Lease:        time.Duration(cfg.Queue.LeaseDurationSecs) * time.Second,
			PollInterval: time.Duration(cfg.Queue.PollIntervalSecs) * time.Second,
			MaxInline:    cfg.Attachments.MaxInlineBytes,
			Logger:       logger.With("employee", emp.ID),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}

	serviceAddresses := make(map[string]struct{})
	for _, emp := range cfg.Employees {
		for _, addr := range emp.Addresses {
			if normalized, normErr := channel.NormalizeEmail(addr); normErr == nil {
				serviceAddresses[normalized] = struct{}{}
			}
		}
	}

	gatewayServer := &gateway.Server{
		Ingest: &ingest.Service{
			Router:    router,
			Blacklist: blacklist,
			Blobs:     blobs,
			Dedupe:    dedupe,
			Queue:     q,
			Bus:       eventBus,
			Logger:    logger,
		},
		Secrets:          cfg.Secrets,
		Logger:           logger,
		ServiceAddresses: serviceAddresses,
		PublicURL:        publicURL,
	}

	if cfg.Secrets.DiscordBotToken != "" {
		listener := &gateway.DiscordListener{
			Token:  cfg.Secrets.DiscordBotToken,
			AppID:  cfg.Secrets.DiscordAppID,
			Ingest: gatewayServer.Ingest,
			Logger: logger,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("discord gateway stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gatewayServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Route table and employee registry reload on config changes.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, loadErr := config.LoadFrom(cfg.HomeDir)
				if loadErr != nil {
					logger.Error("config reload failed", "error", loadErr)
					continue
				}
				router.Reload(fresh)
				blacklist.Reload(fresh.Blacklist)
				logger.Info("routes reloaded", "config", fresh.Fingerprint())
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("gateway: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	stop()
	wg.Wait()
	for _, core := range cores {
		core.Stop()
	}
	logger.Info("dowhiz core stopped")
	return nil
}

func registerSenders(d *outbound.Dispatcher, cfg config.Config, logger *slog.Logger) {
	if cfg.Secrets.PostmarkServerToken != "" {
		sender := &outbound.PostmarkSender{ServerToken: cfg.Secrets.PostmarkServerToken}
		d.Register(channel.Email, sender)
		d.Register(channel.GoogleDocs, sender)
	}
	if cfg.Secrets.TelegramBotToken != "" {
		sender, err := outbound.NewTelegramSender(cfg.Secrets.TelegramBotToken)
		if err != nil {
			logger.Warn("telegram sender unavailable", "error", err)
		} else {
			d.Register(channel.Telegram, sender)
		}
	}
	if cfg.Secrets.DiscordBotToken != "" {
		sender, err := outbound.NewDiscordSender(cfg.Secrets.DiscordBotToken)
		if err != nil {
			logger.Warn("discord sender unavailable", "error", err)
		} else {
			d.Register(channel.Discord, sender)
		}
	}
}

// loadDotEnv loads KEY=VALUE pairs from a local .env file into the
// process environment, without overriding variables already set.
func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, value)
	}
}
