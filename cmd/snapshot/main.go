package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"
	"github.com/spf13/pflag"

	"github.com/imedwei/tree-snapshot-backup/internal/backup"
	"github.com/imedwei/tree-snapshot-backup/internal/config"
	"github.com/imedwei/tree-snapshot-backup/internal/health"
	"github.com/imedwei/tree-snapshot-backup/internal/metrics"
	"github.com/imedwei/tree-snapshot-backup/internal/server"
	"github.com/imedwei/tree-snapshot-backup/internal/storage"
	"github.com/imedwei/tree-snapshot-backup/internal/utils"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath  string
	once        bool
	test        bool
	show        bool
	metricsPort int
}

func parseFlags() options {
	var opts options
	pflag.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file (default ./config.yaml)")
	pflag.BoolVar(&opts.once, "once", false, "take one snapshot and exit")
	pflag.BoolVar(&opts.test, "test", false, "upload a small test object and exit")
	pflag.BoolVar(&opts.show, "show", false, "print the effective configuration without secrets and exit")
	pflag.IntVar(&opts.metricsPort, "metrics-port", 0, "HTTP port for metrics, health and the trigger endpoint (overrides config)")
	pflag.Parse()
	return opts
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func main() {
	opts := parseFlags()

	// Bootstrap logger until the configured one is available
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if opts.metricsPort > 0 {
		cfg.MetricsPort = opts.metricsPort
	}

	logger = newLogger(cfg)
	slog.SetDefault(logger)

	if opts.show {
		if err := showConfig(cfg); err != nil {
			logger.Error("Failed to print configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("Tree snapshot service starting", "version", version)
	logger.Info("Configuration loaded",
		"source", cfg.SourceDir,
		"storage_provider", cfg.StorageProvider,
		"bucket", cfg.Bucket,
		"prefix", cfg.Prefix,
		"interval", cfg.Interval(),
		"respawn_protection", cfg.RespawnProtection(),
		"keep_last", cfg.KeepLast,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := storage.NewRegistry(nil, logger)
	if err := registry.Init(ctx, cfg); err != nil {
		logger.Error("Failed to create storage client", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	if opts.test {
		if err := uploadTestObject(ctx, registry, cfg, logger); err != nil {
			logger.Error("Storage test failed", "error", err)
			os.Exit(1)
		}
		return
	}

	flusher, err := backup.NewCommandFlusher(cfg.FlushCommand, logger)
	if err != nil {
		logger.Error("Invalid flush command", "error", err)
		os.Exit(1)
	}

	holder := config.NewHolder(cfg)
	orch := backup.NewOrchestrator(
		holder,
		registry,
		backup.NewBuilder(cfg.CompressionLevel, logger),
		flusher,
		logger,
	)

	if opts.once {
		result, err := orch.RunBackupNow(ctx)
		utils.DefaultExitCleanup.Run(logger)
		if err != nil {
			logger.Error("Snapshot failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Snapshot completed", "key", result.Key, "duration", result.Duration)
		return
	}

	if err := runDaemon(ctx, opts, holder, registry, orch, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
}

// runDaemon serves HTTP, runs scheduled snapshots and follows config file
// changes until ctx is cancelled.
func runDaemon(ctx context.Context, opts options, holder *config.Holder, registry *storage.Registry, orch *backup.Orchestrator, logger *slog.Logger) error {
	cfg := holder.Load()
	metrics.Info.WithLabelValues(version, cfg.StorageProvider).Set(1)

	var wg sync.WaitGroup
	var httpServer *server.Server
	if cfg.MetricsPort > 0 {
		serverConfig := server.DefaultConfig()
		serverConfig.Port = cfg.MetricsPort
		httpServer = server.New(serverConfig, orch, func() error {
			_, err := registry.Current()
			return err
		}, logger)

		httpServer.RegisterHealthCheck("storage", health.StoreCheck(func() error {
			_, err := registry.Current()
			return err
		}))
		httpServer.RegisterHealthCheck("snapshot", health.SnapshotCheck(func() health.RunStatus {
			s := orch.Status()
			return health.RunStatus{State: s.State.String(), LastSuccess: s.LastSuccess, LastError: s.LastError}
		}, 3*holder.Load().Interval()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.Start(); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	sched := newScheduler(ctx, orch, logger)
	if err := sched.Reschedule(cfg.Interval()); err != nil {
		return err
	}

	if opts.configPath != "" {
		err := config.Watch(opts.configPath, holder, logger, func(old, cur *config.Config) {
			if old.Interval() != cur.Interval() {
				if err := sched.Reschedule(cur.Interval()); err != nil {
					logger.Error("Failed to reschedule snapshots", "error", err)
				}
			}
			if old.StoreChanged(cur) {
				// Wait for any active run before swapping the client.
				go orch.Exclusive(func() {
					if err := registry.Rebuild(ctx, cur); err != nil {
						logger.Error("Failed to rebuild storage client", "error", err)
					}
				})
			}
			if old.FlushCommand != cur.FlushCommand || old.CompressionLevel != cur.CompressionLevel {
				logger.Warn("flush_command and compression_level changes apply after a restart")
			}
		})
		if err != nil {
			logger.Warn("Config file watching disabled", "error", err)
		}
	}

	// First snapshot on start; respawn protection decides whether it runs.
	go sched.runScheduled()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	sched.Stop()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultConfig().ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
	}
	wg.Wait()

	// Let a cancelled run unwind before removing leftovers.
	orch.Exclusive(func() {
		if n := utils.DefaultExitCleanup.Run(logger); n > 0 {
			logger.Info("Removed leftover local archives", "count", n)
		}
	})
	return nil
}

// scheduler owns the cron instance so the interval can change on reload.
type scheduler struct {
	ctx    context.Context
	orch   *backup.Orchestrator
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func newScheduler(ctx context.Context, orch *backup.Orchestrator, logger *slog.Logger) *scheduler {
	return &scheduler{ctx: ctx, orch: orch, logger: logger.With("component", "scheduler")}
}

// Reschedule replaces the running schedule with one firing every interval.
func (s *scheduler) Reschedule(interval time.Duration) error {
	c := cron.New()
	if err := c.AddFunc("@every "+interval.String(), s.runScheduled); err != nil {
		return fmt.Errorf("invalid snapshot interval %s: %w", interval, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = c
	c.Start()

	s.logger.Info("Snapshots scheduled", "interval", interval)
	return nil
}

// Stop halts the schedule. A run already in progress is not interrupted here.
func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

func (s *scheduler) runScheduled() {
	if s.ctx.Err() != nil {
		return
	}
	result, err := s.orch.RunScheduledBackup(s.ctx)
	switch {
	case errors.Is(err, backup.ErrRunInProgress):
		s.logger.Info("Skipping tick, a snapshot run is still active")
	case err != nil:
		// Already logged by the orchestrator
	case result.Skipped:
		s.logger.Debug("Scheduled snapshot skipped", "reason", result.Reason)
	}
}

// uploadTestObject writes a small marker object under the prefix to verify
// bucket access and credentials.
func uploadTestObject(ctx context.Context, registry *storage.Registry, cfg *config.Config, logger *slog.Logger) error {
	store, err := registry.Current()
	if err != nil {
		return err
	}

	key := utils.ObjectKey(cfg.Prefix, "_snapshot-test-"+uuid.NewString()+".txt")
	body := fmt.Sprintf("snapshot service connectivity test, %s\n", time.Now().UTC().Format(time.RFC3339))

	if err := store.PutObject(ctx, cfg.Bucket, key, strings.NewReader(body), int64(len(body))); err != nil {
		return fmt.Errorf("failed to upload test object: %w", err)
	}
	logger.Info("Test object uploaded", "location", cfg.Bucket+"/"+key)
	return nil
}

func showConfig(cfg *config.Config) error {
	out, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
