package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imedwei/tree-snapshot-backup/internal/config"
	"github.com/imedwei/tree-snapshot-backup/internal/metrics"
	"github.com/imedwei/tree-snapshot-backup/internal/ratelimit"
	"github.com/imedwei/tree-snapshot-backup/internal/storage"
	"github.com/imedwei/tree-snapshot-backup/internal/utils"
)

var tracer = otel.Tracer("github.com/imedwei/tree-snapshot-backup/internal/backup")

// Local archive deletion is retried while the file may still be held open.
const (
	DefaultDeleteAttempts = 12
	DefaultDeleteDelay    = 500 * time.Millisecond
)

// State is the phase of the current or last run.
type State int32

const (
	StateIdle State = iota
	StateFlushing
	StateArchiving
	StateUploading
	StatePruning
	StateCleaningUp
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushing:
		return "flushing"
	case StateArchiving:
		return "archiving"
	case StateUploading:
		return "uploading"
	case StatePruning:
		return "pruning"
	case StateCleaningUp:
		return "cleaning_up"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StoreSource hands out the current store client.
type StoreSource interface {
	Current() (storage.ObjectStore, error)
}

// RunResult describes a finished run.
type RunResult struct {
	RunID          string
	Bucket         string
	Key            string
	Size           int64
	Strategy       storage.Strategy
	Files          int
	SkippedFiles   int
	TruncatedFiles int
	Pruned         int
	Duration       time.Duration
	BytesPerSecond float64
	LocalPath      string
	LocalDeleted   bool

	// Skipped is set when respawn protection prevented the run.
	Skipped bool
	Reason  string
}

// Status is a point-in-time view of the orchestrator for health checks.
type Status struct {
	State       State
	LastSuccess time.Time
	LastError   string
}

// Orchestrator coordinates the snapshot pipeline.
type Orchestrator struct {
	configs  *config.Holder
	stores   StoreSource
	archiver Archiver
	flusher  Flusher
	logger   *slog.Logger

	clock          clock.Clock
	cleanup        *utils.ExitCleanup
	deleteAttempts int
	deleteDelay    time.Duration

	runMu sync.Mutex
	state atomic.Int32

	statusMu    sync.Mutex
	lastSuccess time.Time
	lastError   string
}

// NewOrchestrator creates a new snapshot orchestrator.
func NewOrchestrator(configs *config.Holder, stores StoreSource, archiver Archiver, flusher Flusher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		configs:        configs,
		stores:         stores,
		archiver:       archiver,
		flusher:        flusher,
		logger:         logger,
		clock:          clock.WallClock,
		cleanup:        utils.DefaultExitCleanup,
		deleteAttempts: DefaultDeleteAttempts,
		deleteDelay:    DefaultDeleteDelay,
	}
}

// State returns the phase of the current or last run.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Status returns the current state and the outcome of previous runs.
func (o *Orchestrator) Status() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return Status{
		State:       o.State(),
		LastSuccess: o.lastSuccess,
		LastError:   o.lastError,
	}
}

// Exclusive runs fn while no snapshot run is active, waiting for one in
// flight to finish.
func (o *Orchestrator) Exclusive(fn func()) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	fn()
}

// RunBackupNow runs the pipeline immediately, bypassing respawn protection.
func (o *Orchestrator) RunBackupNow(ctx context.Context) (*RunResult, error) {
	return o.run(ctx, false)
}

// RunScheduledBackup runs the pipeline unless the newest remote snapshot is
// younger than the configured respawn protection interval.
func (o *Orchestrator) RunScheduledBackup(ctx context.Context) (*RunResult, error) {
	return o.run(ctx, true)
}

func (o *Orchestrator) run(ctx context.Context, scheduled bool) (result *RunResult, err error) {
	if !o.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.runMu.Unlock()

	// One snapshot for the whole run.
	cfg := o.configs.Load()
	runID := uuid.NewString()
	logger := o.logger.With("run_id", runID)

	ctx, span := tracer.Start(ctx, "snapshot.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Bool("scheduled", scheduled),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// A run skipped by respawn protection leaves the status untouched.
	var skipped bool
	defer func() {
		if skipped {
			return
		}
		o.finish(err)
		if err != nil {
			logger.Error("Snapshot run failed", "state", o.State(), "error", err)
		}
	}()

	store, err := o.stores.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get storage client: %w", err)
	}

	if scheduled {
		if allowed, reason := o.checkRespawn(ctx, store, cfg, logger); !allowed {
			logger.Info("Skipping snapshot due to rate limiting", "reason", reason)
			metrics.RateLimitBlocked.Inc()
			skipped = true
			return &RunResult{RunID: runID, Skipped: true, Reason: reason}, nil
		}
	}

	start := o.clock.Now()
	logger.Info("Starting snapshot run", "scheduled", scheduled, "bucket", cfg.Bucket)

	// Flushing
	o.setState(StateFlushing)
	if err := o.flush(ctx, cfg); err != nil {
		return nil, err
	}

	// Archiving
	o.setState(StateArchiving)
	name := utils.GenerateSnapshotName(cfg.BaseName, start)
	archive, err := o.buildArchive(ctx, cfg, name)
	if err != nil {
		return nil, err
	}

	// Uploading
	o.setState(StateUploading)
	plan := storage.NewUploadPlan(
		cfg.Bucket,
		utils.ObjectKey(cfg.Prefix, name),
		archive.Size,
		cfg.MultipartThreshold(),
		cfg.MultipartPartSize(),
		cfg.MultipartParallelism,
	)
	uploadElapsed, err := o.upload(ctx, store, archive.Path, plan, logger)
	if err != nil {
		logger.Warn("Keeping local archive after failed upload", "path", archive.Path)
		return nil, err
	}

	result = &RunResult{
		RunID:          runID,
		Bucket:         plan.Bucket,
		Key:            plan.Key,
		Size:           plan.Size,
		Strategy:       plan.Strategy,
		Files:          archive.Files,
		SkippedFiles:   archive.Skipped,
		TruncatedFiles: archive.Truncated,
		BytesPerSecond: float64(plan.Size) / max(uploadElapsed.Seconds(), 0.001),
		LocalPath:      archive.Path,
	}
	logger.Info("Uploaded snapshot",
		"location", plan.Bucket+"/"+plan.Key,
		"size", humanize.IBytes(uint64(plan.Size)),
		"strategy", plan.Strategy,
		"duration", uploadElapsed,
		"rate", utils.FormatRate(result.BytesPerSecond),
	)

	// Pruning never affects the outcome of the run.
	o.setState(StatePruning)
	result.Pruned = o.prune(ctx, store, cfg, logger)

	// CleaningUp
	o.setState(StateCleaningUp)
	if cfg.ShouldDeleteLocal() {
		result.LocalDeleted = o.removeLocal(archive.Path, logger)
	} else {
		logger.Info("Keeping local archive", "path", archive.Path)
	}

	result.Duration = o.clock.Now().Sub(start)
	metrics.SnapshotDuration.WithLabelValues("total").Observe(result.Duration.Seconds())
	metrics.LastSnapshotTimestamp.Set(float64(o.clock.Now().Unix()))

	logger.Info("Snapshot run completed",
		"key", result.Key,
		"files", result.Files,
		"skipped_files", result.SkippedFiles,
		"truncated_files", result.TruncatedFiles,
		"pruned", result.Pruned,
		"duration", result.Duration,
	)
	return result, nil
}

// finish records the outcome of a run that got past the respawn gate.
func (o *Orchestrator) finish(err error) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	metrics.RecordSnapshotAttempt(err == nil)
	if err != nil {
		o.setState(StateFailed)
		o.lastError = err.Error()
		return
	}
	o.setState(StateDone)
	o.lastSuccess = o.clock.Now()
	o.lastError = ""
}

// checkRespawn consults the rate limiter against the newest remote snapshot.
// A listing failure lets the run proceed.
func (o *Orchestrator) checkRespawn(ctx context.Context, store storage.ObjectStore, cfg *config.Config, logger *slog.Logger) (bool, string) {
	limiter := ratelimit.NewTimeBasedLimiter(ratelimit.Config{
		MinInterval: cfg.RespawnProtection(),
		Now:         o.clock.Now,
	})
	if limiter.MinInterval() <= 0 {
		return true, "respawn protection disabled"
	}

	snapshots, err := ListSnapshots(ctx, store, cfg.Bucket, cfg.Prefix, cfg.BaseName)
	if err != nil {
		logger.Warn("Failed to get last snapshot time, proceeding with snapshot", "error", err)
		return true, "last snapshot time unknown"
	}

	var last time.Time
	if len(snapshots) > 0 {
		last = snapshots[0].LastModified
	}
	allowed, reason := limiter.ShouldSnapshot(last)
	logger.Info("Rate limiter decision", "should_snapshot", allowed, "reason", reason)
	return allowed, reason
}

func (o *Orchestrator) flush(ctx context.Context, cfg *config.Config) error {
	if o.flusher == nil {
		return nil
	}

	ctx, span := tracer.Start(ctx, "snapshot.flush")
	defer span.End()

	if cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.FlushTimeout)
		defer cancel()
	}

	start := o.clock.Now()
	if err := o.flusher.Flush(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrFlush, err)
	}
	metrics.SnapshotDuration.WithLabelValues("flush").Observe(o.clock.Now().Sub(start).Seconds())
	return nil
}

func (o *Orchestrator) buildArchive(ctx context.Context, cfg *config.Config, name string) (*ArchiveResult, error) {
	ctx, span := tracer.Start(ctx, "snapshot.archive")
	defer span.End()

	job := ArchiveJob{
		SourceRoot:   cfg.SourceDir,
		OutputPath:   filepath.Join(cfg.OutputDir, name),
		ExcludeGlobs: cfg.ExcludeGlobs,
	}

	result, err := o.archiver.Build(ctx, job)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrArchive) {
			err = fmt.Errorf("%w: %w", ErrArchive, err)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("size", result.Size),
		attribute.Int("files", result.Files),
		attribute.Int("skipped", result.Skipped),
	)
	metrics.SnapshotDuration.WithLabelValues("archive").Observe(result.Duration.Seconds())
	return result, nil
}

func (o *Orchestrator) upload(ctx context.Context, store storage.ObjectStore, path string, plan storage.UploadPlan, logger *slog.Logger) (time.Duration, error) {
	ctx, span := tracer.Start(ctx, "snapshot.upload", trace.WithAttributes(
		attribute.String("key", plan.Key),
		attribute.String("strategy", plan.Strategy.String()),
	))
	defer span.End()

	logger.Info("Starting upload",
		"key", plan.Key,
		"strategy", plan.Strategy,
		"size", humanize.IBytes(uint64(plan.Size)),
	)
	start := o.clock.Now()

	var err error
	switch plan.Strategy {
	case storage.StrategyMultipart:
		err = storage.NewEngine(store, logger).Upload(ctx, path, plan.Bucket, plan.Key, plan.PartSize, plan.Parallelism)
	default:
		err = storage.PutWhole(ctx, store, path, plan.Bucket, plan.Key)
		if err == nil {
			metrics.UploadedBytes.Add(float64(plan.Size))
		}
	}
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	elapsed := o.clock.Now().Sub(start)
	metrics.SnapshotDuration.WithLabelValues("upload").Observe(elapsed.Seconds())
	return elapsed, nil
}

func (o *Orchestrator) prune(ctx context.Context, store storage.ObjectStore, cfg *config.Config, logger *slog.Logger) int {
	ctx, span := tracer.Start(ctx, "snapshot.prune")
	defer span.End()

	start := o.clock.Now()
	pruned := NewPruner(store, logger).Prune(ctx, cfg.Bucket, cfg.Prefix, cfg.BaseName, cfg.KeepLast)
	metrics.SnapshotDuration.WithLabelValues("prune").Observe(o.clock.Now().Sub(start).Seconds())
	return pruned
}

// removeLocal deletes the uploaded archive, retrying while the file is held
// open elsewhere. If every attempt fails the path is handed to the exit
// cleanup list. It reports whether the file is gone.
func (o *Orchestrator) removeLocal(path string, logger *slog.Logger) bool {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("Failed to delete local archive", "path", path, "attempt", attempt, "error", err)
		},
		Attempts: o.deleteAttempts,
		Delay:    o.deleteDelay,
		Clock:    o.clock,
	})
	if err != nil {
		o.cleanup.Add(path)
		metrics.LocalCleanupDeferred.Inc()
		logger.Warn("Local archive will be removed at exit",
			"path", path,
			"error", fmt.Errorf("%w: %w", ErrLocalCleanup, retry.LastError(err)),
		)
		return false
	}

	logger.Info("Deleted local archive", "path", path)
	return true
}
