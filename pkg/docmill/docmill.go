// Package docmill assembles the document processing service from
// configuration: conversion engines behind serialized sessions, the
// durable work queue, the engine dispatcher with retry and circuit
// breaking, the conversion cache and the document pipeline.
package docmill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/dispatch"
	"github.com/docmill/docmill/internal/engine"
	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/pipeline"
	"github.com/docmill/docmill/internal/queue"
	"github.com/docmill/docmill/internal/resilience"
	"github.com/docmill/docmill/internal/stages"
	"github.com/docmill/docmill/internal/storage"
)

// Service owns every long-lived component of a docmill instance. One
// Service can run any number of batches; conversions from concurrent
// batches interleave on the shared work queue.
type Service struct {
	cfg    *config.Config
	logger *observability.Logger

	db         *sql.DB
	store      *storage.WorkItemRepository
	cache      cache.Client
	sessions   []*engine.Session
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	orch       *pipeline.Orchestrator

	purgeStop chan struct{}
	purgeDone chan struct{}
}

// Stats is a point-in-time view of the service internals.
type Stats struct {
	QueueDepth      int               `json:"queue_depth"`
	QueueProcessing bool              `json:"queue_processing"`
	Dispatch        dispatch.Stats    `json:"dispatch"`
	Breakers        map[string]string `json:"breakers"`
}

// New builds a Service from cfg. A nil logger builds one from the
// observability settings. Work items left queued by a previous run are
// recovered and will be processed once the queue starts draining.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      cfg.Observability.LogFormat,
			ServiceName: "docmill",
		})
	}

	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open work item store: %w", err)
	}

	cacheClient, err := newCacheClient(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		db:     db,
		store:  storage.NewWorkItemRepository(db),
		cache:  cacheClient,
	}

	sessionCfg := engine.SessionConfig{
		HealthCheckInterval: cfg.Engine.HealthCheckInterval,
		IdleTimeout:         cfg.Engine.IdleTimeout,
	}
	fitzSession := engine.NewSession("fitz", func() (engine.ConversionEngine, error) {
		return engine.NewFitzEngine(engine.FitzConfig{
			DPI:         cfg.Engine.DPI,
			JPEGQuality: cfg.Engine.JPEGQuality,
		}, logger)
	}, sessionCfg, logger)
	officeSession := engine.NewSession("soffice", func() (engine.ConversionEngine, error) {
		return engine.NewSofficeEngine(engine.SofficeConfig{
			Binary:         cfg.Engine.SofficeBinary,
			ConvertTimeout: cfg.Engine.ConvertTimeout,
		}, engine.NewExecRunner(logger), logger)
	}, sessionCfg, logger)
	s.sessions = []*engine.Session{fitzSession, officeSession}

	// Fitz registers first so PDFs and images stay off the office
	// engine; soffice takes everything the office suites produce.
	s.dispatcher = dispatch.New(logger, dispatch.Config{
		Retry: resilience.RetryPolicy{
			MaxRetries:        cfg.Resilience.Retry.MaxRetries,
			InitialDelay:      cfg.Resilience.Retry.InitialDelay,
			BackoffMultiplier: cfg.Resilience.Retry.BackoffMultiplier,
			MaxDelay:          cfg.Resilience.Retry.MaxDelay,
		},
		BreakerThreshold: cfg.Resilience.Breaker.Threshold,
		BreakerCooldown:  cfg.Resilience.Breaker.Cooldown,
		CacheDir:         cfg.Cache.ArtifactDir,
		CacheTTL:         cfg.Cache.TTL,
	}, cacheClient,
		dispatch.Registration{Name: "fitz", Extensions: engine.FitzExtensions(), Session: fitzSession},
		dispatch.Registration{Name: "soffice", Extensions: engine.SofficeExtensions(), Session: officeSession},
	)

	s.queue = queue.New(logger, s.store, s.dispatcher)
	if n, err := s.queue.Recover(ctx); err != nil {
		logger.Warn().Err(err).Msg("Cannot recover queued work items")
	} else if n > 0 {
		s.queue.StartProcessing()
	}

	s.orch = buildPipeline(cfg, logger, dispatch.NewQueueService(logger, s.queue, s.dispatcher), s.dispatcher)

	if cfg.Queue.PurgeAfter > 0 {
		s.purgeStop = make(chan struct{})
		s.purgeDone = make(chan struct{})
		go s.purgeJanitor()
	}

	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("cache", cfg.Cache.Driver).
		Strs("extensions", s.dispatcher.Extensions()).
		Msg("Service ready")
	return s, nil
}

func newCacheClient(cfg *config.Config) (cache.Client, error) {
	if cfg.Cache.Driver == "redis" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect cache: %w", err)
		}
		return client, nil
	}
	return cache.NewMemoryClient(cfg.Cache.MaxEntries), nil
}

// buildPipeline registers the stage implementations in processing
// order. Converter order matters: the passthrough takes healthy PDFs
// before the engine converter claims the full extension set.
func buildPipeline(cfg *config.Config, logger *observability.Logger, svc stages.ConversionService, d *dispatch.Dispatcher) *pipeline.Orchestrator {
	o := pipeline.NewOrchestrator(logger)

	o.RegisterValidator(&stages.BasicFileValidator{MaxFileSize: cfg.Pipeline.MaxFileSize})
	o.RegisterValidator(stages.NewTypeValidator(cfg.Pipeline.AllowedExtensions))

	o.RegisterPreProcessor(stages.FilenameMetadata{})
	o.RegisterPreProcessor(stages.NewOLEPropsExtractor(logger))
	o.RegisterPreProcessor(stages.NewExcelPropsExtractor(logger))
	o.RegisterPreProcessor(stages.NewOPCPropsExtractor(logger))

	o.RegisterConverter(stages.PassthroughPDFConverter{})
	o.RegisterConverter(stages.NewEngineConverter(svc, d.Extensions()))

	o.RegisterPostProcessor(&stages.OrganizeOutput{
		DefaultCompany: cfg.Pipeline.DefaultCompany,
		DefaultScope:   cfg.Pipeline.DefaultScope,
	})

	if cfg.Pipeline.WriteReport {
		o.RegisterOutputGenerator(stages.ReportWriter{})
	}
	if cfg.Pipeline.WriteManifest {
		o.RegisterOutputGenerator(stages.ManifestWriter{})
	}
	return o
}

// BatchOption customizes one ProcessBatch run.
type BatchOption func(*pipeline.Context)

// WithBatchID fixes the batch correlation id instead of generating one.
func WithBatchID(id uuid.UUID) BatchOption {
	return func(pctx *pipeline.Context) {
		if id != uuid.Nil {
			pctx.BatchID = id
		}
	}
}

// WithNotifier registers a progress sink for the batch.
func WithNotifier(n pipeline.Notifier) BatchOption {
	return func(pctx *pipeline.Context) { pctx.AddNotifier(n) }
}

// ProcessBatch runs the full pipeline over inputFiles and organizes
// converted PDFs under outputDir. The returned result always carries
// per-file outcomes; it is never nil. Cancelling ctx stops the batch
// between files, preserving work already completed.
func (s *Service) ProcessBatch(ctx context.Context, inputFiles []string, outputDir string, opts ...BatchOption) (*pipeline.ProcessingResult, error) {
	if outputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	stagingRoot := s.cfg.Pipeline.StagingDir
	if stagingRoot == "" {
		stagingRoot = os.TempDir()
	} else if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	staging, err := os.MkdirTemp(stagingRoot, "docmill-batch-*")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	pctx := pipeline.NewContext(inputFiles, outputDir)
	pctx.StagingDir = staging
	for _, opt := range opts {
		opt(pctx)
	}
	if pub, ok := s.cache.(cache.Publisher); ok && s.cfg.Observability.ProgressChannel != "" {
		pctx.AddNotifier(&progressPublisher{
			logger:  s.logger,
			pub:     pub,
			channel: s.cfg.Observability.ProgressChannel + ":" + pctx.BatchID.String(),
			batchID: pctx.BatchID.String(),
		})
	}

	logger := s.logger.WithBatch(pctx.BatchID.String())
	logger.Info().
		Int("files", len(inputFiles)).
		Str("output_dir", outputDir).
		Msg("Processing batch")

	return s.orch.Execute(ctx, pctx), nil
}

// CancelQueue cancels every queued work item; the in-flight conversion
// finishes first. It reports how many items were cancelled.
func (s *Service) CancelQueue(ctx context.Context) (int64, error) {
	return s.queue.Cancel(ctx)
}

// Stats reports queue and dispatcher counters.
func (s *Service) Stats() Stats {
	return Stats{
		QueueDepth:      s.queue.Depth(),
		QueueProcessing: s.queue.IsProcessing(),
		Dispatch:        s.dispatcher.Stats(),
		Breakers:        s.dispatcher.BreakerStates(),
	}
}

// Store exposes the work item repository for status lookups.
func (s *Service) Store() *storage.WorkItemRepository { return s.store }

// Queue exposes the work queue for direct submissions.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Dispatcher exposes the conversion dispatcher.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// SupportedExtensions lists every extension an engine will accept.
func (s *Service) SupportedExtensions() []string { return s.dispatcher.Extensions() }

// Ping verifies the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close shuts the service down: the queue worker stops after the
// current item, engine handles are released, then the cache and store
// connections close. Queued items stay in the store for the next run.
func (s *Service) Close() error {
	if s.purgeStop != nil {
		close(s.purgeStop)
		<-s.purgeDone
	}
	s.queue.Close()

	var errs []error
	for _, session := range s.sessions {
		if err := session.Close(); err != nil && !errors.Is(err, engine.ErrSessionClosed) {
			errs = append(errs, err)
		}
	}
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info().Msg("Service stopped")
	return errors.Join(errs...)
}

// purgeJanitor trims terminal work items past the retention window.
func (s *Service) purgeJanitor() {
	defer close(s.purgeDone)

	interval := time.Hour
	if s.cfg.Queue.PurgeAfter < interval {
		interval = s.cfg.Queue.PurgeAfter
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.purgeStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			cutoff := time.Now().UTC().Add(-s.cfg.Queue.PurgeAfter)
			n, err := s.store.PurgeFinishedBefore(ctx, cutoff)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("Work item purge failed")
			} else if n > 0 {
				s.logger.Debug().Int64("purged", n).Msg("Purged finished work items")
			}
		}
	}
}

// progressPublisher forwards pipeline progress onto the cache bus so
// remote watchers can follow a batch. Delivery is best-effort.
type progressPublisher struct {
	logger  *observability.Logger
	pub     cache.Publisher
	channel string
	batchID string
}

type progressEvent struct {
	BatchID string `json:"batch_id"`
	pipeline.Progress
}

func (p *progressPublisher) OnProgress(ev pipeline.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.pub.Publish(ctx, p.channel, progressEvent{BatchID: p.batchID, Progress: ev}); err != nil {
		p.logger.Debug().Err(err).Msg("Progress publish failed")
	}
}
