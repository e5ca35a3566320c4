package engine

import (
	"context"
	"sync"
	"time"

	"github.com/docmill/docmill/internal/observability"
)

// SessionConfig holds engine lifecycle settings.
type SessionConfig struct {
	// HealthCheckInterval is the minimum time between liveness probes of
	// a reused instance. Zero disables health checking.
	HealthCheckInterval time.Duration

	// IdleTimeout evicts the instance after this much inactivity.
	// Zero disables idle eviction.
	IdleTimeout time.Duration

	// JanitorInterval overrides how often idleness is checked.
	// Defaults to half the idle timeout.
	JanitorInterval time.Duration
}

// SessionStats counts lifecycle events for instrumentation.
type SessionStats struct {
	Creates             int64
	Evictions           int64
	HealthCheckFailures int64
	FatalInvalidations  int64
}

// Session owns at most one engine instance, created lazily on first use
// and recreated after eviction, health failure or fatal error. All engine
// access is serialized: concurrent callers queue on the session mutex, so
// the instance never sees overlapping calls.
type Session struct {
	mu      sync.Mutex
	name    string
	factory Factory
	cfg     SessionConfig
	logger  *observability.Logger

	engine          ConversionEngine
	lastUsed        time.Time
	lastHealthCheck time.Time
	closed          bool
	stats           SessionStats

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// NewSession creates a session around factory. When cfg.IdleTimeout is
// positive, a background janitor evicts idle instances.
func NewSession(name string, factory Factory, cfg SessionConfig, logger *observability.Logger) *Session {
	s := &Session{
		name:    name,
		factory: factory,
		cfg:     cfg,
		logger:  logger.WithComponent("engine-session"),
	}

	if cfg.IdleTimeout > 0 {
		interval := cfg.JanitorInterval
		if interval <= 0 {
			interval = cfg.IdleTimeout / 2
		}
		s.stopJanitor = make(chan struct{})
		s.janitorDone = make(chan struct{})
		go s.janitor(interval)
	}

	return s
}

// Convert runs a conversion on the session's engine instance, creating it
// first if needed. Fatal engine failures invalidate the instance before
// returning, so the next call starts from a fresh handle.
func (s *Session) Convert(ctx context.Context, inputPath, outputPath string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	if err := s.ensureEngineLocked(ctx); err != nil {
		return nil, err
	}

	res, err := s.engine.Convert(ctx, inputPath, outputPath)
	s.lastUsed = time.Now()

	if err != nil && IsFatal(err) {
		s.stats.FatalInvalidations++
		s.logger.Warn().
			Str("session", s.name).
			Err(err).
			Msg("Fatal engine failure, invalidating instance")
		s.disposeLocked()
	}

	return res, err
}

// Ping probes the current or a freshly created engine instance.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if err := s.ensureEngineLocked(ctx); err != nil {
		return err
	}

	err := s.engine.Ping(ctx)
	s.lastUsed = time.Now()
	return err
}

// Invalidate disposes the current instance, if any. The next operation
// creates a fresh one.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		s.logger.Info().Str("session", s.name).Msg("Session invalidated")
		s.disposeLocked()
	}
}

// Active reports whether an engine instance currently exists.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine != nil
}

// Stats returns a snapshot of lifecycle counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Name returns the session name used in logs and work item params.
func (s *Session) Name() string {
	return s.name
}

// Close stops the janitor and disposes the instance. Operations after
// Close return ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.disposeLocked()
	s.mu.Unlock()

	if s.stopJanitor != nil {
		close(s.stopJanitor)
		<-s.janitorDone
	}
	return nil
}

// ensureEngineLocked creates the instance if missing and health-checks a
// reused one when the check interval has elapsed. Callers hold s.mu.
func (s *Session) ensureEngineLocked(ctx context.Context) error {
	if s.engine == nil {
		eng, err := s.factory()
		if err != nil {
			return UnavailableError("session", "create engine instance", err)
		}
		s.engine = eng
		s.stats.Creates++
		now := time.Now()
		s.lastUsed = now
		s.lastHealthCheck = now
		s.logger.Info().
			Str("session", s.name).
			Str("engine", eng.Name()).
			Int64("creates", s.stats.Creates).
			Msg("Created engine instance")
		return nil
	}

	if s.cfg.HealthCheckInterval > 0 && time.Since(s.lastHealthCheck) >= s.cfg.HealthCheckInterval {
		if err := s.engine.Ping(ctx); err != nil {
			s.stats.HealthCheckFailures++
			s.logger.Warn().
				Str("session", s.name).
				Err(err).
				Msg("Engine health check failed, recreating instance")
			s.disposeLocked()
			return s.ensureEngineLocked(ctx)
		}
		s.lastHealthCheck = time.Now()
	}

	return nil
}

// disposeLocked closes and clears the instance. Callers hold s.mu.
func (s *Session) disposeLocked() {
	if s.engine == nil {
		return
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Warn().
			Str("session", s.name).
			Err(err).
			Msg("Engine close reported an error")
	}
	s.engine = nil
}

func (s *Session) janitor(interval time.Duration) {
	defer close(s.janitorDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopJanitor:
			return
		case <-ticker.C:
			s.evictIfIdle()
		}
	}
}

func (s *Session) evictIfIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.engine == nil {
		return
	}

	idle := time.Since(s.lastUsed)
	if idle >= s.cfg.IdleTimeout {
		s.stats.Evictions++
		s.logger.Info().
			Str("session", s.name).
			Dur("idle", idle).
			Msg("Evicting idle engine instance")
		s.disposeLocked()
	}
}
