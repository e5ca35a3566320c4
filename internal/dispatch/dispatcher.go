// Package dispatch routes queued work items into conversion engines
// through the resilience stack: a content-hash artifact cache, a
// per-engine circuit breaker, retry with backoff and the serialized
// engine session.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/engine"
	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/queue"
	"github.com/docmill/docmill/internal/resilience"
	"github.com/docmill/docmill/internal/storage"
)

// ParamTargetDir is the reserved work item parameter naming the
// directory converted output must land in.
const ParamTargetDir = "target_dir"

// Registration binds a named engine session to the extensions it
// accepts. Earlier registrations win when extensions overlap.
type Registration struct {
	Name       string
	Extensions []string
	Session    *engine.Session
}

type registeredEngine struct {
	name    string
	session *engine.Session
	exts    map[string]bool
	breaker *resilience.CircuitBreaker
}

// Config tunes the dispatcher's resilience and caching behavior.
type Config struct {
	Retry            resilience.RetryPolicy
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// CacheDir holds cached conversion artifacts. Empty disables the
	// artifact cache even when a cache client is configured.
	CacheDir string
	CacheTTL time.Duration
}

// Stats counts dispatcher outcomes since startup.
type Stats struct {
	Conversions uint64 `json:"conversions"`
	CacheHits   uint64 `json:"cache_hits"`
	Failures    uint64 `json:"failures"`
}

// Dispatcher converts work items. It implements queue.Processor and is
// only ever driven by the queue's single worker, so per-item work runs
// one at a time; the sessions add their own locking on top.
type Dispatcher struct {
	logger  *observability.Logger
	cfg     Config
	cache   cache.Client
	engines []*registeredEngine
	byName  map[string]*registeredEngine

	conversions atomic.Uint64
	cacheHits   atomic.Uint64
	failures    atomic.Uint64
}

var _ queue.Processor = (*Dispatcher)(nil)

// New builds a dispatcher over the given engine registrations. Each
// engine gets its own circuit breaker so a crashing office engine does
// not lock out the PDF renderer.
func New(logger *observability.Logger, cfg Config, cacheClient cache.Client, regs ...Registration) *Dispatcher {
	if logger == nil {
		logger = observability.Nop()
	}
	logger = logger.WithComponent("dispatch")

	d := &Dispatcher{
		logger: logger,
		cfg:    cfg,
		cache:  cacheClient,
		byName: make(map[string]*registeredEngine, len(regs)),
	}
	for _, reg := range regs {
		exts := make(map[string]bool, len(reg.Extensions))
		for _, ext := range reg.Extensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			exts[ext] = true
		}
		re := &registeredEngine{
			name:    reg.Name,
			session: reg.Session,
			exts:    exts,
			breaker: resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, logger),
		}
		d.engines = append(d.engines, re)
		d.byName[re.name] = re
	}
	return d
}

// Extensions returns every extension some registered engine accepts,
// sorted. The pipeline's engine converter claims exactly this set.
func (d *Dispatcher) Extensions() []string {
	set := map[string]bool{}
	for _, re := range d.engines {
		for ext := range re.exts {
			set[ext] = true
		}
	}
	out := make([]string, 0, len(set))
	for ext := range set {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// EngineNameFor returns the engine that would take the file.
func (d *Dispatcher) EngineNameFor(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, re := range d.engines {
		if re.exts[ext] {
			return re.name, true
		}
	}
	return "", false
}

// HasEngine reports whether an engine is registered under name.
func (d *Dispatcher) HasEngine(name string) bool {
	_, ok := d.byName[name]
	return ok
}

// Stats returns the outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Conversions: d.conversions.Load(),
		CacheHits:   d.cacheHits.Load(),
		Failures:    d.failures.Load(),
	}
}

// BreakerStates reports each engine's circuit state for diagnostics.
func (d *Dispatcher) BreakerStates() map[string]string {
	out := make(map[string]string, len(d.engines))
	for _, re := range d.engines {
		out[re.name] = re.breaker.State().String()
	}
	return out
}

// Process converts one work item to PDF and returns the output path.
// Retryable engine failures are retried with backoff; once an engine's
// breaker opens, attempts fail fast with ErrCircuitOpen until the
// cooldown elapses. A fatal engine failure has already invalidated the
// session by the time it surfaces here, so the next item recreates the
// engine instead of reusing a dead handle.
func (d *Dispatcher) Process(ctx context.Context, item *storage.WorkItem) (string, error) {
	params, err := item.GetParams()
	if err != nil {
		d.failures.Add(1)
		return "", fmt.Errorf("work item params: %w", err)
	}

	reg, err := d.engineFor(item)
	if err != nil {
		d.failures.Add(1)
		return "", err
	}

	targetDir := params[ParamTargetDir]
	if targetDir == "" {
		targetDir = os.TempDir()
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		d.failures.Add(1)
		return "", fmt.Errorf("create target dir: %w", err)
	}
	outputPath := d.outputPathFor(item, targetDir)

	hash, err := hashFile(item.SourcePath)
	if err != nil {
		d.failures.Add(1)
		return "", fmt.Errorf("hash source: %w", err)
	}

	key := cache.ConversionKey(hash, reg.name, "default")
	if artifact, ok := d.lookupArtifact(ctx, key); ok {
		if err := copyFile(artifact, outputPath); err == nil {
			d.cacheHits.Add(1)
			d.logger.Debug().
				Str("item_id", item.ID.String()).
				Str("artifact", artifact).
				Msg("Conversion cache hit")
			return outputPath, nil
		}
	}

	policy := d.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.logger.Warn().
			Str("item_id", item.ID.String()).
			Str("engine", reg.name).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("Conversion attempt failed, retrying")
	}

	// The breaker sits inside the retry loop: once it opens, the next
	// attempt fails with ErrCircuitOpen, which the predicate rejects,
	// so retries stop hammering a restarting engine.
	result, err := resilience.Retry(ctx, policy, func(ctx context.Context) (*engine.Result, error) {
		return resilience.Call(ctx, reg.breaker, func(ctx context.Context) (*engine.Result, error) {
			return reg.session.Convert(ctx, item.SourcePath, outputPath)
		})
	})
	if err != nil {
		d.failures.Add(1)
		d.logger.Warn().
			Str("item_id", item.ID.String()).
			Str("engine", reg.name).
			Str("source", item.SourcePath).
			Err(err).
			Msg("Conversion failed")
		return "", err
	}

	d.conversions.Add(1)
	d.logger.Info().
		Str("item_id", item.ID.String()).
		Str("engine", reg.name).
		Str("output", outputPath).
		Int("pages", result.Pages).
		Dur("took", result.Duration).
		Msg("Conversion succeeded")

	d.storeArtifact(ctx, key, hash, reg.name, outputPath)
	return outputPath, nil
}

func (d *Dispatcher) engineFor(item *storage.WorkItem) (*registeredEngine, error) {
	if item.Engine != "" {
		if re, ok := d.byName[item.Engine]; ok {
			return re, nil
		}
	}
	ext := strings.ToLower(filepath.Ext(item.SourcePath))
	for _, re := range d.engines {
		if re.exts[ext] {
			return re, nil
		}
	}
	return nil, engine.UnsupportedError("dispatch",
		fmt.Sprintf("no engine accepts %q", ext), nil)
}

// outputPathFor names converted output after the source, suffixed with
// the item id so two inputs with the same base name cannot collide in
// a shared staging directory.
func (d *Dispatcher) outputPathFor(item *storage.WorkItem, targetDir string) string {
	base := strings.TrimSuffix(filepath.Base(item.SourcePath), filepath.Ext(item.SourcePath))
	short := item.ID.String()
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(targetDir, fmt.Sprintf("%s-%s.pdf", base, short))
}

func (d *Dispatcher) artifactEnabled() bool {
	return d.cache != nil && d.cfg.CacheDir != ""
}

func (d *Dispatcher) lookupArtifact(ctx context.Context, key string) (string, bool) {
	if !d.artifactEnabled() {
		return "", false
	}
	val, err := d.cache.Get(ctx, key)
	if err != nil {
		return "", false
	}
	artifact := string(val)
	if _, err := os.Stat(artifact); err != nil {
		// Stale index entry, the artifact is gone.
		_ = d.cache.Delete(ctx, key)
		return "", false
	}
	return artifact, true
}

// storeArtifact keeps a copy of the converted output for future cache
// hits. Best-effort: failures are logged and the conversion result
// stands.
func (d *Dispatcher) storeArtifact(ctx context.Context, key, hash, engineName, outputPath string) {
	if !d.artifactEnabled() {
		return
	}
	if err := os.MkdirAll(d.cfg.CacheDir, 0o755); err != nil {
		d.logger.Warn().Err(err).Msg("Cannot create conversion cache dir")
		return
	}
	artifact := filepath.Join(d.cfg.CacheDir, fmt.Sprintf("%s-%s.pdf", hash, engineName))
	if err := copyFile(outputPath, artifact); err != nil {
		d.logger.Warn().Err(err).Msg("Cannot store conversion artifact")
		return
	}
	if err := d.cache.Set(ctx, key, []byte(artifact), d.cfg.CacheTTL); err != nil {
		d.logger.Warn().Err(err).Msg("Cannot index conversion artifact")
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
