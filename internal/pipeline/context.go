package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// Context carries everything the stages of one batch share: the
// correlation id, the input list, the output destination and a mutable
// property bag. It is owned by exactly one Execute invocation and must
// not be reused across concurrent batches.
type Context struct {
	BatchID    uuid.UUID
	InputFiles []string
	OutputDir  string
	// StagingDir is scratch space converters may write intermediate
	// files into. Empty means the system temp dir.
	StagingDir string

	mu        sync.RWMutex
	props     map[string]string
	notifiers []Notifier
}

// NewContext creates a batch context with a fresh correlation id.
func NewContext(inputFiles []string, outputDir string) *Context {
	return &Context{
		BatchID:    uuid.New(),
		InputFiles: inputFiles,
		OutputDir:  outputDir,
		props:      make(map[string]string),
	}
}

// Set stores a batch-scoped property shared across stages.
func (c *Context) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.props == nil {
		c.props = make(map[string]string)
	}
	c.props[key] = value
}

// Get reads a batch-scoped property.
func (c *Context) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props[key]
	return v, ok
}

// Props returns a copy of the property bag.
func (c *Context) Props() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.props))
	for k, v := range c.props {
		out[k] = v
	}
	return out
}

// AddNotifier registers a progress sink for this batch.
func (c *Context) AddNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, n)
}

// Notify delivers a progress update to every registered sink. Delivery
// is fire-and-forget: a panicking sink is swallowed and never disturbs
// the pipeline.
func (c *Context) Notify(p Progress) {
	c.mu.RLock()
	sinks := make([]Notifier, len(c.notifiers))
	copy(sinks, c.notifiers)
	c.mu.RUnlock()

	for _, n := range sinks {
		func() {
			defer func() { _ = recover() }()
			n.OnProgress(p)
		}()
	}
}
