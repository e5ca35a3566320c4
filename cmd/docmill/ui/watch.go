package ui

import (
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Watch renders live progress for remote batches with mpb.
type Watch struct {
	progress *mpb.Progress
}

// NewWatch creates a new watch renderer.
func NewWatch() *Watch {
	return &Watch{progress: mpb.New(mpb.WithWidth(64))}
}

// Bar adds a named progress bar.
func (w *Watch) Bar(name string, total int64) *mpb.Bar {
	return w.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12}),
		),
	)
}

// Wait blocks until all bars complete.
func (w *Watch) Wait() {
	w.progress.Wait()
}

// Shutdown stops rendering without waiting for bar completion.
func (w *Watch) Shutdown() {
	w.progress.Shutdown()
}
