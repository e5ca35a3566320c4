package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/engine"
	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/internal/queue"
	"github.com/docmill/docmill/internal/stages"
	"github.com/docmill/docmill/internal/storage"
)

func newTestService(t *testing.T, engines ...*fakeEngine) (*QueueService, *queue.Queue) {
	t.Helper()
	db, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d := newTestDispatcher(t, Config{Retry: fastRetry()}, nil, engines...)
	q := queue.New(observability.Nop(), storage.NewWorkItemRepository(db), d)
	t.Cleanup(q.Close)
	return NewQueueService(observability.Nop(), q, d), q
}

func TestQueueService_ConvertFile_RoundTrip(t *testing.T) {
	fe := &fakeEngine{name: "office", exts: []string{".docx"}}
	svc, _ := newTestService(t, fe)

	src := filepath.Join(t.TempDir(), "quote.docx")
	require.NoError(t, os.WriteFile(src, []byte("doc bytes"), 0o644))
	targetDir := t.TempDir()

	out, err := svc.ConvertFile(context.Background(), stages.ConversionRequest{
		BatchID:    uuid.New(),
		SourcePath: src,
		TargetDir:  targetDir,
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, targetDir, filepath.Dir(out.OutputPath))
	assert.FileExists(t, out.OutputPath)
	assert.Greater(t, out.Duration, time.Duration(0))
	assert.Equal(t, 1, fe.callCount())
}

func TestQueueService_ConvertFile_RejectsUnsupportedExtension(t *testing.T) {
	fe := &fakeEngine{name: "office", exts: []string{".docx"}}
	svc, q := newTestService(t, fe)

	_, err := svc.ConvertFile(context.Background(), stages.ConversionRequest{
		BatchID:    uuid.New(),
		SourcePath: "/in/photo.tiff",
		TargetDir:  t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))

	// Nothing was enqueued for a file no engine accepts.
	assert.Zero(t, q.Depth())
	assert.Equal(t, 0, fe.callCount())
}

func TestQueueService_ConvertFile_QueueCancelSurfacesAsCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fe := &fakeEngine{name: "office", exts: []string{".docx"}}
	fe.convert = func(_ int, _, outputPath string) (*engine.Result, error) {
		once.Do(func() { close(started) })
		<-release
		if err := os.WriteFile(outputPath, []byte("%PDF-1.4"), 0o644); err != nil {
			return nil, err
		}
		return &engine.Result{OutputPath: outputPath, Pages: 1}, nil
	}
	svc, q := newTestService(t, fe)

	srcDir := t.TempDir()
	for _, name := range []string{"a.docx", "b.docx"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte(name), 0o644))
	}

	type outcome struct {
		out *stages.ConvertedFile
		err error
	}
	results := make(map[string]chan outcome)
	for _, name := range []string{"a.docx", "b.docx"} {
		name := name
		ch := make(chan outcome, 1)
		results[name] = ch
		go func() {
			out, err := svc.ConvertFile(context.Background(), stages.ConversionRequest{
				BatchID:    uuid.New(),
				SourcePath: filepath.Join(srcDir, name),
				TargetDir:  t.TempDir(),
			})
			ch <- outcome{out, err}
		}()
	}

	<-started
	// One item is in flight, the other still queued; cancelling the
	// queue resolves only the queued one.
	require.Eventually(t, func() bool { return q.Depth() == 1 },
		2*time.Second, 5*time.Millisecond)
	_, err := q.Cancel(context.Background())
	require.NoError(t, err)
	close(release)

	var done, cancelled int
	for name, ch := range results {
		select {
		case res := <-ch:
			if res.err != nil {
				assert.ErrorIs(t, res.err, ErrConversionCancelled, "file %s", name)
				cancelled++
			} else {
				done++
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("conversion of %s never finished", name)
		}
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, fe.callCount())
}

func TestQueueService_ConvertFile_CallerContextAbandonsWait(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fe := &fakeEngine{name: "office", exts: []string{".docx"}}
	fe.convert = func(_ int, _, outputPath string) (*engine.Result, error) {
		once.Do(func() { close(started) })
		<-release
		if err := os.WriteFile(outputPath, []byte("%PDF-1.4"), 0o644); err != nil {
			return nil, err
		}
		return &engine.Result{OutputPath: outputPath, Pages: 1}, nil
	}
	svc, _ := newTestService(t, fe)

	srcDir := t.TempDir()
	for _, name := range []string{"a.docx", "b.docx"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte(name), 0o644))
	}

	blockedDone := make(chan error, 1)
	go func() {
		_, err := svc.ConvertFile(context.Background(), stages.ConversionRequest{
			BatchID:    uuid.New(),
			SourcePath: filepath.Join(srcDir, "a.docx"),
			TargetDir:  t.TempDir(),
		})
		blockedDone <- err
	}()
	<-started

	// The second caller gives up while its item is still queued.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.ConvertFile(ctx, stages.ConversionRequest{
		BatchID:    uuid.New(),
		SourcePath: filepath.Join(srcDir, "b.docx"),
		TargetDir:  t.TempDir(),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-blockedDone)

	// The abandoned item was cancelled before it reached the engine.
	assert.Equal(t, 1, fe.callCount())
}
