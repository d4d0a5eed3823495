package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
)

// recordingRunner collects executed items and signals each completion.
type recordingRunner struct {
	mu    sync.Mutex
	items []*Item
	done  chan struct{}
	block chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan struct{}, 16)}
}

func (r *recordingRunner) Execute(_ context.Context, item *Item) {
	if r.block != nil {
		<-r.block
	}

	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()

	r.done <- struct{}{}
}

func (r *recordingRunner) executed() []*Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Item, len(r.items))
	copy(out, r.items)

	return out
}

func setupQueue(t *testing.T, runner Runner, window time.Duration) *Queue {
	t.Helper()

	store := metrics.NewStore(logrus.New(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "queue.db"),
		},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, store.Stop())
	})

	return New(logrus.New(), store, runner, window, "10.0.0.5")
}

func TestQueue_AddTestCreatesRun(t *testing.T) {
	q := setupQueue(t, newRecordingRunner(), time.Minute)

	res, err := q.AddTest(
		context.Background(),
		"https://example.com/feeder-v1.0.img.xz",
		"192.0.2.1", metrics.TriggeredManual, metrics.TriggeredManual, nil,
	)
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, res.Status)
	assert.NotZero(t, res.TestID)
	assert.Equal(t, 1, q.Depth())
}

func TestQueue_DedupWithinWindow(t *testing.T) {
	q := setupQueue(t, newRecordingRunner(), time.Minute)
	ctx := context.Background()

	first, err := q.AddTest(ctx, "https://example.com/feeder.img.xz",
		"", metrics.TriggeredManual, metrics.TriggeredManual, nil)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, first.Status)

	// Same URL with different case and surrounding whitespace.
	second, err := q.AddTest(ctx, "  https://EXAMPLE.com/feeder.img.xz ",
		"", metrics.TriggeredManual, metrics.TriggeredManual, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, first.TestID, second.PreviousTestID)
	assert.Equal(t, 1, q.Depth())
}

func TestQueue_DedupWindowExpires(t *testing.T) {
	q := setupQueue(t, newRecordingRunner(), 10*time.Millisecond)
	ctx := context.Background()

	_, err := q.AddTest(ctx, "https://example.com/feeder.img.xz",
		"", metrics.TriggeredManual, metrics.TriggeredManual, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	res, err := q.AddTest(ctx, "https://example.com/feeder.img.xz",
		"", metrics.TriggeredManual, metrics.TriggeredManual, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
}

func TestQueue_DrainsFIFO(t *testing.T) {
	runner := newRecordingRunner()
	q := setupQueue(t, runner, time.Minute)
	ctx := context.Background()

	urls := []string{
		"https://example.com/a.img.xz",
		"https://example.com/b.img.xz",
		"https://example.com/c.img.xz",
	}

	for _, u := range urls {
		_, err := q.AddTest(ctx, u,
			"", metrics.TriggeredManual, metrics.TriggeredManual, nil)
		require.NoError(t, err)
	}

	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, q.Stop())
	})

	for range urls {
		select {
		case <-runner.done:
		case <-time.After(time.Second):
			t.Fatal("queue never drained")
		}
	}

	executed := runner.executed()
	require.Len(t, executed, 3)

	for i, u := range urls {
		assert.Equal(t, u, executed[i].URL)
	}

	assert.Equal(t, 0, q.Depth())
	assert.Nil(t, q.Running())
}

func TestQueue_RunningExposesInFlightItem(t *testing.T) {
	runner := newRecordingRunner()
	runner.block = make(chan struct{})

	q := setupQueue(t, runner, time.Minute)
	ctx := context.Background()

	res, err := q.AddTest(ctx, "https://example.com/feeder.img.xz",
		"", metrics.TriggeredManual, metrics.TriggeredManual, nil)
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool {
		return q.Running() != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, res.TestID, q.Running().RunID)
	assert.Equal(t, 0, q.Depth())

	close(runner.block)

	select {
	case <-runner.done:
	case <-time.After(time.Second):
		t.Fatal("runner never finished")
	}

	require.NoError(t, q.Stop())
	assert.Nil(t, q.Running())
}

func TestQueue_Flush(t *testing.T) {
	q := setupQueue(t, newRecordingRunner(), time.Minute)
	ctx := context.Background()

	for _, u := range []string{
		"https://example.com/a.img.xz",
		"https://example.com/b.img.xz",
	} {
		_, err := q.AddTest(ctx, u,
			"", metrics.TriggeredManual, metrics.TriggeredManual, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, q.Flush())
	assert.Equal(t, 0, q.Depth())

	// The dedup cache is flushed too; the same URL is accepted again.
	res, err := q.AddTest(ctx, "https://example.com/a.img.xz",
		"", metrics.TriggeredManual, metrics.TriggeredManual, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t,
		"https://example.com/a.img.xz",
		normalizeURL("  https://Example.COM/a.img.xz\t"),
	)
}
