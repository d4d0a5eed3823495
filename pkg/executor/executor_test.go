package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/backend"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/queue"
)

// scriptedBackend fails at one chosen stage.
type scriptedBackend struct {
	failAt   string
	bootErr  error
	wizardOK bool
	cleanups int

	markedFailed        bool
	markedBeforeCleanup bool
}

func (s *scriptedBackend) stageErr(stage string) error {
	if s.failAt == stage {
		return errors.New(stage + " exploded")
	}

	return nil
}

func (s *scriptedBackend) PrepareEnvironment(_ context.Context) error {
	return s.stageErr("prepare")
}

func (s *scriptedBackend) BootSystem(_ context.Context) error {
	if s.bootErr != nil {
		return s.bootErr
	}

	return s.stageErr("boot")
}

func (s *scriptedBackend) MarkFailed() {
	s.markedFailed = true
}

func (s *scriptedBackend) WaitForNetwork(_ context.Context) (string, error) {
	return "10.0.0.5", s.stageErr("network")
}

func (s *scriptedBackend) RunBrowserTests(
	_ context.Context, _ string,
) (bool, error) {
	return s.wizardOK, s.stageErr("browser")
}

func (s *scriptedBackend) Cleanup(_ context.Context) error {
	if s.cleanups == 0 && s.markedFailed {
		s.markedBeforeCleanup = true
	}

	s.cleanups++

	return nil
}

func setupExecutor(
	t *testing.T, b backend.Backend,
) (*Executor, metrics.Store) {
	t.Helper()

	store := metrics.NewStore(logrus.New(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "executor.db"),
		},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, store.Stop())
	})

	e := New(logrus.New(), &config.Config{
		Timeouts: config.TimeoutConfig{RunMinutes: 1},
	}, store, nil, nil)

	e.build = func(
		_ backend.Deps, _ *image.Info, _ *backend.TestConfig,
	) (backend.Backend, error) {
		return b, nil
	}

	return e, store
}

func startItem(t *testing.T, store metrics.Store, url string) *queue.Item {
	t.Helper()

	id, err := store.StartTest(
		context.Background(), url,
		metrics.TriggeredManual, metrics.TriggeredManual, "", nil,
	)
	require.NoError(t, err)

	return &queue.Item{ID: "item", URL: url, RunID: id}
}

func TestExecutor_PassingRun(t *testing.T) {
	b := &scriptedBackend{wizardOK: true}
	e, store := setupExecutor(t, b)

	item := startItem(t, store, "https://example.com/feeder-v1.0.img.xz")
	e.Execute(context.Background(), item)

	run, err := store.GetTest(context.Background(), item.RunID)
	require.NoError(t, err)

	assert.Equal(t, metrics.StatusPassed, run.Status)
	assert.Empty(t, run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, 1, b.cleanups, "cleanup must run exactly once")
	assert.False(t, b.markedFailed, "a passing run is never marked failed")
}

func TestExecutor_StageFailures(t *testing.T) {
	tests := []struct {
		failAt         string
		expectedStage  string
		expectedStatus string
	}{
		// Preparation is harness work, so its failures are errors.
		{
			failAt:         "prepare",
			expectedStage:  metrics.StageDownload,
			expectedStatus: metrics.StatusError,
		},
		{
			failAt:         "boot",
			expectedStage:  metrics.StageBoot,
			expectedStatus: metrics.StatusFailed,
		},
		{
			failAt:         "network",
			expectedStage:  metrics.StageNetwork,
			expectedStatus: metrics.StatusFailed,
		},
		{
			failAt:         "browser",
			expectedStage:  metrics.StageBrowserTest,
			expectedStatus: metrics.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.failAt, func(t *testing.T) {
			b := &scriptedBackend{failAt: tt.failAt}
			e, store := setupExecutor(t, b)

			item := startItem(t, store, "https://example.com/f.img.xz")
			e.Execute(context.Background(), item)

			run, err := store.GetTest(context.Background(), item.RunID)
			require.NoError(t, err)

			assert.Equal(t, tt.expectedStatus, run.Status)
			assert.Equal(t, tt.expectedStage, run.ErrorStage)
			assert.Contains(t, run.ErrorMessage, "exploded")
			assert.Equal(t, 1, b.cleanups,
				"cleanup must run even after a stage failure")
		})
	}
}

func TestExecutor_InfrastructureBootFailure(t *testing.T) {
	// A dead power switch is the harness's fault, not the device's.
	b := &scriptedBackend{bootErr: fmt.Errorf(
		"power cycling device: %w", backend.ErrInfrastructure,
	)}
	e, store := setupExecutor(t, b)

	item := startItem(t, store, "https://example.com/f.img.xz")
	e.Execute(context.Background(), item)

	run, err := store.GetTest(context.Background(), item.RunID)
	require.NoError(t, err)

	assert.Equal(t, metrics.StatusError, run.Status)
	assert.Equal(t, metrics.StageBoot, run.ErrorStage)
}

func TestExecutor_MarksBackendFailedBeforeCleanup(t *testing.T) {
	b := &scriptedBackend{failAt: "network"}
	e, store := setupExecutor(t, b)

	item := startItem(t, store, "https://example.com/f.img.xz")
	e.Execute(context.Background(), item)

	assert.True(t, b.markedFailed,
		"non-passed runs must reach the backend before cleanup")
	assert.True(t, b.markedBeforeCleanup)
}

func TestExecutor_WizardVerdictFailure(t *testing.T) {
	// The wizard returned cleanly but did not pass; that is a failed test,
	// not an error.
	b := &scriptedBackend{wizardOK: false}
	e, store := setupExecutor(t, b)

	item := startItem(t, store, "https://example.com/f.img.xz")
	e.Execute(context.Background(), item)

	run, err := store.GetTest(context.Background(), item.RunID)
	require.NoError(t, err)

	assert.Equal(t, metrics.StatusFailed, run.Status)
	assert.Equal(t, metrics.StageBrowserTest, run.ErrorStage)
}

func TestExecutor_UnresolvableURL(t *testing.T) {
	e, store := setupExecutor(t, &scriptedBackend{})

	item := startItem(t, store, "https://example.com/feeder.iso")
	e.Execute(context.Background(), item)

	run, err := store.GetTest(context.Background(), item.RunID)
	require.NoError(t, err)

	assert.Equal(t, metrics.StatusError, run.Status)
	assert.Equal(t, metrics.StageDownload, run.ErrorStage)
}
