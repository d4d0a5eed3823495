// Package executor promotes queued items into running boot tests and walks
// a hardware backend through the test lifecycle, recording every stage in
// the metrics store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/backend"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/browser"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/queue"
)

// newBackend builds a Backend for a resolved image. Swappable in tests.
type newBackend func(
	deps backend.Deps, info *image.Info, tc *backend.TestConfig,
) (backend.Backend, error)

// Executor runs one admitted queue item end to end.
type Executor struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      metrics.Store
	downloader *image.Downloader
	verifier   browser.Verifier

	build newBackend
}

// Compile-time interface check.
var _ queue.Runner = (*Executor)(nil)

// New creates an executor wired to the real backends.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	store metrics.Store,
	downloader *image.Downloader,
	verifier browser.Verifier,
) *Executor {
	return &Executor{
		log:        log.WithField("component", "executor"),
		cfg:        cfg,
		store:      store,
		downloader: downloader,
		verifier:   verifier,
		build:      backend.New,
	}
}

// Execute runs one item. It never panics the worker: every outcome ends in
// exactly one CompleteTest call.
func (e *Executor) Execute(ctx context.Context, item *queue.Item) {
	log := e.log.WithFields(logrus.Fields{
		"run_id": item.RunID,
		"url":    item.URL,
	})

	if err := e.store.UpdateTestStatus(
		ctx, item.RunID, metrics.StatusRunning,
	); err != nil {
		log.WithError(err).Warn("Failed to mark run running")
	}

	info, err := image.FromURL(item.URL)
	if err != nil {
		log.WithError(err).Error("Unresolvable image URL")
		e.complete(ctx, item.RunID, metrics.StatusError,
			err.Error(), metrics.StageDownload)

		return
	}

	tc := &backend.TestConfig{
		ImageURL: item.URL,
		Store:    e.store,
		RunID:    item.RunID,
		Timeout:  e.cfg.RunTimeout(),
	}

	b, err := e.build(backend.Deps{
		Log:        e.log,
		Config:     e.cfg,
		Downloader: e.downloader,
		Verifier:   e.verifier,
	}, info, tc)
	if err != nil {
		e.complete(ctx, item.RunID, metrics.StatusError,
			err.Error(), metrics.StageDownload)

		return
	}

	runCtx, cancel := context.WithTimeout(ctx, tc.Timeout)
	defer cancel()

	status, errMsg, errStage := e.runLifecycle(runCtx, log, b, info)

	// Backends with keep-on-failure semantics must learn about failures
	// from any stage, not just the ones they observe themselves.
	if status != metrics.StatusPassed {
		if fm, ok := b.(backend.FailureMarker); ok {
			fm.MarkFailed()
		}
	}

	// Cleanup runs on a fresh context so a timed-out run still gets its
	// temp files removed.
	cleanupCtx, cleanupCancel := context.WithTimeout(
		context.Background(), 5*time.Minute,
	)
	defer cleanupCancel()

	if err := b.Cleanup(cleanupCtx); err != nil {
		log.WithError(err).Warn("Backend cleanup failed")
	}

	e.complete(ctx, item.RunID, status, errMsg, errStage)

	log.WithField("status", status).Info("Boot test finished")
}

// runLifecycle walks the backend state machine and translates the first
// failure into a final status.
func (e *Executor) runLifecycle(
	ctx context.Context,
	log logrus.FieldLogger,
	b backend.Backend,
	info *image.Info,
) (status, errMsg, errStage string) {
	log.WithField("type", info.Type).Info("Boot test starting")

	// Preparation is entirely harness work; its failures are never the
	// device's fault.
	if err := b.PrepareEnvironment(ctx); err != nil {
		return metrics.StatusError, err.Error(), metrics.StageDownload
	}

	if err := b.BootSystem(ctx); err != nil {
		return failureStatus(err), err.Error(), metrics.StageBoot
	}

	ip, err := b.WaitForNetwork(ctx)
	if err != nil {
		return failureStatus(err), err.Error(), metrics.StageNetwork
	}

	passed, err := b.RunBrowserTests(ctx, ip)
	if err != nil {
		return failureStatus(err), err.Error(), metrics.StageBrowserTest
	}

	if !passed {
		return metrics.StatusFailed,
			"setup wizard verification failed", metrics.StageBrowserTest
	}

	return metrics.StatusPassed, "", ""
}

// failureStatus separates harness faults from the device failing the test.
func failureStatus(err error) string {
	if errors.Is(err, backend.ErrInfrastructure) {
		return metrics.StatusError
	}

	return metrics.StatusFailed
}

// complete finalizes the run, tolerating the already-completed case.
func (e *Executor) complete(
	ctx context.Context, runID uint, status, errMsg, errStage string,
) {
	err := e.store.CompleteTest(ctx, runID, status, errMsg, errStage)
	if err != nil {
		e.log.WithError(err).
			WithField("run_id", runID).
			Warn(fmt.Sprintf("Failed to complete run as %s", status))
	}
}
