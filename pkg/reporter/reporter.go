// Package reporter posts completed boot-test outcomes back to the
// originating source-control host. Delivery is at-least-once: a run stays
// eligible until a post succeeds or the attempt budget is exhausted.
package reporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
)

const (
	// backoffBase is the delay unit for exponential retry backoff keyed
	// on report_attempts.
	backoffBase = time.Minute

	// postConcurrency bounds parallel GitHub API calls per pass.
	postConcurrency = 3
)

// Poster delivers one formatted summary. Injected so tests don't talk to
// GitHub.
type Poster interface {
	Post(ctx context.Context, run *metrics.TestRun, summary string) error
}

// Reporter is the periodic reporting loop.
type Reporter struct {
	log    logrus.FieldLogger
	cfg    *config.ReporterConfig
	store  metrics.Store
	poster Poster

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a reporter. A nil poster gets the default GitHub client.
func New(
	log logrus.FieldLogger,
	cfg *config.ReporterConfig,
	store metrics.Store,
	poster Poster,
) *Reporter {
	if poster == nil {
		poster = NewGitHubPoster(log, cfg)
	}

	return &Reporter{
		log:    log.WithField("component", "reporter"),
		cfg:    cfg,
		store:  store,
		poster: poster,
		done:   make(chan struct{}),
	}
}

// Start launches the background loop: one immediate pass, then one per
// interval.
func (r *Reporter) Start(ctx context.Context) error {
	r.log.WithField("interval", r.cfg.Interval.String()).
		Info("Starting result reporter")

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.runPass(ctx)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runPass(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the loop to stop and waits for it.
func (r *Reporter) Stop() error {
	close(r.done)
	r.wg.Wait()

	r.log.Info("Result reporter stopped")

	return nil
}

// runPass posts every eligible unreported run, bounded-parallel.
func (r *Reporter) runPass(ctx context.Context) {
	runs, err := r.store.UnreportedTests(ctx)
	if err != nil {
		r.log.WithError(err).Warn("Failed to list unreported tests")

		return
	}

	eligible := make([]metrics.TestRun, 0, len(runs))

	now := time.Now().UTC()

	for _, run := range runs {
		if r.eligible(&run, now) {
			eligible = append(eligible, run)
		}
	}

	if len(eligible) == 0 {
		return
	}

	r.log.WithField("count", len(eligible)).Info("Reporting pass started")

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(postConcurrency)

	for _, run := range eligible {
		run := run
		g.Go(func() error {
			r.reportOne(gCtx, &run)

			return nil
		})
	}

	_ = g.Wait()
}

// eligible applies the exponential backoff keyed on report_attempts and
// the attempt budget.
func (r *Reporter) eligible(run *metrics.TestRun, now time.Time) bool {
	if run.ReportAttempts >= r.cfg.MaxAttempts {
		return false
	}

	if run.LastReportedAt == nil {
		return true
	}

	delay := backoffBase << uint(run.ReportAttempts)

	return now.Sub(*run.LastReportedAt) >= delay
}

// reportOne posts a single run and records the attempt, success or not.
// Posting failures never propagate; the run stays eligible for the next
// pass.
func (r *Reporter) reportOne(ctx context.Context, run *metrics.TestRun) {
	log := r.log.WithField("run_id", run.ID)

	err := r.poster.Post(ctx, run, FormatSummary(run))

	status := metrics.ReportPosted
	if err != nil {
		status = metrics.ReportFailed

		log.WithError(err).Warn("Result post failed")
	} else {
		log.Info("Result posted")
	}

	if err := r.store.MarkReported(ctx, run.ID, status); err != nil {
		log.WithError(err).Warn("Failed to record report attempt")
	}
}

// FormatSummary renders a human-readable outcome for one run.
func FormatSummary(run *metrics.TestRun) string {
	verdict := "❌ failed"
	if run.Status == metrics.StatusPassed {
		verdict = "✅ passed"
	}

	version := "unknown"
	if run.ImageVersion != nil {
		version = *run.ImageVersion
	}

	duration := "n/a"
	if run.DurationSeconds != nil {
		duration = (time.Duration(*run.DurationSeconds) * time.Second).String()
	}

	s := fmt.Sprintf(
		"Boot test %s for `%s` (run #%d)\n\n"+
			"| stage | status |\n|---|---|\n"+
			"| download | %s |\n| boot | %s |\n| network | %s |\n| browser test | %s |\n\n"+
			"Duration: %s\n",
		verdict, version, run.ID,
		run.DownloadStatus, run.BootStatus,
		run.NetworkStatus, run.BrowserTestStatus,
		duration,
	)

	if run.ErrorMessage != "" {
		s += fmt.Sprintf(
			"\nFailure at stage `%s`: %s\n", run.ErrorStage, run.ErrorMessage,
		)
	}

	return s
}
