package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
)

var (
	// ErrInvalidStage is returned when an unknown stage name is given to
	// UpdateStage. The row is left untouched.
	ErrInvalidStage = errors.New("invalid stage name")

	// ErrAlreadyCompleted is returned when CompleteTest is called for a run
	// that already has a completion timestamp. The first outcome wins.
	ErrAlreadyCompleted = errors.New("test run already completed")
)

// stageColumns maps the public stage names to their database columns.
var stageColumns = map[string]string{
	StageDownload:    "download_status",
	StageBoot:        "boot_status",
	StageNetwork:     "network_status",
	StageBrowserTest: "browser_test_status",
}

// versionPattern extracts a dotted version number from an image filename,
// e.g. "adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4.img.xz" -> "v2.1.4".
var versionPattern = regexp.MustCompile(`v?\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.-]+)?`)

// Store provides durable persistence for test run history.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	StartTest(
		ctx context.Context,
		imageURL, triggeredBy, triggerSource, deviceIP string,
		gh *GitHubContext,
	) (uint, error)
	UpdateStage(ctx context.Context, id uint, stage, status string) error
	UpdateTestStatus(ctx context.Context, id uint, status string) error
	CompleteTest(
		ctx context.Context, id uint, status, errorMessage, errorStage string,
	) error
	CheckDuplicate(
		ctx context.Context, imageURL string, releaseID *int64,
	) (*uint, error)
	MarkReported(ctx context.Context, id uint, status string) error

	GetTest(ctx context.Context, id uint) (*TestRun, error)
	RecentResults(ctx context.Context, limit int) ([]TestRun, error)
	ResultsByStatus(
		ctx context.Context, status string, limit int,
	) ([]TestRun, error)
	ResultsByVersion(
		ctx context.Context, version string, limit int,
	) ([]TestRun, error)
	ResultsByEvent(
		ctx context.Context, eventType string, releaseID *int64, prNumber *int,
	) ([]TestRun, error)
	Stats(ctx context.Context, days int) (*Stats, error)
	QueuedTests(ctx context.Context) ([]TestRun, error)
	RunningTests(ctx context.Context) ([]TestRun, error)
	UnreportedTests(ctx context.Context) ([]TestRun, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "metrics"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations. Migrations are
// additive only; rows created before the GitHub-context and report columns
// existed keep nulls there.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening metrics database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&TestRun{}); err != nil {
		return fmt.Errorf("running metrics migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Metrics database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// StartTest creates a new queued test run and returns its id.
func (s *store) StartTest(
	ctx context.Context,
	imageURL, triggeredBy, triggerSource, deviceIP string,
	gh *GitHubContext,
) (uint, error) {
	run := &TestRun{
		ImageURL:          imageURL,
		ImageVersion:      deriveVersion(imageURL),
		DownloadStatus:    StageNotStarted,
		BootStatus:        StageNotStarted,
		NetworkStatus:     StageNotStarted,
		BrowserTestStatus: StageNotStarted,
		Status:            StatusQueued,
		StartedAt:         time.Now().UTC(),
		TriggeredBy:       triggeredBy,
		TriggerSource:     triggerSource,
		DeviceIP:          deviceIP,
		ReportStatus:      ReportPending,
	}

	if gh != nil {
		run.GitHubEventType = gh.EventType
		run.GitHubReleaseID = gh.ReleaseID
		run.GitHubPRNumber = gh.PRNumber
		run.GitHubCommitSHA = gh.CommitSHA
		run.GitHubWorkflowRunID = gh.WorkflowRunID
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return 0, fmt.Errorf("creating test run: %w", err)
	}

	return run.ID, nil
}

// UpdateStage sets one stage's status. Last write wins; unknown stage names
// fail with ErrInvalidStage without touching the row.
func (s *store) UpdateStage(
	ctx context.Context, id uint, stage, status string,
) error {
	column, ok := stageColumns[stage]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id = ?", id).
		Update(column, status).Error; err != nil {
		return fmt.Errorf("updating stage %s: %w", stage, err)
	}

	return nil
}

// UpdateTestStatus sets the overall status without touching stage columns.
func (s *store) UpdateTestStatus(
	ctx context.Context, id uint, status string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id = ?", id).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("updating test status: %w", err)
	}

	return nil
}

// CompleteTest finalizes a run exactly once: it sets the completion
// timestamp, computes the duration from the stored start time, and records
// the final status. A second completion returns ErrAlreadyCompleted and
// preserves the first outcome.
func (s *store) CompleteTest(
	ctx context.Context, id uint, status, errorMessage, errorStage string,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run TestRun
		if err := tx.First(&run, id).Error; err != nil {
			return fmt.Errorf("loading test run %d: %w", id, err)
		}

		if run.CompletedAt != nil {
			return fmt.Errorf("run %d: %w", id, ErrAlreadyCompleted)
		}

		now := time.Now().UTC()

		duration := int64(now.Sub(run.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}

		updates := map[string]any{
			"status":           status,
			"completed_at":     now,
			"duration_seconds": duration,
			"error_message":    errorMessage,
			"error_stage":      errorStage,
		}

		if err := tx.Model(&TestRun{}).
			Where("id = ?", id).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("completing test run %d: %w", id, err)
		}

		return nil
	})
}

// CheckDuplicate returns the id of an existing run with the same URL and
// release id. Duplicate checking is skipped entirely for nil release ids;
// non-release triggers always get a fresh run.
func (s *store) CheckDuplicate(
	ctx context.Context, imageURL string, releaseID *int64,
) (*uint, error) {
	if releaseID == nil {
		return nil, nil
	}

	var run TestRun

	err := s.db.WithContext(ctx).
		Where("image_url = ? AND github_release_id = ?", imageURL, *releaseID).
		Order("id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("checking duplicate: %w", err)
	}

	return &run.ID, nil
}

// MarkReported records the outcome of one reporting attempt.
func (s *store) MarkReported(
	ctx context.Context, id uint, status string,
) error {
	now := time.Now().UTC()

	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"report_status":    status,
			"report_attempts":  gorm.Expr("report_attempts + 1"),
			"last_reported_at": now,
		}).Error; err != nil {
		return fmt.Errorf("marking run %d reported: %w", id, err)
	}

	return nil
}

// GetTest returns a single run by id.
func (s *store) GetTest(ctx context.Context, id uint) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, fmt.Errorf("getting test run %d: %w", id, err)
	}

	return &run, nil
}

// RecentResults returns the most recent runs, newest first.
func (s *store) RecentResults(
	ctx context.Context, limit int,
) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing recent results: %w", err)
	}

	return runs, nil
}

// ResultsByStatus returns runs with a particular overall status.
func (s *store) ResultsByStatus(
	ctx context.Context, status string, limit int,
) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing results by status: %w", err)
	}

	return runs, nil
}

// ResultsByVersion returns runs whose derived version contains the given
// substring.
func (s *store) ResultsByVersion(
	ctx context.Context, version string, limit int,
) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("image_version LIKE ?", "%"+version+"%").
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing results by version: %w", err)
	}

	return runs, nil
}

// ResultsByEvent returns runs correlated with one external event, grouped
// by (event type, release id) or (event type, PR number).
func (s *store) ResultsByEvent(
	ctx context.Context, eventType string, releaseID *int64, prNumber *int,
) ([]TestRun, error) {
	q := s.db.WithContext(ctx).Where("github_event_type = ?", eventType)

	switch {
	case releaseID != nil:
		q = q.Where("github_release_id = ?", *releaseID)
	case prNumber != nil:
		q = q.Where("github_pr_number = ?", *prNumber)
	default:
		return nil, fmt.Errorf("either release id or pr number is required")
	}

	var runs []TestRun
	if err := q.Order("started_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing results by event: %w", err)
	}

	return runs, nil
}

// Stats aggregates outcomes over a trailing N-day window.
func (s *store) Stats(ctx context.Context, days int) (*Stats, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)

	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("started_at >= ?", since).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("loading runs for stats: %w", err)
	}

	stats := &Stats{
		Days:           days,
		Total:          int64(len(runs)),
		CountsByStatus: make(map[string]int, 5),
	}

	var (
		durationSum   int64
		durationCount int64
		completed     int64
	)

	for _, run := range runs {
		stats.CountsByStatus[run.Status]++

		if run.DurationSeconds != nil {
			durationSum += *run.DurationSeconds
			durationCount++
		}

		if run.Status == StatusPassed || run.Status == StatusFailed {
			completed++
		}
	}

	if durationCount > 0 {
		stats.AverageDuration = float64(durationSum) / float64(durationCount)
	}

	if completed > 0 {
		stats.PassRate =
			float64(stats.CountsByStatus[StatusPassed]) / float64(completed)
	}

	return stats, nil
}

// QueuedTests returns runs still waiting for the worker.
func (s *store) QueuedTests(ctx context.Context) ([]TestRun, error) {
	return s.ResultsByStatus(ctx, StatusQueued, -1)
}

// RunningTests returns runs currently executing.
func (s *store) RunningTests(ctx context.Context) ([]TestRun, error) {
	return s.ResultsByStatus(ctx, StatusRunning, -1)
}

// UnreportedTests returns completed runs whose outcome has not yet been
// posted to the source-control host.
func (s *store) UnreportedTests(ctx context.Context) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND report_status <> ?",
			[]string{StatusPassed, StatusFailed}, ReportPosted).
		Order("started_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing unreported tests: %w", err)
	}

	return runs, nil
}

// deriveVersion extracts a version string from the URL filename. Returns
// nil when no version-looking token is present; never fails on unparseable
// names.
func deriveVersion(imageURL string) *string {
	name := path.Base(imageURL)

	if u, err := url.Parse(imageURL); err == nil && u.Path != "" {
		name = path.Base(u.Path)
	}

	// Strip the image extensions so a prerelease suffix does not swallow
	// them.
	for _, ext := range []string{".xz", ".img", ".qcow2"} {
		name = strings.TrimSuffix(name, ext)
	}

	match := versionPattern.FindString(name)
	if match == "" {
		return nil
	}

	return &match
}
