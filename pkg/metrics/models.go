package metrics

import "time"

// Overall test run statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Per-stage statuses.
const (
	StageNotStarted = "not_started"
	StageRunning    = "running"
	StagePassed     = "passed"
	StageFailed     = "failed"
)

// Stage names tracked independently for each test run.
const (
	StageDownload    = "download"
	StageBoot        = "boot"
	StageNetwork     = "network"
	StageBrowserTest = "browser_test"
)

// Trigger kinds.
const (
	TriggeredManual    = "manual"
	TriggeredWebhook   = "webhook"
	TriggeredScheduled = "scheduled"
)

// Report statuses.
const (
	ReportPending = "pending"
	ReportPosted  = "posted"
	ReportFailed  = "failed"
)

// GitHubContext correlates a test run with the external event that
// triggered it and targets the result-reporting API.
type GitHubContext struct {
	EventType     string `json:"event_type,omitempty"`
	ReleaseID     *int64 `json:"release_id,omitempty"`
	PRNumber      *int   `json:"pr_number,omitempty"`
	CommitSHA     string `json:"commit_sha,omitempty"`
	WorkflowRunID *int64 `json:"workflow_run_id,omitempty"`
}

// TestRun is one attempt to boot and verify an image. Rows are append-only;
// runs are never deleted.
type TestRun struct {
	ID uint `gorm:"primaryKey" json:"id"`

	ImageURL     string  `gorm:"not null" json:"image_url"`
	ImageVersion *string `gorm:"index" json:"image_version,omitempty"`

	// Independent stage statuses.
	DownloadStatus    string `gorm:"not null;default:not_started" json:"download_status"`
	BootStatus        string `gorm:"not null;default:not_started" json:"boot_status"`
	NetworkStatus     string `gorm:"not null;default:not_started" json:"network_status"`
	BrowserTestStatus string `gorm:"not null;default:not_started" json:"browser_test_status"`

	Status string `gorm:"not null;index" json:"status"`

	StartedAt       time.Time  `gorm:"not null;index" json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`

	TriggeredBy   string `gorm:"not null" json:"triggered_by"`
	TriggerSource string `json:"trigger_source,omitempty"`
	DeviceIP      string `json:"device_ip,omitempty"`

	// GitHub context, added after the initial schema; older rows carry
	// nulls here. Column names are pinned because the default naming
	// strategy would split GitHub into git_hub.
	GitHubEventType     string `gorm:"column:github_event_type" json:"github_event_type,omitempty"`
	GitHubReleaseID     *int64 `gorm:"column:github_release_id;index" json:"github_release_id,omitempty"`
	GitHubPRNumber      *int   `gorm:"column:github_pr_number" json:"github_pr_number,omitempty"`
	GitHubCommitSHA     string `gorm:"column:github_commit_sha" json:"github_commit_sha,omitempty"`
	GitHubWorkflowRunID *int64 `gorm:"column:github_workflow_run_id" json:"github_workflow_run_id,omitempty"`

	// Result-reporting bookkeeping, also a later schema addition.
	ReportStatus   string     `gorm:"default:pending" json:"report_status"`
	ReportAttempts int        `gorm:"default:0" json:"report_attempts"`
	LastReportedAt *time.Time `json:"last_reported_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStage   string `json:"error_stage,omitempty"`
}

// Stats aggregates run outcomes over a trailing window.
type Stats struct {
	Days            int            `json:"days"`
	Total           int64          `json:"total"`
	CountsByStatus  map[string]int `json:"counts_by_status"`
	AverageDuration float64        `json:"average_duration_seconds"`
	PassRate        float64        `json:"pass_rate"`
}
