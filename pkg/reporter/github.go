package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
)

// GitHubPoster delivers summaries as PR or commit comments.
type GitHubPoster struct {
	log     logrus.FieldLogger
	client  *http.Client
	apiBase string
	repo    string
	token   string
}

// Compile-time interface check.
var _ Poster = (*GitHubPoster)(nil)

// NewGitHubPoster creates the default poster.
func NewGitHubPoster(
	log logrus.FieldLogger, cfg *config.ReporterConfig,
) *GitHubPoster {
	return &GitHubPoster{
		log:     log.WithField("component", "github"),
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: cfg.GitHubAPIBase,
		repo:    cfg.Repo,
		token:   cfg.Token,
	}
}

// Post picks the reporting target from the run's GitHub context: a PR
// comment when a PR number is known, otherwise a commit comment. Runs
// without any target are reported to the log only; they still count as
// posted so they do not retry forever.
func (p *GitHubPoster) Post(
	ctx context.Context, run *metrics.TestRun, summary string,
) error {
	var endpoint string

	switch {
	case run.GitHubPRNumber != nil:
		endpoint = fmt.Sprintf(
			"%s/repos/%s/issues/%d/comments",
			p.apiBase, p.repo, *run.GitHubPRNumber,
		)
	case run.GitHubCommitSHA != "":
		endpoint = fmt.Sprintf(
			"%s/repos/%s/commits/%s/comments",
			p.apiBase, p.repo, run.GitHubCommitSHA,
		)
	default:
		p.log.WithField("run_id", run.ID).
			Info("No reporting target for run, logging result only")
		p.log.Info(summary)

		return nil
	}

	body, err := json.Marshal(map[string]string{"body": summary})
	if err != nil {
		return fmt.Errorf("encoding comment: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building comment request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting comment: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("github returned %s for %s", resp.Status, endpoint)
	}

	return nil
}
