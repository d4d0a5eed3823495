// Package backend drives one boot test through a linear lifecycle:
// prepare, boot, wait for network, verify, cleanup. Two implementations
// exist, one for the physical iSCSI-booted device and one for a VM on a
// remote hypervisor host; both sit behind the Backend interface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/browser"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
)

// networkPollInterval is the delay between device HTTP probes.
const networkPollInterval = 5 * time.Second

// ErrInfrastructure marks a failure of the harness itself rather than of
// the system under test. Runs failing this way finish as an error, not as
// a failed test.
var ErrInfrastructure = errors.New("infrastructure failure")

// Backend is the common lifecycle of one boot test. The state machine is
// linear with no backward transitions; Cleanup must be safe to call after
// any partial failure and must be idempotent.
type Backend interface {
	PrepareEnvironment(ctx context.Context) error
	BootSystem(ctx context.Context) error
	WaitForNetwork(ctx context.Context) (string, error)
	RunBrowserTests(ctx context.Context, ip string) (bool, error)
	Cleanup(ctx context.Context) error
}

// FailureMarker is implemented by backends whose Cleanup behaves
// differently after a failed run.
type FailureMarker interface {
	MarkFailed()
}

// TestConfig carries the per-run parameters threaded into a backend.
// Constructed once per run, owned by the caller.
type TestConfig struct {
	ImageURL string

	// Store and RunID are optional; stage updates are skipped when the
	// store is absent (ad-hoc manual runs).
	Store metrics.Store
	RunID uint

	// Timeout is the overall budget for the run.
	Timeout time.Duration
}

// updateStage records a stage transition when a store is attached.
func (tc *TestConfig) updateStage(ctx context.Context, stage, status string) {
	if tc.Store == nil {
		return
	}

	if err := tc.Store.UpdateStage(ctx, tc.RunID, stage, status); err != nil {
		logrus.WithError(err).WithField("stage", stage).
			Warn("Failed to record stage update")
	}
}

// verifier is the narrow slice of browser.Verifier the backends call.
type verifier interface {
	Verify(ctx context.Context, baseURL string) error
}

// Deps bundles the collaborators a backend needs.
type Deps struct {
	Log        logrus.FieldLogger
	Config     *config.Config
	Downloader *image.Downloader
	Verifier   browser.Verifier
}

// New dispatches on the resolved image type exactly once and returns the
// matching backend.
func New(deps Deps, info *image.Info, tc *TestConfig) (Backend, error) {
	switch info.Type {
	case image.TypePhysicalDevice:
		return NewPhysical(deps, info, tc), nil
	case image.TypeVirtualMachine:
		return NewVM(deps, info, tc), nil
	default:
		return nil, fmt.Errorf("no backend for image type %q", info.Type)
	}
}

// waitForHTTP polls the appliance's HTTP endpoint until it answers or the
// deadline passes.
func waitForHTTP(
	ctx context.Context,
	log logrus.FieldLogger,
	ip string,
	timeout time.Duration,
) error {
	client := &http.Client{Timeout: 10 * time.Second}
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://%s/", ip)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building probe request: %w", err)
		}

		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()

			if resp.StatusCode < 500 {
				log.WithField("ip", ip).Info("Device network is up")

				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("device %s never answered within %s", ip, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(networkPollInterval):
		}
	}
}

// runVerifier maps verifier outcomes onto the (passed, err) contract:
// assertion failures are test outcomes, not infrastructure errors.
func runVerifier(
	ctx context.Context, v verifier, ip string,
) (bool, error) {
	err := v.Verify(ctx, fmt.Sprintf("http://%s", ip))
	if err == nil {
		return true, nil
	}

	if errors.Is(err, browser.ErrVerificationFailed) {
		return false, nil
	}

	return false, err
}
