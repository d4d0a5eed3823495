package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/browser"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/executor"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/queue"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/reporter"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/webhook"
)

var (
	runServer        string
	runAPIKey        string
	runDeviceIP      string
	runPowerScript   string
	runConsoleDevice string
	runSSHKey        string
	runTimeoutMins   int
)

var runCmd = &cobra.Command{
	Use:   "run <image-url>",
	Short: "Run a single boot test",
	Long: `Run one boot test for the given image URL. Without --server the
test runs in this process against the locally configured hardware; with
--server it is submitted to a running boot-test service instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runServer, "server", "",
		"base URL of a running boot-test service")
	runCmd.Flags().StringVar(&runAPIKey, "api-key", "",
		"API key for --server mode (defaults to BOOTTEST_API_KEY)")
	runCmd.Flags().StringVar(&runDeviceIP, "device-ip", "",
		"override the device IP")
	runCmd.Flags().StringVar(&runPowerScript, "power-script", "",
		"override the power control script")
	runCmd.Flags().StringVar(&runConsoleDevice, "console-device", "",
		"override the serial console device")
	runCmd.Flags().StringVar(&runSSHKey, "ssh-key", "",
		"override the hypervisor SSH key path")
	runCmd.Flags().IntVar(&runTimeoutMins, "timeout", 0,
		"override the run timeout in minutes")

	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	imageURL := args[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Warn("Interrupted, cleaning up")
		cancel()
	}()

	if runServer != "" {
		return runRemote(ctx, imageURL)
	}

	return runLocal(ctx, imageURL)
}

// runLocal executes the boot test in this process, against the hardware
// named in the config file with any flag overrides applied.
func runLocal(ctx context.Context, imageURL string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	applyRunOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if err := waitForIdle(ctx, cfg.Server.Listen); err != nil {
		return err
	}

	store := metrics.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting metrics store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Stopping metrics store")
		}
	}()

	runID, err := store.StartTest(
		ctx, imageURL, metrics.TriggeredManual, metrics.TriggeredManual,
		cfg.Device.IP, nil,
	)
	if err != nil {
		return fmt.Errorf("recording test run: %w", err)
	}

	downloader := image.NewDownloader(
		log, cfg.Download.CacheDir, cfg.Download.Timeout,
	)
	exec := executor.New(
		log, cfg, store, downloader, browser.NewWizardVerifier(log),
	)

	exec.Execute(ctx, &queue.Item{
		ID:          uuid.NewString(),
		URL:         imageURL,
		SubmittedAt: time.Now().UTC(),
		RunID:       runID,
		TriggeredBy: metrics.TriggeredManual,
	})

	if ctx.Err() != nil {
		completeInterrupted(store, runID)
	}

	// Read the outcome back on a fresh context; the signal handler may
	// have cancelled ours.
	run, err := store.GetTest(context.Background(), runID)
	if err != nil {
		return fmt.Errorf("reading test result: %w", err)
	}

	fmt.Println(reporter.FormatSummary(run))

	if run.Status != metrics.StatusPassed {
		return fmt.Errorf("boot test %s", run.Status)
	}

	return nil
}

// completeInterrupted closes out a run the signal handler cancelled.
// Backend cleanup already ran inside Execute; this only keeps the row from
// staying open. A run the executor finished first is left alone.
func completeInterrupted(store metrics.Store, runID uint) {
	log.Warn("Boot test interrupted")

	err := store.CompleteTest(
		context.Background(), runID, metrics.StatusError, "interrupted", "",
	)
	if err != nil && !errors.Is(err, metrics.ErrAlreadyCompleted) {
		log.WithError(err).Warn("Recording interrupted run")
	}
}

// waitForIdle polls a colocated service for an in-flight test before
// touching the shared hardware. An unreachable service means no daemon is
// running and the run proceeds.
func waitForIdle(ctx context.Context, listen string) error {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%s/api/status", port)

	for {
		resp, err := client.Get(url)
		if err != nil {
			return nil
		}

		var status struct {
			Running *struct {
				TestID uint   `json:"test_id"`
				URL    string `json:"url"`
			} `json:"running"`
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if readErr != nil || resp.StatusCode != http.StatusOK ||
			json.Unmarshal(data, &status) != nil {
			return nil
		}

		if status.Running == nil {
			return nil
		}

		log.WithField("test_id", status.Running.TestID).
			Info("Service is running a test, waiting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
}

// runRemote submits the test to a running service and polls until it
// completes.
func runRemote(ctx context.Context, imageURL string) error {
	apiKey := runAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("BOOTTEST_API_KEY")
	}

	d := webhook.NewDispatcher(log, runServer, apiKey)

	resp, err := d.Dispatch(
		ctx, webhook.Asset{BrowserDownloadURL: imageURL}, nil,
	)
	if err != nil {
		return fmt.Errorf("submitting boot test: %w", err)
	}

	switch resp.Status {
	case queue.StatusQueued:
		log.WithField("test_id", resp.TestID).Info("Boot test queued")
	case queue.StatusDuplicate:
		return fmt.Errorf(
			"duplicate of test %d, not queued", resp.PreviousTestID,
		)
	case "ignored":
		return fmt.Errorf(
			"already tested as run %d", resp.PreviousTestID,
		)
	default:
		return fmt.Errorf("unexpected trigger status %q", resp.Status)
	}

	run, err := pollResult(ctx, resp.TestID)
	if err != nil {
		return err
	}

	fmt.Println(reporter.FormatSummary(run))

	if run.Status != metrics.StatusPassed {
		return fmt.Errorf("boot test %s", run.Status)
	}

	return nil
}

// pollResult watches the service until the run leaves the queued and
// running states.
func pollResult(ctx context.Context, testID uint) (*metrics.TestRun, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	url := fmt.Sprintf("%s/api/results/%d", runServer, testID)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(
			ctx, http.MethodGet, url, nil,
		)
		if err != nil {
			return nil, fmt.Errorf("building result request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			log.WithError(err).Warn("Polling result failed, retrying")

			continue
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if err != nil || resp.StatusCode != http.StatusOK {
			log.WithField("status", resp.Status).
				Warn("Polling result failed, retrying")

			continue
		}

		var run metrics.TestRun
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decoding test result: %w", err)
		}

		if run.Status != metrics.StatusQueued &&
			run.Status != metrics.StatusRunning {
			return &run, nil
		}

		log.WithField("status", run.Status).Debug("Boot test in progress")
	}
}

// applyRunOverrides copies the run command's flag overrides into the
// loaded config.
func applyRunOverrides(cfg *config.Config) {
	if runDeviceIP != "" {
		cfg.Device.IP = runDeviceIP
	}

	if runPowerScript != "" {
		cfg.Device.PowerScript = runPowerScript
	}

	if runConsoleDevice != "" {
		cfg.Device.ConsoleDevice = runConsoleDevice
	}

	if runSSHKey != "" {
		cfg.Hypervisor.SSHKeyPath = runSSHKey
	}

	if runTimeoutMins > 0 {
		cfg.Timeouts.RunMinutes = runTimeoutMins
	}
}
