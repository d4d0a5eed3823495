package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/console"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/power"
)

// powerController is the slice of power.Controller the backend needs.
type powerController interface {
	Cycle(ctx context.Context) error
}

// consoleWaiter is the slice of console.Reader the backend needs.
type consoleWaiter interface {
	WaitForPattern(re *regexp.Regexp, timeout time.Duration) (string, error)
	Lines() []string
	Close()
}

// Physical boots a real device: the image is staged for block-level export
// over iSCSI, the device is power-cycled through a network switch, and boot
// progress is observed on the serial console.
type Physical struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	info     *image.Info
	tc       *TestConfig
	dl       *image.Downloader
	verifier verifier

	pwr         powerController
	openConsole func() (consoleWaiter, error)

	compressedPath   string
	decompressedPath string
	stagedPath       string
	con              consoleWaiter
}

// Compile-time interface check.
var _ Backend = (*Physical)(nil)

// NewPhysical creates the physical-device backend.
func NewPhysical(deps Deps, info *image.Info, tc *TestConfig) *Physical {
	cmdTimeout := deps.Config.Timeouts.Command

	p := &Physical{
		log:      deps.Log.WithField("backend", "physical"),
		cfg:      deps.Config,
		info:     info,
		tc:       tc,
		dl:       deps.Downloader,
		verifier: deps.Verifier,
		pwr: power.NewController(
			deps.Log, deps.Config.Device.PowerScript, cmdTimeout,
		),
	}

	p.openConsole = func() (consoleWaiter, error) {
		return console.Open(
			deps.Log, deps.Config.Device.ConsoleDevice, console.DefaultCapacity,
		)
	}

	return p
}

// PrepareEnvironment downloads and decompresses the image, stages it into
// the iSCSI export directory, and starts the serial console reader.
func (p *Physical) PrepareEnvironment(ctx context.Context) error {
	p.tc.updateStage(ctx, metrics.StageDownload, metrics.StageRunning)

	compressed, err := p.dl.Download(ctx, p.info, false)
	if err != nil {
		p.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

		return fmt.Errorf("downloading image: %w", err)
	}

	p.compressedPath = compressed

	decompressed, err := p.dl.Decompress(p.info, compressed)
	if err != nil {
		p.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

		return fmt.Errorf("decompressing image: %w", err)
	}

	p.decompressedPath = decompressed

	staged, err := p.stageForExport(decompressed)
	if err != nil {
		p.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

		return fmt.Errorf("staging image for export: %w", err)
	}

	p.stagedPath = staged

	con, err := p.openConsole()
	if err != nil {
		p.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

		return fmt.Errorf("starting console reader: %w", err)
	}

	p.con = con

	p.tc.updateStage(ctx, metrics.StageDownload, metrics.StagePassed)

	return nil
}

// stageForExport places the decompressed image where the block-storage
// export serves it from. The export target always reads the same filename,
// so a rename into place atomically swaps the served image.
func (p *Physical) stageForExport(srcPath string) (string, error) {
	target := filepath.Join(p.cfg.Device.ExportDir, "boottest.img")

	if err := os.MkdirAll(p.cfg.Device.ExportDir, 0755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("opening decompressed image: %w", err)
	}
	defer src.Close()

	partial := target + ".partial"

	dst, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("creating export file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(partial)

		return "", fmt.Errorf("copying image to export dir: %w", err)
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(partial)

		return "", fmt.Errorf("closing export file: %w", err)
	}

	if err := os.Rename(partial, target); err != nil {
		_ = os.Remove(partial)

		return "", fmt.Errorf("activating export file: %w", err)
	}

	p.log.WithField("path", target).Info("Image staged for iSCSI export")

	return target, nil
}

// BootSystem power-cycles the device and blocks until the serial console
// shows a login prompt or the boot timeout elapses.
func (p *Physical) BootSystem(ctx context.Context) error {
	p.tc.updateStage(ctx, metrics.StageBoot, metrics.StageRunning)

	if err := p.pwr.Cycle(ctx); err != nil {
		p.tc.updateStage(ctx, metrics.StageBoot, metrics.StageFailed)

		return fmt.Errorf("power cycling device: %w: %w", ErrInfrastructure, err)
	}

	prompt, err := regexp.Compile(p.cfg.Device.LoginPrompt)
	if err != nil {
		p.tc.updateStage(ctx, metrics.StageBoot, metrics.StageFailed)

		return fmt.Errorf(
			"compiling login prompt pattern: %w: %w", ErrInfrastructure, err,
		)
	}

	line, err := p.con.WaitForPattern(prompt, p.cfg.Timeouts.Boot)
	if err != nil {
		p.tc.updateStage(ctx, metrics.StageBoot, metrics.StageFailed)

		p.logConsoleTail()

		return fmt.Errorf("waiting for login prompt: %w", err)
	}

	p.log.WithField("line", line).Info("Device booted to login prompt")
	p.tc.updateStage(ctx, metrics.StageBoot, metrics.StagePassed)

	return nil
}

// WaitForNetwork polls the device's HTTP endpoint until it answers.
func (p *Physical) WaitForNetwork(ctx context.Context) (string, error) {
	p.tc.updateStage(ctx, metrics.StageNetwork, metrics.StageRunning)

	ip := p.cfg.Device.IP

	if err := waitForHTTP(ctx, p.log, ip, p.cfg.Timeouts.Network); err != nil {
		p.tc.updateStage(ctx, metrics.StageNetwork, metrics.StageFailed)

		return "", err
	}

	p.tc.updateStage(ctx, metrics.StageNetwork, metrics.StagePassed)

	return ip, nil
}

// RunBrowserTests drives the setup wizard against the booted device.
func (p *Physical) RunBrowserTests(
	ctx context.Context, ip string,
) (bool, error) {
	p.tc.updateStage(ctx, metrics.StageBrowserTest, metrics.StageRunning)

	passed, err := runVerifier(ctx, p.verifier, ip)

	switch {
	case err != nil:
		p.tc.updateStage(ctx, metrics.StageBrowserTest, metrics.StageFailed)
	case passed:
		p.tc.updateStage(ctx, metrics.StageBrowserTest, metrics.StagePassed)
	default:
		p.tc.updateStage(ctx, metrics.StageBrowserTest, metrics.StageFailed)
	}

	return passed, err
}

// Cleanup deletes the local temp files, tolerating absence, and stops the
// console reader. The device is left powered as-is.
func (p *Physical) Cleanup(_ context.Context) error {
	if p.con != nil {
		p.con.Close()
		p.con = nil
	}

	for _, path := range []string{p.stagedPath, p.decompressedPath, p.compressedPath} {
		if path == "" {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.WithError(err).WithField("path", path).
				Warn("Failed to remove temp file")
		}
	}

	p.stagedPath = ""
	p.decompressedPath = ""
	p.compressedPath = ""

	return nil
}

// logConsoleTail dumps the last buffered console lines for boot failures.
func (p *Physical) logConsoleTail() {
	lines := p.con.Lines()

	tail := lines
	if len(tail) > 20 {
		tail = tail[len(tail)-20:]
	}

	for _, line := range tail {
		p.log.WithField("console", line).Debug("Console tail")
	}
}
