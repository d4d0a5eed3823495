package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
)

type fakePower struct {
	cycles int
	err    error
}

func (f *fakePower) Cycle(_ context.Context) error {
	f.cycles++

	return f.err
}

type fakeConsole struct {
	line     string
	waitErr  error
	lines    []string
	closed   int
	lastWait *regexp.Regexp
}

func (f *fakeConsole) WaitForPattern(
	re *regexp.Regexp, _ time.Duration,
) (string, error) {
	f.lastWait = re

	return f.line, f.waitErr
}

func (f *fakeConsole) Lines() []string { return f.lines }

func (f *fakeConsole) Close() { f.closed++ }

func newTestPhysical(t *testing.T, cfg *config.Config) *Physical {
	t.Helper()

	info, err := image.FromURL("https://example.com/feeder-v1.0.img.xz")
	require.NoError(t, err)

	return &Physical{
		log:  logrus.New(),
		cfg:  cfg,
		info: info,
		tc:   &TestConfig{},
	}
}

func TestPhysical_BootSystem(t *testing.T) {
	cfg := &config.Config{
		Device: config.DeviceConfig{
			LoginPrompt: `adsb-feeder.* login:`,
		},
		Timeouts: config.TimeoutConfig{Boot: time.Second},
	}

	pwr := &fakePower{}
	con := &fakeConsole{line: "adsb-feeder-v2 login:"}

	p := newTestPhysical(t, cfg)
	p.pwr = pwr
	p.con = con

	require.NoError(t, p.BootSystem(context.Background()))
	assert.Equal(t, 1, pwr.cycles)
	assert.Equal(t, `adsb-feeder.* login:`, con.lastWait.String())
}

func TestPhysical_BootSystemPowerFailure(t *testing.T) {
	cfg := &config.Config{
		Device:   config.DeviceConfig{LoginPrompt: `login:`},
		Timeouts: config.TimeoutConfig{Boot: time.Second},
	}

	p := newTestPhysical(t, cfg)
	p.pwr = &fakePower{err: errors.New("switch unreachable")}
	p.con = &fakeConsole{}

	err := p.BootSystem(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "power cycling")
	assert.ErrorIs(t, err, ErrInfrastructure,
		"a dead switch is a harness fault, not a failed boot")
}

func TestPhysical_BootSystemPromptTimeout(t *testing.T) {
	cfg := &config.Config{
		Device:   config.DeviceConfig{LoginPrompt: `login:`},
		Timeouts: config.TimeoutConfig{Boot: time.Second},
	}

	p := newTestPhysical(t, cfg)
	p.pwr = &fakePower{}
	p.con = &fakeConsole{
		waitErr: errors.New("timed out"),
		lines:   []string{"kernel panic"},
	}

	err := p.BootSystem(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login prompt")
}

func TestPhysical_StageForExport(t *testing.T) {
	exportDir := t.TempDir()
	srcDir := t.TempDir()

	src := filepath.Join(srcDir, "feeder-v1.0.img")
	require.NoError(t, os.WriteFile(src, []byte("image bits"), 0o644))

	p := newTestPhysical(t, &config.Config{
		Device: config.DeviceConfig{ExportDir: exportDir},
	})

	staged, err := p.stageForExport(src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exportDir, "boottest.img"), staged)

	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, []byte("image bits"), data)

	// No partial file left behind.
	_, err = os.Stat(staged + ".partial")
	assert.True(t, os.IsNotExist(err))
}

func TestPhysical_CleanupIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	staged := filepath.Join(dir, "boottest.img")
	require.NoError(t, os.WriteFile(staged, []byte("x"), 0o644))

	con := &fakeConsole{}

	p := newTestPhysical(t, &config.Config{})
	p.con = con
	p.stagedPath = staged
	p.decompressedPath = filepath.Join(dir, "never-created.img")

	require.NoError(t, p.Cleanup(context.Background()))

	_, err := os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1, con.closed)

	// Second cleanup finds nothing to do and still succeeds.
	require.NoError(t, p.Cleanup(context.Background()))
	assert.Equal(t, 1, con.closed)
}
