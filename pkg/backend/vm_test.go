package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
)

type fakeRemote struct {
	commands []string
	outputs  map[string]string
	runErr   map[string]error
	uploads  []string
	closed   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		outputs: map[string]string{},
		runErr:  map[string]error{},
	}
}

func (f *fakeRemote) Run(_ context.Context, cmd string) (string, error) {
	f.commands = append(f.commands, cmd)

	for prefix, err := range f.runErr {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}

	for prefix, out := range f.outputs {
		if strings.HasPrefix(cmd, prefix) {
			return out, nil
		}
	}

	return "", nil
}

func (f *fakeRemote) Upload(
	_ context.Context, localPath, remotePath string, _ time.Duration,
) error {
	f.uploads = append(f.uploads, localPath+" -> "+remotePath)

	return nil
}

func (f *fakeRemote) Close() error {
	f.closed++

	return nil
}

func vmConfig(dir string) *config.Config {
	return &config.Config{
		Hypervisor: config.HypervisorConfig{
			Host:          "hv.example.com",
			User:          "boottest",
			Bridge:        "br0",
			MemoryMB:      2048,
			VCPUs:         2,
			RemoteTempDir: "/var/tmp",
		},
		Download: config.DownloadConfig{CacheDir: dir},
		Timeouts: config.TimeoutConfig{
			Network: time.Second,
			Command: time.Second,
		},
	}
}

func newTestVM(
	t *testing.T, cfg *config.Config, url string, dl *image.Downloader,
) (*VM, *fakeRemote) {
	t.Helper()

	info, err := image.FromURL(url)
	require.NoError(t, err)

	remote := newFakeRemote()

	v := &VM{
		log:    logrus.New(),
		cfg:    cfg,
		info:   info,
		tc:     &TestConfig{},
		dl:     dl,
		vmName: "boottest-test0001",
		dial: func() (remoteRunner, error) {
			return remote, nil
		},
	}

	return v, remote
}

func TestVM_PrepareEnvironment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("qcow2 bits"))
		},
	))
	defer ts.Close()

	cacheDir := t.TempDir()
	dl := image.NewDownloader(logrus.New(), cacheDir, time.Minute)

	cfg := vmConfig(cacheDir)
	v, remote := newTestVM(t, cfg, ts.URL+"/feeder-v1.0.qcow2", dl)

	require.NoError(t, v.PrepareEnvironment(context.Background()))

	require.Len(t, remote.uploads, 1)
	assert.Contains(t, remote.uploads[0],
		"/var/tmp/boottest-test0001-feeder-v1.0.qcow2")

	// The uncompressed image needs no remote unxz, only virt-install.
	require.Len(t, remote.commands, 1)
	install := remote.commands[0]
	assert.Contains(t, install, "virt-install --name boottest-test0001")
	assert.Contains(t, install, "--memory 2048")
	assert.Contains(t, install, "--vcpus 2")
	assert.Contains(t, install, "--network bridge=br0")
	assert.Contains(t, install,
		"--disk path=/var/tmp/boottest-test0001-feeder-v1.0.qcow2,format=qcow2")
}

func TestVM_DiscoverAddress(t *testing.T) {
	cfg := vmConfig(t.TempDir())

	v, remote := newTestVM(
		t, cfg, "https://example.com/feeder.qcow2", nil,
	)
	v.client = remote

	remote.outputs["virsh domifaddr"] = ` Name       MAC address          Protocol     Address
-------------------------------------------------------------------
 vnet0      52:54:00:12:34:56    ipv4         192.168.122.42/24`

	ip, err := v.discoverAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.42", ip)
}

func TestVM_CleanupRemovesGuestAndFiles(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "feeder.qcow2.xz")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	cfg := vmConfig(dir)
	v, remote := newTestVM(
		t, cfg, "https://example.com/feeder.qcow2.xz", nil,
	)
	v.client = remote
	v.localCompressed = local
	v.remoteCompressed = "/var/tmp/boottest-test0001-feeder.qcow2.xz"
	v.remoteDisk = "/var/tmp/boottest-test0001-feeder.qcow2"

	require.NoError(t, v.Cleanup(context.Background()))

	joined := strings.Join(remote.commands, "\n")
	assert.Contains(t, joined, "virsh destroy boottest-test0001")
	assert.Contains(t, joined, "virsh undefine boottest-test0001")
	assert.Contains(t, joined, "rm -f /var/tmp/boottest-test0001-feeder.qcow2")
	assert.Equal(t, 1, remote.closed)

	_, err := os.Stat(local)
	assert.True(t, os.IsNotExist(err))

	// Second cleanup is a no-op.
	before := len(remote.commands)
	require.NoError(t, v.Cleanup(context.Background()))
	assert.Equal(t, before, len(remote.commands))
}

func TestVM_CleanupWithoutClient(t *testing.T) {
	cfg := vmConfig(t.TempDir())
	v, _ := newTestVM(t, cfg, "https://example.com/feeder.qcow2", nil)

	// Nothing was ever set up; cleanup must still succeed.
	require.NoError(t, v.Cleanup(context.Background()))
}

func TestVM_KeepOnFailure(t *testing.T) {
	cfg := vmConfig(t.TempDir())
	cfg.Hypervisor.KeepOnFailure = true

	v, remote := newTestVM(
		t, cfg, "https://example.com/feeder.qcow2", nil,
	)
	v.client = remote
	v.MarkFailed()

	require.NoError(t, v.Cleanup(context.Background()))
	assert.Empty(t, remote.commands, "failed VM must be left running")
	assert.Equal(t, 0, remote.closed)
}

func TestVM_RunBrowserTestsMarksFailure(t *testing.T) {
	cfg := vmConfig(t.TempDir())
	v, _ := newTestVM(t, cfg, "https://example.com/feeder.qcow2", nil)
	v.verifier = &fakeVerifier{err: errors.New("boom")}

	passed, err := v.RunBrowserTests(context.Background(), "10.0.0.9")
	require.Error(t, err)
	assert.False(t, passed)
	assert.True(t, v.failed)
}
