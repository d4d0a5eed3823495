package backend

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/image"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/remote"
)

const (
	// uploadTimeout bounds the image transfer to the hypervisor host.
	uploadTimeout = 30 * time.Minute

	// addrPollInterval is the delay between domifaddr queries.
	addrPollInterval = 5 * time.Second
)

// domifaddrPattern extracts the IPv4 address from virsh domifaddr output.
var domifaddrPattern = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)/\d+`)

// remoteRunner is the slice of remote.Client the backend needs.
type remoteRunner interface {
	Run(ctx context.Context, cmd string) (string, error)
	Upload(
		ctx context.Context, localPath, remotePath string,
		timeout time.Duration,
	) error
	Close() error
}

// VM provisions a guest on a remote hypervisor host: the compressed image
// is uploaded over SSH, decompressed remotely, and booted via libvirt.
type VM struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	info     *image.Info
	tc       *TestConfig
	dl       *image.Downloader
	verifier verifier

	dial func() (remoteRunner, error)

	client           remoteRunner
	vmName           string
	localCompressed  string
	remoteCompressed string
	remoteDisk       string
	assignedIP       string
	failed           bool
	cleaned          bool
}

// Compile-time interface check.
var _ Backend = (*VM)(nil)

// NewVM creates the virtual-machine backend.
func NewVM(deps Deps, info *image.Info, tc *TestConfig) *VM {
	v := &VM{
		log:      deps.Log.WithField("backend", "vm"),
		cfg:      deps.Config,
		info:     info,
		tc:       tc,
		dl:       deps.Downloader,
		verifier: deps.Verifier,
		vmName:   "boottest-" + uuid.NewString()[:8],
	}

	v.dial = func() (remoteRunner, error) {
		hv := &deps.Config.Hypervisor

		return remote.Dial(
			deps.Log, hv.Host, hv.User, hv.SSHKeyPath,
			deps.Config.Timeouts.Command,
		)
	}

	return v
}

// PrepareEnvironment downloads the compressed image, ships it to the
// hypervisor host, decompresses it there, and defines+starts the guest.
func (v *VM) PrepareEnvironment(ctx context.Context) error {
	v.tc.updateStage(ctx, metrics.StageDownload, metrics.StageRunning)

	local, err := v.dl.Download(ctx, v.info, false)
	if err != nil {
		v.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

		return fmt.Errorf("downloading image: %w", err)
	}

	v.localCompressed = local

	// The filename ends up interpolated into remote shell commands.
	if err := remote.ValidateArg(v.info.Filename); err != nil {
		v.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

		return fmt.Errorf("unsafe image filename: %w", err)
	}

	client, err := v.dial()
	if err != nil {
		v.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

		return fmt.Errorf("connecting to hypervisor: %w", err)
	}

	v.client = client

	hv := &v.cfg.Hypervisor
	v.remoteCompressed = path.Join(hv.RemoteTempDir, v.vmName+"-"+v.info.Filename)

	v.log.WithField("remote", v.remoteCompressed).Info("Uploading image")

	if err := client.Upload(
		ctx, local, v.remoteCompressed, uploadTimeout,
	); err != nil {
		v.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

		return fmt.Errorf("uploading image: %w", err)
	}

	if v.info.Compressed() {
		if _, err := client.Run(
			ctx, fmt.Sprintf("unxz -f %s", v.remoteCompressed),
		); err != nil {
			v.tc.updateStage(ctx, metrics.StageDownload, metrics.StageFailed)

			return fmt.Errorf("decompressing remote image: %w", err)
		}

		v.remoteDisk = path.Join(
			hv.RemoteTempDir, v.vmName+"-"+v.info.ExpectedName,
		)
	} else {
		v.remoteDisk = v.remoteCompressed
		v.remoteCompressed = ""
	}

	v.tc.updateStage(ctx, metrics.StageDownload, metrics.StagePassed)

	install := fmt.Sprintf(
		"virt-install --name %s --memory %d --vcpus %d "+
			"--disk path=%s,format=qcow2 --import "+
			"--network bridge=%s --graphics none --noautoconsole --os-variant generic",
		v.vmName, hv.MemoryMB, hv.VCPUs, v.remoteDisk, hv.Bridge,
	)

	if _, err := client.Run(ctx, install); err != nil {
		return fmt.Errorf("defining vm: %w", err)
	}

	v.log.WithField("vm", v.vmName).Info("VM defined and started")

	return nil
}

// BootSystem is a no-op for VMs: virt-install already started the guest.
// It must tolerate being called anyway.
func (v *VM) BootSystem(ctx context.Context) error {
	v.tc.updateStage(ctx, metrics.StageBoot, metrics.StagePassed)

	return nil
}

// WaitForNetwork discovers the guest's DHCP address and polls its HTTP
// endpoint until it answers.
func (v *VM) WaitForNetwork(ctx context.Context) (string, error) {
	v.tc.updateStage(ctx, metrics.StageNetwork, metrics.StageRunning)

	ip, err := v.discoverAddress(ctx)
	if err != nil {
		v.tc.updateStage(ctx, metrics.StageNetwork, metrics.StageFailed)

		return "", err
	}

	v.assignedIP = ip

	if err := waitForHTTP(ctx, v.log, ip, v.cfg.Timeouts.Network); err != nil {
		v.tc.updateStage(ctx, metrics.StageNetwork, metrics.StageFailed)

		return "", err
	}

	v.tc.updateStage(ctx, metrics.StageNetwork, metrics.StagePassed)

	return ip, nil
}

// discoverAddress polls virsh domifaddr for the guest's assigned address.
func (v *VM) discoverAddress(ctx context.Context) (string, error) {
	deadline := time.Now().Add(v.cfg.Timeouts.Network)

	for {
		out, err := v.client.Run(
			ctx, fmt.Sprintf("virsh domifaddr %s --source arp", v.vmName),
		)
		if err == nil {
			if match := domifaddrPattern.FindStringSubmatch(out); match != nil {
				v.log.WithField("ip", match[1]).Info("VM address discovered")

				return match[1], nil
			}
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf(
				"vm %s never got an address within %s",
				v.vmName, v.cfg.Timeouts.Network,
			)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(addrPollInterval):
		}
	}
}

// RunBrowserTests drives the setup wizard against the booted guest.
func (v *VM) RunBrowserTests(ctx context.Context, ip string) (bool, error) {
	v.tc.updateStage(ctx, metrics.StageBrowserTest, metrics.StageRunning)

	passed, err := runVerifier(ctx, v.verifier, ip)

	switch {
	case err == nil && passed:
		v.tc.updateStage(ctx, metrics.StageBrowserTest, metrics.StagePassed)
	default:
		v.failed = true

		v.tc.updateStage(ctx, metrics.StageBrowserTest, metrics.StageFailed)
	}

	return passed, err
}

// MarkFailed records that the run failed before its verification stage, so
// keep-on-failure can apply to earlier-stage failures too.
func (v *VM) MarkFailed() {
	v.failed = true
}

// Cleanup stops and undefines the guest, removes remote and local temp
// files, and disconnects. Idempotent: a second call and missing files are
// not errors. With keep_on_failure set and a failed run, everything is
// left in place for postmortem debugging.
func (v *VM) Cleanup(ctx context.Context) error {
	if v.cleaned {
		return nil
	}

	if v.cfg.Hypervisor.KeepOnFailure && v.failed {
		v.log.WithFields(logrus.Fields{
			"vm": v.vmName,
			"ip": v.assignedIP,
		}).Warn("Keeping failed VM for debugging")

		return nil
	}

	v.cleaned = true

	if v.client != nil {
		// destroy fails for an already-stopped guest; that is fine.
		if _, err := v.client.Run(
			ctx, fmt.Sprintf("virsh destroy %s", v.vmName),
		); err != nil {
			v.log.WithError(err).Debug("VM destroy skipped")
		}

		if _, err := v.client.Run(
			ctx, fmt.Sprintf("virsh undefine %s", v.vmName),
		); err != nil {
			v.log.WithError(err).Debug("VM undefine skipped")
		}

		for _, p := range []string{v.remoteDisk, v.remoteCompressed} {
			if p == "" {
				continue
			}

			if _, err := v.client.Run(
				ctx, fmt.Sprintf("rm -f %s", p),
			); err != nil {
				v.log.WithError(err).WithField("path", p).
					Warn("Failed to remove remote temp file")
			}
		}

		_ = v.client.Close()
		v.client = nil
	}

	if v.localCompressed != "" {
		if err := os.Remove(v.localCompressed); err != nil && !os.IsNotExist(err) {
			v.log.WithError(err).WithField("path", v.localCompressed).
				Warn("Failed to remove local temp file")
		}

		v.localCompressed = ""
	}

	return nil
}
