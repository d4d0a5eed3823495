// Package power drives a network-controlled switch through an operator
// supplied toggle script. Commands are never trusted fire-and-forget: the
// controller polls the observed state until it matches the request.
package power

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// verifyInterval is the delay between state polls after a toggle.
	verifyInterval = 2 * time.Second

	// verifyWait bounds how long a toggle may take to be observed.
	verifyWait = 30 * time.Second

	// cycleDelay is how long the device stays off during a power cycle.
	cycleDelay = 5 * time.Second
)

// runCommand executes the script with args and returns trimmed output.
// Swappable in tests.
type runCommand func(ctx context.Context, script string, args ...string) (string, error)

func execCommand(
	ctx context.Context, script string, args ...string,
) (string, error) {
	out, err := exec.CommandContext(ctx, script, args...).CombinedOutput()

	return strings.TrimSpace(string(out)), err
}

// Controller toggles and verifies the power state of the device under test.
type Controller struct {
	log        logrus.FieldLogger
	script     string
	cmdTimeout time.Duration
	run        runCommand
}

// NewController creates a controller around the given toggle script. The
// script accepts "on", "off", and "status" subcommands; status prints the
// current state.
func NewController(
	log logrus.FieldLogger, script string, cmdTimeout time.Duration,
) *Controller {
	return &Controller{
		log:        log.WithField("component", "power"),
		script:     script,
		cmdTimeout: cmdTimeout,
		run:        execCommand,
	}
}

// SetState requests the given state and polls until the switch reports it,
// or a bounded wait elapses. The toggle command gets one automatic retry
// when it times out.
func (c *Controller) SetState(ctx context.Context, on bool) error {
	state := "off"
	if on {
		state = "on"
	}

	if err := c.runWithRetry(ctx, state); err != nil {
		return fmt.Errorf("power %s: %w", state, err)
	}

	deadline := time.Now().Add(verifyWait)

	for {
		observed, err := c.State(ctx)
		if err == nil && observed == on {
			c.log.WithField("state", state).Debug("Power state verified")

			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf(
				"power state never reached %q within %s", state, verifyWait,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(verifyInterval):
		}
	}
}

// State returns the observed switch state.
func (c *Controller) State(ctx context.Context) (bool, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, c.cmdTimeout)
	defer cancel()

	out, err := c.run(cmdCtx, c.script, "status")
	if err != nil {
		return false, fmt.Errorf("querying power state: %w", err)
	}

	switch strings.ToLower(out) {
	case "on", "1":
		return true, nil
	case "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected power state output %q", out)
	}
}

// Cycle power-cycles the device: verified off, short delay, verified on.
func (c *Controller) Cycle(ctx context.Context) error {
	if err := c.SetState(ctx, false); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cycleDelay):
	}

	return c.SetState(ctx, true)
}

// runWithRetry runs one toggle command, retrying once on timeout. A killed
// process reports "signal: killed" rather than the context error, so the
// timeout is detected on the command context itself.
func (c *Controller) runWithRetry(ctx context.Context, arg string) error {
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		cmdCtx, cancel := context.WithTimeout(ctx, c.cmdTimeout)
		_, err := c.run(cmdCtx, c.script, arg)
		timedOut := errors.Is(cmdCtx.Err(), context.DeadlineExceeded)

		cancel()

		if err == nil {
			return nil
		}

		lastErr = err

		if !timedOut {
			return err
		}

		c.log.WithError(err).WithField("arg", arg).
			Warn("Power command timed out, retrying once")
	}

	return lastErr
}
