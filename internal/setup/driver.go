// Package setup drives the provisioning pipeline: create the instance,
// wait for it to accept connections, and configure it over the remote
// channel into a runnable agent host.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/ridermw/ClawdBody/internal/provider"
	"github.com/ridermw/ClawdBody/internal/remote"
	"github.com/ridermw/ClawdBody/internal/retry"
	"github.com/ridermw/ClawdBody/internal/store"
)

// Pipeline timing.
const (
	readinessAttempts = 20
	readinessDelay    = 15 * time.Second

	toolingAttempts = 5
	toolingDelay    = 10 * time.Second

	agentAttempts     = 2
	agentInitialDelay = 5 * time.Second
	agentMaxDelay     = 10 * time.Second

	gatewayVerifyAttempts = 5
	gatewayVerifyDelay    = 5 * time.Second
)

// GatewayConfig is the remote gateway configuration written during the
// messaging step.
type GatewayConfig struct {
	MessagingToken  string
	MessagingUserID string
	AuthToken       string
	Port            int
}

// Driver runs the five pipeline steps for one provider. The orchestrator
// is provider-agnostic; all provider branching lives behind this
// interface.
type Driver interface {
	// EnsureInstance creates the instance, or re-queries it by name when
	// a previous create may have succeeded without an acknowledgment.
	EnsureInstance(ctx context.Context, rec *store.Record) (*provider.Instance, error)

	// WaitReady blocks until the instance accepts commands.
	WaitReady(ctx context.Context, rec *store.Record) error

	// InstallTooling bootstraps the package manager and runtime.
	InstallTooling(ctx context.Context) error

	// InstallAgent installs the agent software.
	InstallAgent(ctx context.Context) error

	// ConfigureGateway writes the gateway configuration, starts the
	// gateway process, and reports whether it verifiably came up.
	ConfigureGateway(ctx context.Context, gw GatewayConfig) (bool, error)

	// Close releases the driver's channel. Idempotent; called on every
	// pipeline exit path.
	Close() error
}

// ChannelFactory opens the remote execution channel for an instance once
// its address is known. createSecret carries a provider-generated root
// password when the create call produced one; it is empty for providers
// that authenticate with pre-registered keys.
type ChannelFactory func(rec *store.Record, createSecret string) *remote.Channel

// shellDriver drives providers whose instances are reached over a shell
// channel (SSH or a local pty). The same driver also serves command-only
// providers through a command channel; those skip the echo probe in
// favor of a status poll.
type shellDriver struct {
	prov       provider.Provider
	newChannel ChannelFactory
	scripts    ScriptSet

	// probeReadiness selects active `echo ready` probing over waiting
	// for the provider to report the instance running.
	probeReadiness bool

	channel      *remote.Channel
	createSecret string
}

// NewShellDriver builds a driver for SSH- and pty-reachable providers.
func NewShellDriver(prov provider.Provider, scripts ScriptSet, newChannel ChannelFactory) Driver {
	return &shellDriver{
		prov:           prov,
		newChannel:     newChannel,
		scripts:        scripts,
		probeReadiness: true,
	}
}

// NewCommandDriver builds a driver for providers without a shell
// channel: commands go through the provider's one-shot exec API and
// readiness waits on the provider reporting the instance running.
func NewCommandDriver(prov provider.Provider, scripts ScriptSet) Driver {
	return &shellDriver{
		prov:    prov,
		scripts: scripts,
		newChannel: func(rec *store.Record, _ string) *remote.Channel {
			id := rec.InstanceID
			return remote.NewCommandChannel(func(ctx context.Context, command string) (string, int, error) {
				return prov.RunCommand(ctx, id, command)
			})
		},
		probeReadiness: false,
	}
}

func (d *shellDriver) EnsureInstance(ctx context.Context, rec *store.Record) (*provider.Instance, error) {
	name := rec.InstanceName
	if name == "" {
		name = fmt.Sprintf("clawd-%s", rec.UserID)
	}

	inst, createSecret, err := d.prov.CreateInstance(ctx, provider.InstanceConfig{
		Name:   name,
		Type:   rec.InstanceType,
		Region: rec.Region,
	})
	if err == nil {
		d.createSecret = createSecret
		return inst, nil
	}
	if !provider.IsTransient(err) {
		return nil, err
	}

	// The create may have succeeded with only the acknowledgment lost.
	found, lookupErr := d.prov.GetInstanceByName(ctx, name)
	if lookupErr == nil {
		return found, nil
	}
	return nil, err
}

func (d *shellDriver) WaitReady(ctx context.Context, rec *store.Record) error {
	if d.probeReadiness {
		return d.probeUntilReady(ctx, rec)
	}
	return d.pollUntilRunning(ctx, rec)
}

// probeUntilReady reconnects and runs `echo ready` until the instance
// answers, up to readinessAttempts.
func (d *shellDriver) probeUntilReady(ctx context.Context, rec *store.Record) error {
	policy := retry.Fixed(readinessAttempts, readinessDelay)
	return policy.Do(ctx, func() error {
		ch := d.newChannel(rec, d.createSecret)
		if err := ch.Connect(ctx); err != nil {
			ch.Close()
			return err
		}
		res, err := ch.Execute(ctx, "echo ready")
		if err != nil {
			ch.Close()
			return err
		}
		if res.ExitCode != 0 {
			ch.Close()
			return retry.Permanent(fmt.Errorf("readiness probe exited %d: %s", res.ExitCode, res.Output))
		}
		d.channel = ch
		return nil
	})
}

// pollUntilRunning waits for the provider to report the instance running,
// then opens the command channel.
func (d *shellDriver) pollUntilRunning(ctx context.Context, rec *store.Record) error {
	policy := retry.Fixed(readinessAttempts, readinessDelay)
	err := policy.Do(ctx, func() error {
		inst, err := d.prov.GetInstance(ctx, rec.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status != provider.StatusRunning {
			return fmt.Errorf("instance %s not running yet (%s)", inst.ID, inst.Status)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ch := d.newChannel(rec, d.createSecret)
	if err := ch.Connect(ctx); err != nil {
		ch.Close()
		return err
	}
	d.channel = ch
	return nil
}

func (d *shellDriver) InstallTooling(ctx context.Context) error {
	for _, command := range d.scripts.Tooling {
		if err := d.runChecked(ctx, command); err != nil {
			return err
		}
	}
	return nil
}

func (d *shellDriver) InstallAgent(ctx context.Context) error {
	return d.runChecked(ctx, d.scripts.InstallAgent)
}

func (d *shellDriver) ConfigureGateway(ctx context.Context, gw GatewayConfig) (bool, error) {
	if err := d.runChecked(ctx, d.scripts.WriteGatewayConfig(gw)); err != nil {
		return false, err
	}
	if err := d.runChecked(ctx, d.scripts.StartGateway); err != nil {
		return false, err
	}

	// The gateway is up when the process exists and its port is bound.
	verify := retry.Fixed(gatewayVerifyAttempts, gatewayVerifyDelay)
	err := verify.Do(ctx, func() error {
		res, err := d.channel.Execute(ctx, d.scripts.VerifyGateway(gw.Port))
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("gateway not listening yet")
		}
		return nil
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Reconnect re-dials the channel; used by the orchestrator's agent-step
// retry when the failure looks connection-layer.
func (d *shellDriver) Reconnect(ctx context.Context) error {
	if d.channel == nil {
		return fmt.Errorf("no channel to reconnect")
	}
	return d.channel.Reconnect(ctx)
}

func (d *shellDriver) Close() error {
	if d.channel == nil {
		return nil
	}
	return d.channel.Close()
}

// runChecked executes one command and converts a non-zero exit into an
// error carrying the command output.
func (d *shellDriver) runChecked(ctx context.Context, command string) error {
	res, err := d.channel.Execute(ctx, command)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command exited %d: %s", res.ExitCode, tail(res.Output, 512))
	}
	return nil
}

// tail returns at most n trailing bytes of s for error messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
