// Package provider wraps the instance lifecycle APIs of the supported
// cloud providers behind one adapter interface.
package provider

import (
	"context"
	"time"
)

// Kind identifies a supported cloud provider.
type Kind string

const (
	KindAWS     Kind = "aws"
	KindHetzner Kind = "hetzner"
	KindKube    Kind = "kube"
	KindLocal   Kind = "local"
	KindFake    Kind = "fake"
)

// Valid reports whether k names a known provider.
func (k Kind) Valid() bool {
	switch k {
	case KindAWS, KindHetzner, KindKube, KindLocal, KindFake:
		return true
	}
	return false
}

// Instance status values. Providers map their native states onto these.
const (
	StatusCreating = "creating"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// Instance is one provisioned compute resource. It is created by the
// adapter and mutated only by the setup orchestrator.
type Instance struct {
	Provider  Kind
	ID        string
	Name      string
	Addr      string
	Status    string
	Type      string
	Region    string
	CreatedAt time.Time
}

// InstanceConfig describes the instance to create.
type InstanceConfig struct {
	Name    string
	Type    string
	Region  string
	Image   string
	SSHKeys []string
}

// Provider is the adapter contract for one cloud provider.
//
// CreateInstance returns the instance plus any provider-generated secret
// (a root password or similar); the secret is empty for providers that
// authenticate with pre-registered keys. A transient error from
// CreateInstance does not mean the instance was not created: callers must
// re-query with GetInstanceByName before retrying, because the creation
// may have succeeded with only the acknowledgment lost.
type Provider interface {
	Kind() Kind
	CreateInstance(ctx context.Context, cfg InstanceConfig) (*Instance, string, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceByName(ctx context.Context, name string) (*Instance, error)
	DeleteInstance(ctx context.Context, id string) error

	// RunCommand executes one command on the instance for providers that
	// have no shell-over-network channel. Providers reached over SSH
	// return ErrNoCommandChannel.
	RunCommand(ctx context.Context, id, command string) (string, int, error)
}
