package provider

import (
	"context"
	"time"
)

// Local implements Provider for development: the "instance" is the
// machine the control plane runs on. Nothing is created or deleted, and
// the shell channel is a local pty instead of SSH.
type Local struct {
	created time.Time
}

// NewLocal builds the development provider.
func NewLocal() *Local {
	return &Local{created: time.Now()}
}

func (l *Local) Kind() Kind { return KindLocal }

func (l *Local) instance(name string) *Instance {
	return &Instance{
		Provider:  KindLocal,
		ID:        "local",
		Name:      name,
		Addr:      "127.0.0.1",
		Status:    StatusRunning,
		Type:      "dev",
		Region:    "local",
		CreatedAt: l.created,
	}
}

func (l *Local) CreateInstance(ctx context.Context, cfg InstanceConfig) (*Instance, string, error) {
	return l.instance(cfg.Name), "", nil
}

func (l *Local) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return l.instance(id), nil
}

func (l *Local) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	return l.instance(name), nil
}

func (l *Local) DeleteInstance(ctx context.Context, id string) error {
	return nil
}

func (l *Local) RunCommand(ctx context.Context, id, command string) (string, int, error) {
	return "", 0, ErrNoCommandChannel
}
