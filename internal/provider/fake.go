package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake implements Provider with in-memory storage for testing.
type Fake struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	nextID    int

	// CreateErr, when non-nil, is returned by the next CreateInstance
	// call and then cleared, so tests can script a single failure.
	CreateErr error

	// CreateErrSticky, when non-nil, is returned by every CreateInstance.
	CreateErrSticky error

	// CreateCalls counts CreateInstance invocations.
	CreateCalls int

	// Commands records every RunCommand invocation.
	Commands []string

	// CommandOutput and CommandExit are returned by RunCommand.
	CommandOutput string
	CommandExit   int
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{instances: make(map[string]*Instance)}
}

func (f *Fake) Kind() Kind { return KindFake }

func (f *Fake) CreateInstance(ctx context.Context, cfg InstanceConfig) (*Instance, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return nil, "", err
	}
	if f.CreateErrSticky != nil {
		return nil, "", f.CreateErrSticky
	}

	f.nextID++
	inst := &Instance{
		Provider:  KindFake,
		ID:        fmt.Sprintf("fake-%d", f.nextID),
		Name:      cfg.Name,
		Addr:      fmt.Sprintf("10.0.0.%d", f.nextID),
		Status:    StatusRunning,
		Type:      cfg.Type,
		Region:    cfg.Region,
		CreatedAt: time.Now(),
	}
	f.instances[inst.ID] = inst
	return inst, "fake-root-password", nil
}

func (f *Fake) GetInstance(ctx context.Context, id string) (*Instance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	inst, ok := f.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

func (f *Fake) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, inst := range f.instances {
		if inst.Name == name {
			return inst, nil
		}
	}
	return nil, ErrNotFound
}

func (f *Fake) DeleteInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.instances[id]; !ok {
		return ErrNotFound
	}
	delete(f.instances, id)
	return nil
}

func (f *Fake) RunCommand(ctx context.Context, id, command string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.instances[id]; !ok {
		return "", 0, ErrNotFound
	}
	f.Commands = append(f.Commands, command)
	return f.CommandOutput, f.CommandExit, nil
}
