package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// HetznerConfig carries the launch parameters for Hetzner Cloud servers.
type HetznerConfig struct {
	Token      string `yaml:"token"`
	ServerType string `yaml:"serverType"`
	Image      string `yaml:"image"`
	Location   string `yaml:"location"`
	SSHKeyName string `yaml:"sshKeyName"`
}

// Hetzner implements Provider on top of the Hetzner Cloud API.
type Hetzner struct {
	cfg    HetznerConfig
	client *hcloud.Client
}

// NewHetzner builds a Hetzner provider from an API token.
func NewHetzner(cfg HetznerConfig) *Hetzner {
	return &Hetzner{
		cfg:    cfg,
		client: hcloud.NewClient(hcloud.WithToken(cfg.Token)),
	}
}

func (h *Hetzner) Kind() Kind { return KindHetzner }

// CreateInstance creates one server. When no SSH key is configured the
// API generates a root password, returned as the secret.
func (h *Hetzner) CreateInstance(ctx context.Context, cfg InstanceConfig) (*Instance, string, error) {
	serverType := cfg.Type
	if serverType == "" {
		serverType = h.cfg.ServerType
	}
	image := cfg.Image
	if image == "" {
		image = h.cfg.Image
	}
	location := cfg.Region
	if location == "" {
		location = h.cfg.Location
	}

	typeObj, _, err := h.client.ServerType.Get(ctx, serverType)
	if err != nil {
		return nil, "", h.classify("get server type", serverType, err)
	}
	if typeObj == nil {
		return nil, "", NewTerminal("get server type", fmt.Errorf("server type not found: %s", serverType))
	}

	imageObj, _, err := h.client.Image.GetForArchitecture(ctx, image, typeObj.Architecture)
	if err != nil {
		return nil, "", h.classify("get image", serverType, err)
	}
	if imageObj == nil {
		return nil, "", NewTerminal("get image", fmt.Errorf("image not found: %s", image))
	}

	opts := hcloud.ServerCreateOpts{
		Name:       cfg.Name,
		ServerType: typeObj,
		Image:      imageObj,
	}
	if location != "" {
		opts.Location = &hcloud.Location{Name: location}
	}
	if h.cfg.SSHKeyName != "" {
		key, _, err := h.client.SSHKey.Get(ctx, h.cfg.SSHKeyName)
		if err != nil {
			return nil, "", h.classify("get ssh key", serverType, err)
		}
		if key != nil {
			opts.SSHKeys = []*hcloud.SSHKey{key}
		}
	}

	result, _, err := h.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, "", h.classify("create server", serverType, err)
	}

	return hetznerInstance(result.Server), result.RootPassword, nil
}

// GetInstance looks a server up by its numeric id.
func (h *Hetzner) GetInstance(ctx context.Context, id string) (*Instance, error) {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, NewTerminal("get server", fmt.Errorf("invalid server id %q: %w", id, err))
	}
	server, _, err := h.client.Server.GetByID(ctx, numeric)
	if err != nil {
		return nil, h.classify("get server", "", err)
	}
	if server == nil {
		return nil, ErrNotFound
	}
	return hetznerInstance(server), nil
}

// GetInstanceByName finds a server by name after an ambiguous create.
func (h *Hetzner) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	server, _, err := h.client.Server.GetByName(ctx, name)
	if err != nil {
		return nil, h.classify("get server", "", err)
	}
	if server == nil {
		return nil, ErrNotFound
	}
	return hetznerInstance(server), nil
}

// DeleteInstance deletes the server.
func (h *Hetzner) DeleteInstance(ctx context.Context, id string) error {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return NewTerminal("delete server", fmt.Errorf("invalid server id %q: %w", id, err))
	}
	_, _, err = h.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: numeric})
	if err != nil {
		return h.classify("delete server", "", err)
	}
	return nil
}

// RunCommand is unsupported: Hetzner servers are reached over SSH.
func (h *Hetzner) RunCommand(ctx context.Context, id, command string) (string, int, error) {
	return "", 0, ErrNoCommandChannel
}

func hetznerInstance(s *hcloud.Server) *Instance {
	inst := &Instance{
		Provider:  KindHetzner,
		ID:        strconv.FormatInt(s.ID, 10),
		Name:      s.Name,
		Status:    hetznerStatus(s.Status),
		CreatedAt: s.Created,
	}
	if s.ServerType != nil {
		inst.Type = s.ServerType.Name
	}
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		inst.Region = s.Datacenter.Location.Name
	}
	if !s.PublicNet.IPv4.IsUnspecified() {
		inst.Addr = s.PublicNet.IPv4.IP.String()
	}
	return inst
}

func hetznerStatus(s hcloud.ServerStatus) string {
	switch s {
	case hcloud.ServerStatusInitializing:
		return StatusCreating
	case hcloud.ServerStatusStarting:
		return StatusStarting
	case hcloud.ServerStatusRunning:
		return StatusRunning
	case hcloud.ServerStatusOff, hcloud.ServerStatusStopping:
		return StatusStopped
	}
	return StatusError
}

// classify maps hcloud API failures onto the adapter error taxonomy. A
// missing payment method surfaces in the API error text rather than a
// dedicated code.
func (h *Hetzner) classify(op, serverType string, err error) error {
	var hcloudErr hcloud.Error
	if errors.As(err, &hcloudErr) {
		if strings.Contains(strings.ToLower(hcloudErr.Message), "payment method") {
			return NewBilling(op, serverType, err)
		}
		switch hcloudErr.Code {
		case hcloud.ErrorCodeRateLimitExceeded, hcloud.ErrorCodeLocked,
			hcloud.ErrorCodeConflict, hcloud.ErrorCodeResourceUnavailable:
			return NewTransient(op, err)
		case hcloud.ErrorCodeNotFound:
			return ErrNotFound
		default:
			return NewTerminal(op, err)
		}
	}
	if looksLikeTimeout(err) {
		return NewTransient(op, err)
	}
	return NewTransient(op, err)
}
