// Package store persists setup progress. The control plane treats it as
// a key-value status store: one flat record per user, read and updated
// by the setup orchestrator after every pipeline step.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ridermw/ClawdBody/internal/provider"
)

// ErrNotFound is returned when no record exists for a user.
var ErrNotFound = errors.New("store: record not found")

// Status is the lifecycle state of one setup request.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProvisioning    Status = "provisioning"
	StatusConfiguringVM   Status = "configuring_vm"
	StatusReady           Status = "ready"
	StatusFailed          Status = "failed"
	StatusRequiresPayment Status = "requires_payment"
)

// rank orders the forward-only part of the lifecycle. Terminal states
// share the highest rank; the legal backward transitions are the re-run
// paths failed → provisioning and ready → provisioning.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProvisioning:
		return 1
	case StatusConfiguringVM:
		return 2
	case StatusReady, StatusFailed, StatusRequiresPayment:
		return 3
	}
	return -1
}

// ErrIllegalTransition is returned when a status change would move the
// lifecycle backward outside the retry path.
var ErrIllegalTransition = errors.New("store: illegal status transition")

// Record is the persisted progress of one provisioning attempt. Milestone
// booleans are only ever set true, in step order; a failed step leaves
// prior milestones intact so a retry skips completed work.
type Record struct {
	UserID   string        `json:"userId"`
	Provider provider.Kind `json:"provider"`
	Status   Status        `json:"status"`

	VMCreated         bool `json:"vmCreated"`
	AgentInstalled    bool `json:"agentInstalled"`
	ChannelConfigured bool `json:"channelConfigured"`
	GatewayStarted    bool `json:"gatewayStarted"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	InstanceID   string `json:"instanceId,omitempty"`
	InstanceName string `json:"instanceName,omitempty"`
	InstanceAddr string `json:"instanceAddr,omitempty"`
	InstanceType string `json:"instanceType,omitempty"`
	Region       string `json:"region,omitempty"`
	SSHUser      string `json:"sshUser,omitempty"`

	// Credential material stays sealed until immediately before use.
	EncryptedAPICredential  []byte `json:"encryptedApiCredential,omitempty"`
	EncryptedSSHKey         []byte `json:"encryptedSshKey,omitempty"`
	EncryptedMessagingToken []byte `json:"encryptedMessagingToken,omitempty"`
	MessagingUserID         string `json:"messagingUserId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transition moves the record to next, enforcing the monotonic lifecycle
// and the re-run paths back to provisioning from failed and ready.
func (r *Record) Transition(next Status) error {
	if r.Status == next {
		return nil
	}
	if (r.Status == StatusFailed || r.Status == StatusReady) && next == StatusProvisioning {
		r.Status = next
		r.ErrorMessage = ""
		return nil
	}
	if next.rank() < r.Status.rank() {
		return ErrIllegalTransition
	}
	r.Status = next
	return nil
}

// Store is the external status store boundary.
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}
