package setup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ridermw/ClawdBody/internal/provider"
	"github.com/ridermw/ClawdBody/internal/remote"
	"github.com/ridermw/ClawdBody/internal/retry"
	"github.com/ridermw/ClawdBody/internal/secret"
	"github.com/ridermw/ClawdBody/internal/store"
)

// ErrInProgress is returned when a setup pipeline is already running for
// the user.
var ErrInProgress = errors.New("setup: pipeline already running for user")

// Request starts one provisioning pipeline. Credential fields are
// plaintext at this boundary only; they are sealed into the record
// before the first remote step runs.
type Request struct {
	UserID   string
	Provider provider.Kind

	APICredential   string
	SSHPrivateKey   []byte
	SSHUser         string
	MessagingToken  string
	MessagingUserID string

	InstanceType string
	Region       string
}

// DriverFactory builds the provider driver for a run. The record carries
// everything persisted so far; the request carries this run's inputs.
type DriverFactory func(req Request, rec *store.Record) (Driver, error)

// Handle tracks one background pipeline run. The cancel is threaded
// through every step; callers that never cancel simply let the run
// finish.
type Handle struct {
	UserID string

	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Done is closed when the pipeline goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel aborts the run at the next step boundary.
func (h *Handle) Cancel() { h.cancel() }

// Err returns the pipeline's final error, valid after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Orchestrator runs provisioning pipelines. Independent users run fully
// in parallel; per user the steps are strictly sequential and at most
// one run is in flight.
type Orchestrator struct {
	store   store.Store
	box     *secret.Box
	drivers DriverFactory
	logger  *log.Logger

	toolingPolicy retry.Policy
	agentPolicy   retry.Policy

	mu      sync.Mutex
	running map[string]*Handle
}

// New builds an Orchestrator. logger may be nil for the default logger.
func New(st store.Store, box *secret.Box, drivers DriverFactory, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	agentPolicy := retry.Exponential(agentAttempts, agentInitialDelay, agentMaxDelay)
	agentPolicy.Retryable = remote.IsConnectionError
	return &Orchestrator{
		store:         st,
		box:           box,
		drivers:       drivers,
		logger:        logger,
		toolingPolicy: retry.Fixed(toolingAttempts, toolingDelay),
		agentPolicy:   agentPolicy,
		running:       make(map[string]*Handle),
	}
}

// Start validates the request, persists the record in `provisioning`,
// and launches the pipeline in the background. Resume is idempotent:
// completed milestones on an existing record are skipped.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Handle, error) {
	if !req.Provider.Valid() {
		return nil, fmt.Errorf("setup: unknown provider %q", req.Provider)
	}

	o.mu.Lock()
	if h, ok := o.running[req.UserID]; ok {
		select {
		case <-h.Done():
			delete(o.running, req.UserID)
		default:
			o.mu.Unlock()
			return nil, ErrInProgress
		}
	}
	o.mu.Unlock()

	rec, err := o.store.Get(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		rec = &store.Record{
			UserID:   req.UserID,
			Provider: req.Provider,
			Status:   store.StatusPending,
		}
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("load setup record: %w", err)
	}

	// A billing-blocked record retries like a failed one once the user
	// has fixed their account.
	if rec.Status == store.StatusRequiresPayment {
		rec.Status = store.StatusFailed
	}

	rec.Provider = req.Provider
	if req.InstanceType != "" {
		rec.InstanceType = req.InstanceType
	}
	if req.Region != "" {
		rec.Region = req.Region
	}
	if req.SSHUser != "" {
		rec.SSHUser = req.SSHUser
	}
	if err := o.sealCredentials(req, rec); err != nil {
		return nil, err
	}
	if err := rec.Transition(store.StatusProvisioning); err != nil {
		return nil, err
	}
	if err := o.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save setup record: %w", err)
	}

	// The run outlives the request; it gets its own cancelable context.
	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{UserID: req.UserID, done: make(chan struct{}), cancel: cancel}

	o.mu.Lock()
	o.running[req.UserID] = h
	o.mu.Unlock()

	go func() {
		defer cancel()
		h.finish(o.run(runCtx, req, rec))
	}()
	return h, nil
}

// Status returns the persisted record for a user.
func (o *Orchestrator) Status(ctx context.Context, userID string) (*store.Record, error) {
	return o.store.Get(ctx, userID)
}

// sealCredentials encrypts request credentials into the record. Empty
// request fields leave previously stored material untouched so a resume
// does not require re-sending secrets.
func (o *Orchestrator) sealCredentials(req Request, rec *store.Record) error {
	if req.APICredential != "" {
		blob, err := o.box.SealString(req.APICredential)
		if err != nil {
			return fmt.Errorf("seal api credential: %w", err)
		}
		rec.EncryptedAPICredential = blob
	}
	if len(req.SSHPrivateKey) > 0 {
		blob, err := o.box.Seal(req.SSHPrivateKey)
		if err != nil {
			return fmt.Errorf("seal ssh key: %w", err)
		}
		rec.EncryptedSSHKey = blob
	}
	if req.MessagingToken != "" {
		blob, err := o.box.SealString(req.MessagingToken)
		if err != nil {
			return fmt.Errorf("seal messaging token: %w", err)
		}
		rec.EncryptedMessagingToken = blob
		rec.MessagingUserID = req.MessagingUserID
	}
	return nil
}

// run executes the pipeline steps in order, persisting a milestone after
// each one. Any failure becomes exactly one final failed (or
// requires_payment) record update.
func (o *Orchestrator) run(ctx context.Context, req Request, rec *store.Record) (finalErr error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("setup: pipeline panic for user %s: %v", rec.UserID, r)
			finalErr = fmt.Errorf("pipeline panic: %v", r)
			o.fail(rec, finalErr.Error())
		}
	}()

	drv, err := o.drivers(req, rec)
	if err != nil {
		o.fail(rec, err.Error())
		return err
	}
	defer drv.Close()

	if err := o.ensureInstance(ctx, drv, rec); err != nil {
		if btype := provider.BillingType(err); btype != "" {
			o.block(rec, btype)
			return err
		}
		o.fail(rec, err.Error())
		return err
	}

	if err := rec.Transition(store.StatusConfiguringVM); err != nil {
		o.fail(rec, err.Error())
		return err
	}
	if err := o.store.Save(ctx, rec); err != nil {
		o.fail(rec, err.Error())
		return err
	}

	if err := drv.WaitReady(ctx, rec); err != nil {
		err = fmt.Errorf("instance never became reachable: %w", err)
		o.fail(rec, err.Error())
		return err
	}

	if err := o.installTooling(ctx, drv); err != nil {
		o.fail(rec, err.Error())
		return err
	}

	if err := o.installAgent(ctx, drv, rec); err != nil {
		o.fail(rec, err.Error())
		return err
	}

	if err := o.configureGateway(ctx, drv, rec); err != nil {
		o.fail(rec, err.Error())
		return err
	}

	if err := rec.Transition(store.StatusReady); err != nil {
		o.fail(rec, err.Error())
		return err
	}
	if err := o.store.Save(ctx, rec); err != nil {
		return err
	}
	o.logger.Printf("setup: user %s ready on %s (%s)", rec.UserID, rec.Provider, rec.InstanceID)
	return nil
}

// ensureInstance creates the instance unless a prior run already did.
func (o *Orchestrator) ensureInstance(ctx context.Context, drv Driver, rec *store.Record) error {
	if rec.VMCreated && rec.InstanceID != "" {
		return nil
	}

	inst, err := drv.EnsureInstance(ctx, rec)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}

	rec.VMCreated = true
	rec.InstanceID = inst.ID
	rec.InstanceName = inst.Name
	rec.InstanceAddr = inst.Addr
	if inst.Type != "" {
		rec.InstanceType = inst.Type
	}
	if inst.Region != "" {
		rec.Region = inst.Region
	}
	return o.store.Save(ctx, rec)
}

// installTooling runs the tooling scripts with a fixed retry. Exhausting
// the attempts is fatal for the pipeline.
func (o *Orchestrator) installTooling(ctx context.Context, drv Driver) error {
	if err := o.toolingPolicy.Do(ctx, func() error { return drv.InstallTooling(ctx) }); err != nil {
		return fmt.Errorf("tooling install: %w", err)
	}
	return nil
}

// reconnecter is implemented by drivers whose channel can be re-dialed
// between agent-install attempts.
type reconnecter interface {
	Reconnect(ctx context.Context) error
}

// installAgent retries only when the failure looks connection-layer,
// reconnecting the channel before the next attempt. A command failure
// is not retried.
func (o *Orchestrator) installAgent(ctx context.Context, drv Driver, rec *store.Record) error {
	first := true
	err := o.agentPolicy.Do(ctx, func() error {
		if !first {
			if rc, ok := drv.(reconnecter); ok {
				if err := rc.Reconnect(ctx); err != nil {
					return err
				}
			}
		}
		first = false
		return drv.InstallAgent(ctx)
	})
	if err != nil {
		return fmt.Errorf("agent install: %w", err)
	}

	rec.AgentInstalled = true
	return o.store.Save(ctx, rec)
}

// configureGateway runs the messaging step when a token is stored.
// Without a token the step is skipped and only the API credential
// remains persisted. A gateway that starts but never verifies fails the
// pipeline without discarding stored credentials.
func (o *Orchestrator) configureGateway(ctx context.Context, drv Driver, rec *store.Record) error {
	if len(rec.EncryptedMessagingToken) == 0 {
		return nil
	}

	token, err := o.box.OpenString(rec.EncryptedMessagingToken)
	if err != nil {
		return fmt.Errorf("unseal messaging token: %w", err)
	}
	authToken, err := newAuthToken()
	if err != nil {
		return err
	}

	started, err := drv.ConfigureGateway(ctx, GatewayConfig{
		MessagingToken:  token,
		MessagingUserID: rec.MessagingUserID,
		AuthToken:       authToken,
		Port:            DefaultGatewayPort,
	})
	if err != nil {
		return fmt.Errorf("configure gateway: %w", err)
	}

	rec.ChannelConfigured = true
	rec.GatewayStarted = started
	if err := o.store.Save(ctx, rec); err != nil {
		return err
	}
	if !started {
		return fmt.Errorf("gateway process did not come up on port %d", DefaultGatewayPort)
	}
	return nil
}

// fail writes the single terminal failed update. Milestones already set
// stay set so a retry resumes past them.
func (o *Orchestrator) fail(rec *store.Record, msg string) {
	rec.Status = store.StatusFailed
	rec.ErrorMessage = msg
	if err := o.store.Save(context.Background(), rec); err != nil {
		o.logger.Printf("setup: failed to persist failure for user %s: %v", rec.UserID, err)
	}
}

// block marks the record billing-blocked with the machine-readable
// message the client upgrade flow keys on.
func (o *Orchestrator) block(rec *store.Record, billingType string) {
	rec.Status = store.StatusRequiresPayment
	rec.ErrorMessage = "BILLING_REQUIRED:" + billingType
	if err := o.store.Save(context.Background(), rec); err != nil {
		o.logger.Printf("setup: failed to persist billing block for user %s: %v", rec.UserID, err)
	}
}

func newAuthToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
