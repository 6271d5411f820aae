package setup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ridermw/ClawdBody/internal/provider"
	"github.com/ridermw/ClawdBody/internal/remote"
	"github.com/ridermw/ClawdBody/internal/retry"
	"github.com/ridermw/ClawdBody/internal/secret"
	"github.com/ridermw/ClawdBody/internal/store"
)

// fakeDriver scripts the outcome of each pipeline step and records how
// often each was invoked.
type fakeDriver struct {
	mu sync.Mutex

	ensureErr  error
	readyErr   error
	toolingErr error
	agentErrs  []error
	gatewayUp  bool
	gatewayErr error

	ensureCalls    int
	readyCalls     int
	toolingCalls   int
	agentCalls     int
	gatewayCalls   int
	reconnectCalls int
	closed         bool
}

func (d *fakeDriver) EnsureInstance(ctx context.Context, rec *store.Record) (*provider.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCalls++
	if d.ensureErr != nil {
		return nil, d.ensureErr
	}
	return &provider.Instance{
		Provider: rec.Provider,
		ID:       "i-test",
		Name:     "clawd-" + rec.UserID,
		Addr:     "10.0.0.5",
		Status:   provider.StatusRunning,
		Type:     "small",
	}, nil
}

func (d *fakeDriver) WaitReady(ctx context.Context, rec *store.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readyCalls++
	return d.readyErr
}

func (d *fakeDriver) InstallTooling(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toolingCalls++
	return d.toolingErr
}

func (d *fakeDriver) InstallAgent(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agentCalls++
	if len(d.agentErrs) > 0 {
		err := d.agentErrs[0]
		d.agentErrs = d.agentErrs[1:]
		return err
	}
	return nil
}

func (d *fakeDriver) ConfigureGateway(ctx context.Context, gw GatewayConfig) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gatewayCalls++
	if d.gatewayErr != nil {
		return false, d.gatewayErr
	}
	return d.gatewayUp, nil
}

func (d *fakeDriver) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnectCalls++
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func newTestOrchestrator(t *testing.T, drv *fakeDriver) (*Orchestrator, *store.Memory) {
	t.Helper()
	key, err := secret.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := secret.NewBox(key)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	o := New(st, box, func(req Request, rec *store.Record) (Driver, error) {
		return drv, nil
	}, log.New(&strings.Builder{}, "", 0))
	// Collapse retry waits so failure paths finish quickly.
	o.toolingPolicy = retry.Fixed(toolingAttempts, 0)
	agentPolicy := retry.Exponential(agentAttempts, 0, 0)
	agentPolicy.Retryable = remote.IsConnectionError
	o.agentPolicy = agentPolicy
	return o, st
}

func runToDone(t *testing.T, o *Orchestrator, req Request) *Handle {
	t.Helper()
	h, err := o.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	return h
}

func TestPipelineReachesReady(t *testing.T) {
	drv := &fakeDriver{gatewayUp: true}
	o, st := newTestOrchestrator(t, drv)

	h := runToDone(t, o, Request{
		UserID:          "alice",
		Provider:        provider.KindFake,
		APICredential:   "api-secret",
		MessagingToken:  "msg-token",
		MessagingUserID: "U123",
	})
	if err := h.Err(); err != nil {
		t.Fatalf("pipeline error: %v", err)
	}

	rec, err := st.Get(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusReady {
		t.Fatalf("status = %s, want ready", rec.Status)
	}
	if !rec.VMCreated || !rec.AgentInstalled || !rec.ChannelConfigured || !rec.GatewayStarted {
		t.Fatalf("milestones incomplete: %+v", rec)
	}
	if rec.InstanceID != "i-test" || rec.InstanceAddr != "10.0.0.5" {
		t.Fatalf("instance fields not persisted: %+v", rec)
	}
	if !drv.closed {
		t.Fatal("driver channel not closed after pipeline")
	}
}

func TestCredentialsSealedInRecord(t *testing.T) {
	drv := &fakeDriver{}
	o, st := newTestOrchestrator(t, drv)

	runToDone(t, o, Request{
		UserID:        "alice",
		Provider:      provider.KindFake,
		APICredential: "api-secret",
	})
	rec, _ := st.Get(context.Background(), "alice")
	if len(rec.EncryptedAPICredential) == 0 {
		t.Fatal("api credential not stored")
	}
	if strings.Contains(string(rec.EncryptedAPICredential), "api-secret") {
		t.Fatal("credential stored in plaintext")
	}
	got, err := o.box.OpenString(rec.EncryptedAPICredential)
	if err != nil || got != "api-secret" {
		t.Fatalf("round trip = %q, %v", got, err)
	}
}

func TestResumeSkipsInstanceCreate(t *testing.T) {
	drv := &fakeDriver{}
	o, st := newTestOrchestrator(t, drv)

	seed := &store.Record{
		UserID:     "alice",
		Provider:   provider.KindFake,
		Status:     store.StatusFailed,
		VMCreated:  true,
		InstanceID: "i-existing",
	}
	if err := st.Save(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	runToDone(t, o, Request{UserID: "alice", Provider: provider.KindFake})

	if drv.ensureCalls != 0 {
		t.Fatalf("EnsureInstance called %d times on resume, want 0", drv.ensureCalls)
	}
	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusReady {
		t.Fatalf("status = %s, want ready", rec.Status)
	}
	if rec.InstanceID != "i-existing" {
		t.Fatalf("instance id changed to %s", rec.InstanceID)
	}
}

func TestRerunAfterReadyDoesNotCreateSecondInstance(t *testing.T) {
	drv := &fakeDriver{}
	o, st := newTestOrchestrator(t, drv)

	seed := &store.Record{
		UserID:         "alice",
		Provider:       provider.KindFake,
		Status:         store.StatusReady,
		VMCreated:      true,
		AgentInstalled: true,
		InstanceID:     "i-existing",
	}
	if err := st.Save(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	runToDone(t, o, Request{UserID: "alice", Provider: provider.KindFake})

	if drv.ensureCalls != 0 {
		t.Fatalf("EnsureInstance called %d times on re-run, want 0", drv.ensureCalls)
	}
	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusReady {
		t.Fatalf("status = %s, want ready", rec.Status)
	}
	if rec.InstanceID != "i-existing" {
		t.Fatalf("instance id changed to %s", rec.InstanceID)
	}
}

func TestToolingFailureIsFatal(t *testing.T) {
	drv := &fakeDriver{toolingErr: errors.New("apt-get exploded")}
	o, st := newTestOrchestrator(t, drv)

	h := runToDone(t, o, Request{UserID: "alice", Provider: provider.KindFake})
	if h.Err() == nil {
		t.Fatal("expected pipeline error")
	}

	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if !rec.VMCreated {
		t.Fatal("vmCreated milestone lost")
	}
	if rec.AgentInstalled {
		t.Fatal("agentInstalled should not be set")
	}
	if rec.ErrorMessage == "" {
		t.Fatal("errorMessage empty")
	}
	if drv.toolingCalls != toolingAttempts {
		t.Fatalf("tooling attempted %d times, want %d", drv.toolingCalls, toolingAttempts)
	}
}

func TestBillingErrorBlocksRecord(t *testing.T) {
	drv := &fakeDriver{
		ensureErr: provider.NewBilling("create", "xlarge", errors.New("OptInRequired")),
	}
	o, st := newTestOrchestrator(t, drv)

	runToDone(t, o, Request{UserID: "alice", Provider: provider.KindFake, InstanceType: "xlarge"})

	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusRequiresPayment {
		t.Fatalf("status = %s, want requires_payment", rec.Status)
	}
	if rec.ErrorMessage != "BILLING_REQUIRED:xlarge" {
		t.Fatalf("errorMessage = %q", rec.ErrorMessage)
	}
}

func TestBillingBlockedRecordCanRetry(t *testing.T) {
	drv := &fakeDriver{}
	o, st := newTestOrchestrator(t, drv)

	seed := &store.Record{
		UserID:       "alice",
		Provider:     provider.KindFake,
		Status:       store.StatusRequiresPayment,
		ErrorMessage: "BILLING_REQUIRED:xlarge",
	}
	if err := st.Save(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	runToDone(t, o, Request{UserID: "alice", Provider: provider.KindFake})

	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusReady {
		t.Fatalf("status = %s, want ready after retry", rec.Status)
	}
	if rec.ErrorMessage != "" {
		t.Fatalf("errorMessage not cleared: %q", rec.ErrorMessage)
	}
}

func TestAgentConnectionErrorReconnectsAndRetries(t *testing.T) {
	drv := &fakeDriver{
		agentErrs: []error{&remote.ConnectionError{Err: errors.New("connection refused")}},
	}
	o, st := newTestOrchestrator(t, drv)

	h := runToDone(t, o, Request{UserID: "alice", Provider: provider.KindFake})
	if err := h.Err(); err != nil {
		t.Fatalf("pipeline error: %v", err)
	}
	if drv.agentCalls != 2 {
		t.Fatalf("agent install attempted %d times, want 2", drv.agentCalls)
	}
	if drv.reconnectCalls != 1 {
		t.Fatalf("reconnects = %d, want 1", drv.reconnectCalls)
	}
	rec, _ := st.Get(context.Background(), "alice")
	if !rec.AgentInstalled {
		t.Fatal("agentInstalled not set")
	}
}

func TestAgentCommandFailureIsNotRetried(t *testing.T) {
	drv := &fakeDriver{
		agentErrs: []error{errors.New("npm exited 1"), errors.New("npm exited 1")},
	}
	o, st := newTestOrchestrator(t, drv)

	h := runToDone(t, o, Request{UserID: "alice", Provider: provider.KindFake})
	if h.Err() == nil {
		t.Fatal("expected pipeline error")
	}
	if drv.agentCalls != 1 {
		t.Fatalf("agent install attempted %d times, want 1", drv.agentCalls)
	}
	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
}

func TestGatewayVerifyFailureKeepsCredentials(t *testing.T) {
	drv := &fakeDriver{gatewayUp: false}
	o, st := newTestOrchestrator(t, drv)

	h := runToDone(t, o, Request{
		UserID:          "alice",
		Provider:        provider.KindFake,
		APICredential:   "api-secret",
		MessagingToken:  "msg-token",
		MessagingUserID: "U123",
	})
	if h.Err() == nil {
		t.Fatal("expected pipeline error")
	}

	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if !rec.ChannelConfigured {
		t.Fatal("channelConfigured should be set")
	}
	if rec.GatewayStarted {
		t.Fatal("gatewayStarted should be false")
	}
	if len(rec.EncryptedAPICredential) == 0 || len(rec.EncryptedMessagingToken) == 0 {
		t.Fatal("credentials discarded on gateway failure")
	}
}

func TestNoMessagingTokenSkipsGateway(t *testing.T) {
	drv := &fakeDriver{}
	o, st := newTestOrchestrator(t, drv)

	h := runToDone(t, o, Request{
		UserID:        "alice",
		Provider:      provider.KindFake,
		APICredential: "api-secret",
	})
	if err := h.Err(); err != nil {
		t.Fatalf("pipeline error: %v", err)
	}
	if drv.gatewayCalls != 0 {
		t.Fatalf("gateway configured %d times, want 0", drv.gatewayCalls)
	}
	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusReady {
		t.Fatalf("status = %s, want ready", rec.Status)
	}
	if rec.ChannelConfigured || rec.GatewayStarted {
		t.Fatal("gateway milestones should stay false")
	}
}

func TestSecondStartWhileRunningIsRejected(t *testing.T) {
	block := make(chan struct{})
	drv := &fakeDriver{}
	o, _ := newTestOrchestrator(t, drv)
	o.drivers = func(req Request, rec *store.Record) (Driver, error) {
		<-block
		return drv, nil
	}

	h, err := o.Start(context.Background(), Request{UserID: "alice", Provider: provider.KindFake})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Start(context.Background(), Request{UserID: "alice", Provider: provider.KindFake}); !errors.Is(err, ErrInProgress) {
		t.Fatalf("second start err = %v, want ErrInProgress", err)
	}

	close(block)
	<-h.Done()

	// After the first run finishes a new start is accepted again.
	h2, err := o.Start(context.Background(), Request{UserID: "alice", Provider: provider.KindFake})
	if err != nil {
		t.Fatalf("restart after done: %v", err)
	}
	<-h2.Done()
}

func TestIndependentUsersRunInParallel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	o, st := newTestOrchestrator(t, &fakeDriver{})
	o.drivers = func(req Request, rec *store.Record) (Driver, error) {
		started <- req.UserID
		<-release
		return &fakeDriver{}, nil
	}

	h1, err := o.Start(context.Background(), Request{UserID: "alice", Provider: provider.KindFake})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := o.Start(context.Background(), Request{UserID: "bob", Provider: provider.KindFake})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("pipelines did not start concurrently")
		}
	}
	close(release)
	<-h1.Done()
	<-h2.Done()

	for _, user := range []string{"alice", "bob"} {
		rec, err := st.Get(context.Background(), user)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != store.StatusReady {
			t.Fatalf("user %s status = %s, want ready", user, rec.Status)
		}
	}
}

func TestCancelStopsPipeline(t *testing.T) {
	entered := make(chan struct{})
	drv := &fakeDriver{}
	o, st := newTestOrchestrator(t, drv)
	// Real delay so the cancel lands while the retry loop is waiting.
	o.toolingPolicy = retry.Fixed(toolingAttempts, time.Hour)
	drv.toolingErr = errors.New("still converging")
	o.drivers = func(req Request, rec *store.Record) (Driver, error) {
		close(entered)
		return drv, nil
	}

	h, err := o.Start(context.Background(), Request{UserID: "alice", Provider: provider.KindFake})
	if err != nil {
		t.Fatal(err)
	}
	<-entered
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop on cancel")
	}
	if h.Err() == nil {
		t.Fatal("expected error from cancelled pipeline")
	}
	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
}

func TestDriverFactoryErrorFailsRecord(t *testing.T) {
	o, st := newTestOrchestrator(t, &fakeDriver{})
	o.drivers = func(req Request, rec *store.Record) (Driver, error) {
		return nil, fmt.Errorf("no credentials for %s", req.Provider)
	}

	h := runToDone(t, o, Request{UserID: "alice", Provider: provider.KindFake})
	if h.Err() == nil {
		t.Fatal("expected pipeline error")
	}
	rec, _ := st.Get(context.Background(), "alice")
	if rec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
}
