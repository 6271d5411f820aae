package store

import (
	"context"
	"errors"
	"testing"

	"github.com/ridermw/ClawdBody/internal/provider"
)

func TestTransitionForward(t *testing.T) {
	rec := &Record{Status: StatusPending}

	for _, next := range []Status{StatusProvisioning, StatusConfiguringVM, StatusReady} {
		if err := rec.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
		if rec.Status != next {
			t.Fatalf("status = %s, want %s", rec.Status, next)
		}
	}
}

func TestTransitionBackwardRejected(t *testing.T) {
	rec := &Record{Status: StatusConfiguringVM}
	if err := rec.Transition(StatusPending); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if rec.Status != StatusConfiguringVM {
		t.Fatalf("status mutated on rejected transition: %s", rec.Status)
	}

	ready := &Record{Status: StatusReady}
	if err := ready.Transition(StatusConfiguringVM); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("ready must not go back to configuring_vm, got %v", err)
	}
}

func TestTransitionRetryPath(t *testing.T) {
	rec := &Record{Status: StatusFailed, ErrorMessage: "tooling install failed"}
	if err := rec.Transition(StatusProvisioning); err != nil {
		t.Fatalf("failed -> provisioning must be legal: %v", err)
	}
	if rec.ErrorMessage != "" {
		t.Fatal("retry transition must clear the error message")
	}
}

func TestTransitionRerunFromReady(t *testing.T) {
	rec := &Record{Status: StatusReady, VMCreated: true, AgentInstalled: true}
	if err := rec.Transition(StatusProvisioning); err != nil {
		t.Fatalf("ready -> provisioning must be legal for a re-run: %v", err)
	}
	if !rec.VMCreated || !rec.AgentInstalled {
		t.Fatal("re-run transition must keep milestones intact")
	}
}

func TestTransitionToFailedFromAnywhereForward(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusProvisioning, StatusConfiguringVM} {
		rec := &Record{Status: from}
		if err := rec.Transition(StatusFailed); err != nil {
			t.Fatalf("%s -> failed: %v", from, err)
		}
	}
}

func TestMemoryGetSaveRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := &Record{UserID: "u1", Provider: provider.KindFake, Status: StatusPending}
	if err := m.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Provider != provider.KindFake || got.Status != StatusPending {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set on save")
	}

	// Get returns a copy: mutating it must not affect the stored record.
	got.VMCreated = true
	again, _ := m.Get(ctx, "u1")
	if again.VMCreated {
		t.Fatal("store returned a shared reference")
	}
}
