package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/neonwatty/vibetunnel-sub007/internal/adapters/storage/memory"
	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
)

const goodID = "f3a1b2c4-9d8e-4f10-a6b7-0c1d2e3f4a5b"

func TestCreateRejectsWeakIDs(t *testing.T) {
	svc := NewSessionService(memory.NewStore(2))
	ctx := context.Background()

	for _, id := range []string{"", "short", "aaaaaaaaaaaaaaaaaaaa"} {
		if _, err := svc.Create(ctx, id, "c1", domain.CaptureTarget{Kind: domain.TargetDesktop}); err == nil {
			t.Fatalf("expected rejection of id %q", id)
		} else if !domain.IsValidation(err) {
			t.Fatalf("expected validation error for %q, got %v", id, err)
		}
	}
}

func TestAuthorizeGate(t *testing.T) {
	svc := NewSessionService(memory.NewStore(2))
	ctx := context.Background()

	// No session at all.
	if _, err := svc.Authorize(ctx, goodID); !errors.Is(err, domain.ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}

	sess, err := svc.Create(ctx, goodID, "c1", domain.CaptureTarget{Kind: domain.TargetDesktop})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.State != domain.SessionCreated {
		t.Fatalf("state = %s, want created", sess.State)
	}

	// Created is not enough; only Active authorizes mutations.
	if _, err := svc.Authorize(ctx, goodID); !errors.Is(err, domain.ErrSessionInvalid) {
		t.Fatalf("created session must not authorize, got %v", err)
	}

	if err := svc.Activate(ctx, goodID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err := svc.Authorize(ctx, goodID)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got.ID != goodID {
		t.Fatalf("authorized wrong session %q", got.ID)
	}

	// Mismatched and missing ids fail.
	if _, err := svc.Authorize(ctx, "Zx9_Qw2-Lk8pR3vT"); !errors.Is(err, domain.ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid for mismatch, got %v", err)
	}
	if _, err := svc.Authorize(ctx, ""); !errors.Is(err, domain.ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid for empty id, got %v", err)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	svc := NewSessionService(memory.NewStore(2))
	ctx := context.Background()

	_, _ = svc.Create(ctx, goodID, "c1", domain.CaptureTarget{Kind: domain.TargetDesktop})
	_ = svc.Activate(ctx, goodID)
	_ = svc.Close(ctx, goodID)

	// Every later mutating request referencing the id must fail until a
	// new session exists.
	for i := 0; i < 3; i++ {
		if _, err := svc.Authorize(ctx, goodID); !errors.Is(err, domain.ErrSessionInvalid) {
			t.Fatalf("closed session authorized on attempt %d: %v", i, err)
		}
	}
}

func TestDiscardNeverActivates(t *testing.T) {
	svc := NewSessionService(memory.NewStore(2))
	ctx := context.Background()

	_, _ = svc.Create(ctx, goodID, "c1", domain.CaptureTarget{Kind: domain.TargetDesktop})
	_ = svc.Discard(ctx, goodID)
	if err := svc.Activate(ctx, goodID); err == nil {
		t.Fatal("expected activation of discarded session to fail")
	}
}
