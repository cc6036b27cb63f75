package rategovernor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/models"
)

func newTestGovernor(quotas ...common.QuotaConfig) *Governor {
	return NewGovernor(common.NewSilentLogger(), quotas)
}

func TestAcquireWithinBurst(t *testing.T) {
	g := newTestGovernor(common.QuotaConfig{Scope: "mailbox_read", PerSec: 1, Burst: 3, MaxWait: "50ms"})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := g.Acquire(ctx, "mailbox_read", 1); err != nil {
			t.Fatalf("acquire %d within burst failed: %v", i, err)
		}
	}
}

func TestAcquireExhaustedReturnsRateLimited(t *testing.T) {
	g := newTestGovernor(common.QuotaConfig{Scope: "mailbox_read", PerSec: 0.001, Burst: 1, MaxWait: "10ms"})

	ctx := context.Background()
	if err := g.Acquire(ctx, "mailbox_read", 1); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	err := g.Acquire(ctx, "mailbox_read", 1)
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestAcquireUnknownScopePassesThrough(t *testing.T) {
	g := newTestGovernor(common.QuotaConfig{Scope: "mailbox_read", PerSec: 1, Burst: 1, MaxWait: "10ms"})

	if err := g.Acquire(context.Background(), "unconfigured", 1); err != nil {
		t.Fatalf("unknown scope should pass: %v", err)
	}
}

func TestAcquireIndependentScopes(t *testing.T) {
	g := newTestGovernor(
		common.QuotaConfig{Scope: "mailbox_read", PerSec: 0.001, Burst: 1, MaxWait: "10ms"},
		common.QuotaConfig{Scope: "calendar_read", PerSec: 0.001, Burst: 1, MaxWait: "10ms"},
	)

	ctx := context.Background()
	if err := g.Acquire(ctx, "mailbox_read", 1); err != nil {
		t.Fatalf("mailbox acquire failed: %v", err)
	}
	if err := g.Acquire(ctx, "mailbox_read", 1); !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("mailbox should be exhausted, got %v", err)
	}

	// The calendar bucket is untouched by mailbox exhaustion.
	if err := g.Acquire(ctx, "calendar_read", 1); err != nil {
		t.Fatalf("calendar acquire failed: %v", err)
	}
}

func TestAcquireCanceledContext(t *testing.T) {
	g := newTestGovernor(common.QuotaConfig{Scope: "mailbox_read", PerSec: 1, Burst: 1, MaxWait: "5s"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Acquire(ctx, "mailbox_read", 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAcquireRefusesFast(t *testing.T) {
	g := newTestGovernor(common.QuotaConfig{Scope: "mailbox_read", PerSec: 0.001, Burst: 1, MaxWait: "2s"})

	ctx := context.Background()
	if err := g.Acquire(ctx, "mailbox_read", 1); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	// The required wait (~1000s) overruns the 2s bound, so the limiter
	// refuses immediately instead of sleeping out the bound.
	start := time.Now()
	err := g.Acquire(ctx, "mailbox_read", 1)
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("refusal took %v, expected fast fail", elapsed)
	}
}
