package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/adapter/kv"
	"github.com/seu-repo/ocpp-gateway/internal/domain"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func newDirectory(t *testing.T, clock *fakeClock) *Directory {
	t.Helper()
	store := kv.NewMemoryStore(time.Minute, zap.NewNop())
	return NewDirectory(store, nil, zap.NewNop(), 90*time.Second, 30*time.Second, clock)
}

func TestClaim_FreshWhenUnowned(t *testing.T) {
	// Arrange
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newDirectory(t, clock)

	// Act
	result, err := d.Claim(context.Background(), "CP-1", "node-a", domain.V16, "ST-1", "T-1")

	// Assert
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Outcome != domain.SessionFresh {
		t.Errorf("expected FRESH, got %v", result.Outcome)
	}
	if result.Epoch != 1 {
		t.Errorf("expected epoch 1, got %d", result.Epoch)
	}
}

func TestClaim_RefreshedBySameOwner(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newDirectory(t, clock)
	ctx := context.Background()

	first, err := d.Claim(ctx, "CP-1", "node-a", domain.V16, "ST-1", "T-1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	clock.now = clock.now.Add(5 * time.Second)
	second, err := d.Claim(ctx, "CP-1", "node-a", domain.V16, "ST-1", "T-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}

	if second.Outcome != domain.SessionRefreshed {
		t.Errorf("expected REFRESHED, got %v", second.Outcome)
	}
	if second.Epoch != first.Epoch {
		t.Errorf("epoch must not change on refresh")
	}
}

func TestClaim_DeniedWhileOwnerFresh(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newDirectory(t, clock)
	ctx := context.Background()

	if _, err := d.Claim(ctx, "CP-1", "node-a", domain.V16, "", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	result, err := d.Claim(ctx, "CP-1", "node-b", domain.V16, "", "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Outcome != domain.SessionDenied {
		t.Fatalf("expected DENIED while owner is still fresh, got %v", result.Outcome)
	}
	if result.PreviousOwnerNode != "node-a" {
		t.Errorf("expected previous owner node-a, got %s", result.PreviousOwnerNode)
	}
}

func TestClaim_TakeoverAfterStaleness(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newDirectory(t, clock)
	ctx := context.Background()

	first, err := d.Claim(ctx, "CP-1", "node-a", domain.V16, "", "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.now = clock.now.Add(60 * time.Second)
	result, err := d.Claim(ctx, "CP-1", "node-b", domain.V16, "", "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Outcome != domain.SessionTakeover {
		t.Fatalf("expected TAKEOVER after staleness window, got %v", result.Outcome)
	}
	if result.PreviousOwnerNode != "node-a" {
		t.Errorf("expected previous owner node-a, got %s", result.PreviousOwnerNode)
	}
	if result.Epoch != first.Epoch+1 {
		t.Errorf("expected epoch to increment on takeover, got %d", result.Epoch)
	}
}

func TestRefresh_FailsAfterTakeover(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newDirectory(t, clock)
	ctx := context.Background()

	if _, err := d.Claim(ctx, "CP-1", "node-a", domain.V16, "", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.now = clock.now.Add(60 * time.Second)
	if _, err := d.Claim(ctx, "CP-1", "node-b", domain.V16, "", ""); err != nil {
		t.Fatalf("takeover claim: %v", err)
	}

	ok, err := d.Refresh(ctx, "CP-1", "node-a")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ok {
		t.Fatalf("expected refresh by the displaced owner to fail")
	}
}

func TestRelease_OnlyByCurrentOwner(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	d := newDirectory(t, clock)
	ctx := context.Background()

	if _, err := d.Claim(ctx, "CP-1", "node-a", domain.V16, "", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := d.Release(ctx, "CP-1", "node-b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	entry, err := d.Lookup(ctx, "CP-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected session entry to survive release by a non-owner")
	}

	if err := d.Release(ctx, "CP-1", "node-a"); err != nil {
		t.Fatalf("release by owner: %v", err)
	}
	entry, err = d.Lookup(ctx, "CP-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected session entry to be gone after release by owner")
	}
}
