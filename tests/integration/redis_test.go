package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/adapter/kv"
	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/gateway/session"
)

// startRedis brings up a disposable Redis container, the way the teacher's
// tests/integration/setup_test.go does for its own Postgres+Redis suite,
// narrowed to Redis since the gateway has no relational store.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.RunContainer(ctx,
		testcontainers.WithImage("redis:7-alpine"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis mapped port: %v", err)
	}
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

// offsetClock reports the wall-clock time shifted by a fixed offset.
type offsetClock struct{ offset time.Duration }

func (c offsetClock) Now() time.Time { return time.Now().Add(c.offset) }

// TestSessionDirectory_ClaimSurvivesAgainstRealRedis exercises the CAS
// claim/takeover path of internal/gateway/session against an actual Redis
// instance instead of the in-memory KVStore the unit tests use, catching
// anything the Lua-script CAS relies on that the in-process fake glosses
// over (key expiry semantics, script atomicity under the real server).
func TestSessionDirectory_ClaimSurvivesAgainstRealRedis(t *testing.T) {
	url := startRedis(t)
	logger := zap.NewNop()

	store, err := kv.NewRedisStore(url, logger)
	if err != nil {
		t.Fatalf("connect to containerized redis: %v", err)
	}

	directory := session.NewDirectory(store, nil, logger, 90*time.Second, 30*time.Second, nil)
	ctx := context.Background()

	first, err := directory.Claim(ctx, "CP-1", "node-a", domain.V201, "station-1", "tenant-1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if first.Outcome != domain.SessionFresh {
		t.Fatalf("expected a fresh claim for a never-seen charge point, got %v", first.Outcome)
	}

	// node-b's directory sees the clock 60s ahead, past the 30s stale age,
	// so its claim on node-a's entry is a takeover rather than a denial.
	later := session.NewDirectory(store, nil, logger, 90*time.Second, 30*time.Second, offsetClock{offset: 60 * time.Second})
	second, err := later.Claim(ctx, "CP-1", "node-b", domain.V201, "station-1", "tenant-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second.Outcome != domain.SessionTakeover {
		t.Fatalf("expected a takeover claim when node-b connects the same charge point, got %v", second.Outcome)
	}
	if second.PreviousOwnerNode != "node-a" {
		t.Fatalf("expected previous owner node-a, got %q", second.PreviousOwnerNode)
	}

	refreshed, err := directory.Refresh(ctx, "CP-1", "node-a")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed {
		t.Fatalf("expected node-a's refresh to fail once node-b owns the session")
	}
}
