// Package session implements the cluster-wide per-charger ownership
// protocol (§4.G): a single atomic claim per key sessions:{chargePointId},
// expressed as an optimistic compare-and-swap loop over ports.KVStore's
// CompareAndSwap primitive (the Redis implementation backs that primitive
// with a single EVAL script, so the decision below still resolves
// atomically at the store — see internal/adapter/kv/redis.go's casScript).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/circuitbreaker"
	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

func key(chargePointID string) string { return "sessions:" + chargePointID }

// ClaimResult is the outcome of an ownership claim attempt (§4.G).
type ClaimResult struct {
	Outcome           domain.SessionOutcome
	PreviousOwnerNode string
	Epoch             int64
}

// Directory manages session claims, refreshes, and releases.
type Directory struct {
	kv       ports.KVStore
	breaker  *circuitbreaker.CircuitBreaker
	log      *zap.Logger
	ttl      time.Duration
	staleAge time.Duration
	clock    ports.Clock
}

func NewDirectory(kv ports.KVStore, breaker *circuitbreaker.CircuitBreaker, log *zap.Logger, ttl, staleAge time.Duration, clock ports.Clock) *Directory {
	if clock == nil {
		clock = ports.RealClock
	}
	return &Directory{kv: kv, breaker: breaker, log: log, ttl: ttl, staleAge: staleAge, clock: clock}
}

// Claim implements the four-case decision table from §4.G.
func (d *Directory) Claim(ctx context.Context, chargePointID, nodeID string, version domain.OCPPVersion, stationID, tenantID string) (ClaimResult, error) {
	k := key(chargePointID)
	nowMs := d.clock.Now().UnixMilli()

	for {
		var rawCurrent string
		var currentEntry *domain.SessionEntry

		err := circuitbreaker.Execute(d.breaker, func() error {
			v, ok, err := d.kv.Get(ctx, k)
			if err != nil {
				return err
			}
			if ok {
				rawCurrent = v
				var e domain.SessionEntry
				if jsonErr := json.Unmarshal([]byte(v), &e); jsonErr == nil {
					currentEntry = &e
				}
			}
			return nil
		})
		if err != nil {
			return ClaimResult{}, fmt.Errorf("session claim: read: %w", err)
		}

		var outcome domain.SessionOutcome
		var newEntry domain.SessionEntry
		var previousOwner string

		switch {
		case currentEntry == nil:
			outcome = domain.SessionFresh
			newEntry = domain.SessionEntry{
				ChargePointID: chargePointID, OCPPVersion: version, NodeID: nodeID,
				StationID: stationID, TenantID: tenantID,
				ConnectedAtMs: nowMs, LastSeenAtMs: nowMs, Epoch: 1,
			}

		case currentEntry.NodeID == nodeID:
			outcome = domain.SessionRefreshed
			newEntry = *currentEntry
			newEntry.LastSeenAtMs = nowMs

		case d.staleAge > 0 && nowMs-currentEntry.LastSeenAtMs > d.staleAge.Milliseconds():
			outcome = domain.SessionTakeover
			previousOwner = currentEntry.NodeID
			newEntry = domain.SessionEntry{
				ChargePointID: chargePointID, OCPPVersion: version, NodeID: nodeID,
				StationID: stationID, TenantID: tenantID,
				ConnectedAtMs: nowMs, LastSeenAtMs: nowMs, Epoch: currentEntry.Epoch + 1,
			}

		default:
			return ClaimResult{Outcome: domain.SessionDenied, PreviousOwnerNode: currentEntry.NodeID, Epoch: currentEntry.Epoch}, nil
		}

		encoded, err := json.Marshal(newEntry)
		if err != nil {
			return ClaimResult{}, err
		}

		var swapped bool
		err = circuitbreaker.Execute(d.breaker, func() error {
			_, ok, casErr := d.kv.CompareAndSwap(ctx, k, rawCurrent, string(encoded), d.ttl)
			swapped = ok
			return casErr
		})
		if err != nil {
			return ClaimResult{}, fmt.Errorf("session claim: write: %w", err)
		}
		if !swapped {
			// Lost the race against a concurrent claimant; re-read and retry.
			continue
		}

		return ClaimResult{Outcome: outcome, PreviousOwnerNode: previousOwner, Epoch: newEntry.Epoch}, nil
	}
}

// Refresh bumps lastSeenAtMs and resets the TTL, but only if nodeID is
// still the owner (§4.G: "never steal"). Returns false if ownership has
// moved elsewhere, in which case the caller must not continue treating the
// connection as authoritative.
func (d *Directory) Refresh(ctx context.Context, chargePointID, nodeID string) (bool, error) {
	k := key(chargePointID)

	var current string
	err := circuitbreaker.Execute(d.breaker, func() error {
		v, ok, err := d.kv.Get(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			current = ""
			return nil
		}
		current = v
		return nil
	})
	if err != nil {
		return false, err
	}
	if current == "" {
		return false, nil
	}

	var entry domain.SessionEntry
	if err := json.Unmarshal([]byte(current), &entry); err != nil {
		return false, err
	}
	if entry.NodeID != nodeID {
		d.log.Warn("session refresh skipped: no longer owner",
			zap.String("charge_point_id", chargePointID), zap.String("node_id", nodeID), zap.String("current_owner", entry.NodeID))
		return false, nil
	}

	entry.LastSeenAtMs = d.clock.Now().UnixMilli()
	encoded, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}

	var ok bool
	err = circuitbreaker.Execute(d.breaker, func() error {
		_, swapped, casErr := d.kv.CompareAndSwap(ctx, k, current, string(encoded), d.ttl)
		ok = swapped
		return casErr
	})
	return ok, err
}

// Release deletes the session entry, but only if nodeID is still the
// owner.
func (d *Directory) Release(ctx context.Context, chargePointID, nodeID string) error {
	k := key(chargePointID)
	v, ok, err := d.kv.Get(ctx, k)
	if err != nil || !ok {
		return err
	}

	var entry domain.SessionEntry
	if err := json.Unmarshal([]byte(v), &entry); err != nil {
		return err
	}
	if entry.NodeID != nodeID {
		return nil
	}
	return d.kv.Delete(ctx, k)
}

// Lookup returns the current owner, if any.
func (d *Directory) Lookup(ctx context.Context, chargePointID string) (*domain.SessionEntry, error) {
	v, ok, err := d.kv.Get(ctx, key(chargePointID))
	if err != nil || !ok {
		return nil, err
	}
	var entry domain.SessionEntry
	if err := json.Unmarshal([]byte(v), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
