// Package node implements the node directory advertisement of §4.M: each
// gateway process writes its own routing-topic record under
// nodes:{nodeId} with a TTL, refreshing on a heartbeat interval so command
// routing can discover which topics a given node's owned chargers listen
// on, falling back to deterministic topic names when no entry is found.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// Advert is the record written to nodes:{nodeId}.
type Advert struct {
	NodeID              string `json:"nodeId"`
	CommandTopic        string `json:"commandTopic"`
	SessionControlTopic string `json:"sessionControlTopic"`
	StartedAtMs         int64  `json:"startedAt"`
	LastSeenAtMs        int64  `json:"lastSeenAt"`
}

func key(nodeID string) string { return "nodes:" + nodeID }

// DeterministicCommandTopic and DeterministicSessionControlTopic are the
// fallback names a caller uses when a node's advertisement has expired or
// was never written (§4.M). They are the topics a node's command consumer
// (command.NodeRequestsTopic) and session-control consumer
// (sessioncontrol.NodeTopic) subscribe to.
func DeterministicCommandTopic(nodeID string) string        { return "cpms.command.requests.node." + nodeID }
func DeterministicSessionControlTopic(nodeID string) string  { return "ocpp.session.control.node." + nodeID }

// Directory advertises this node and looks up others.
type Directory struct {
	kv       ports.KVStore
	log      *zap.Logger
	clock    ports.Clock
	nodeID   string
	ttl      time.Duration
	interval time.Duration

	mu      sync.Mutex
	started int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewDirectory(kv ports.KVStore, log *zap.Logger, clock ports.Clock, nodeID string, ttl, heartbeatInterval time.Duration) *Directory {
	if clock == nil {
		clock = ports.RealClock
	}
	return &Directory{
		kv: kv, log: log, clock: clock, nodeID: nodeID,
		ttl: ttl, interval: heartbeatInterval,
		stopCh: make(chan struct{}),
	}
}

// Start writes the initial advertisement and launches the heartbeat loop.
// It blocks until the first write succeeds or ctx is done.
func (d *Directory) Start(ctx context.Context) error {
	now := d.clock.Now().UnixMilli()
	d.mu.Lock()
	d.started = now
	d.mu.Unlock()

	if err := d.advertise(ctx, now); err != nil {
		return fmt.Errorf("node directory: initial advertise: %w", err)
	}

	go d.heartbeatLoop(ctx)
	return nil
}

func (d *Directory) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.advertise(ctx, d.clock.Now().UnixMilli()); err != nil && d.log != nil {
				d.log.Warn("node directory heartbeat failed", zap.String("node_id", d.nodeID), zap.Error(err))
			}
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		}
	}
}

func (d *Directory) advertise(ctx context.Context, nowMs int64) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	advert := Advert{
		NodeID:              d.nodeID,
		CommandTopic:        DeterministicCommandTopic(d.nodeID),
		SessionControlTopic: DeterministicSessionControlTopic(d.nodeID),
		StartedAtMs:         started,
		LastSeenAtMs:        nowMs,
	}
	encoded, err := json.Marshal(advert)
	if err != nil {
		return err
	}
	return d.kv.Set(ctx, key(d.nodeID), string(encoded), d.ttl)
}

// Stop halts the heartbeat loop. It does not delete the KV entry; the TTL
// expires it naturally once heartbeats stop.
func (d *Directory) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Lookup returns another node's advertisement, if present and unexpired.
func (d *Directory) Lookup(ctx context.Context, nodeID string) (*Advert, bool, error) {
	v, ok, err := d.kv.Get(ctx, key(nodeID))
	if err != nil || !ok {
		return nil, false, err
	}
	var advert Advert
	if err := json.Unmarshal([]byte(v), &advert); err != nil {
		return nil, false, err
	}
	return &advert, true, nil
}

// CommandTopicFor resolves nodeID's command topic, falling back to the
// deterministic name when no live advertisement is found.
func (d *Directory) CommandTopicFor(ctx context.Context, nodeID string) string {
	if advert, ok, err := d.Lookup(ctx, nodeID); err == nil && ok {
		return advert.CommandTopic
	}
	return DeterministicCommandTopic(nodeID)
}

// SessionControlTopicFor resolves nodeID's session-control topic, with the
// same fallback behavior as CommandTopicFor.
func (d *Directory) SessionControlTopicFor(ctx context.Context, nodeID string) string {
	if advert, ok, err := d.Lookup(ctx, nodeID); err == nil && ok {
		return advert.SessionControlTopic
	}
	return DeterministicSessionControlTopic(nodeID)
}
