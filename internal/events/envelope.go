// Package events implements the outbound event envelope shared by every
// producer onto the event bus: the station/session engines, the command
// consumer, and the command audit writer. One envelope shape (§6 External
// Interfaces) so a downstream consumer of ocpp.station.events,
// ocpp.session.events, ocpp.command.events, or cpms.audit.events only
// ever has to parse one JSON shape, with payload left as the
// action-specific body.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

// Source tags every envelope this gateway node emits.
const Source = "ocpp-gateway"

// Topic names, verbatim from §6 External Interfaces.
const (
	TopicStationEvents = "ocpp.station.events"
	TopicSessionEvents = "ocpp.session.events"
	TopicCommandEvents = "ocpp.command.events"
	TopicAuditEvents   = "cpms.audit.events"
)

// Envelope is the wire shape published to every outbound topic.
type Envelope struct {
	EventID       string      `json:"eventId"`
	EventType     string      `json:"eventType"`
	Source        string      `json:"source"`
	OccurredAt    string      `json:"occurredAt"`
	CorrelationID string      `json:"correlationId,omitempty"`
	StationID     string      `json:"stationId,omitempty"`
	TenantID      string      `json:"tenantId,omitempty"`
	ChargePointID string      `json:"chargePointId,omitempty"`
	ConnectorID   *int        `json:"connectorId,omitempty"`
	OCPPVersion   string      `json:"ocppVersion,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
}

// Meta is the subset of connection.Meta an envelope needs. Declared here
// instead of imported to avoid a dependency from this package onto the
// connection package.
type Meta struct {
	StationID     string
	TenantID      string
	ChargePointID string
	OCPPVersion   domain.OCPPVersion
}

// New builds an Envelope for a station/session event emitted off one of
// meta's charge point's frames.
func New(eventType string, meta Meta, connectorID *int, payload interface{}) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Source:        Source,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339),
		StationID:     meta.StationID,
		TenantID:      meta.TenantID,
		ChargePointID: meta.ChargePointID,
		ConnectorID:   connectorID,
		OCPPVersion:   string(meta.OCPPVersion),
		Payload:       payload,
	}
}

// PartitionKey is the §5/§6 partition key rule: chargePointId, falling
// back to stationId, so a single bus subject still preserves per-charger
// ordering downstream.
func PartitionKey(chargePointID, stationID string) string {
	if chargePointID != "" {
		return chargePointID
	}
	return stationID
}

// Publish marshals env and publishes it to topic on bus, partitioned by
// env's ChargePointID (falling back to StationID). Errors are the
// caller's to log; Publish never panics on a nil bus.
func Publish(bus ports.EventBus, topic string, env Envelope) error {
	if bus == nil {
		return nil
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return bus.Publish(topic, PartitionKey(env.ChargePointID, env.StationID), encoded)
}
