// Package state implements the in-memory, per-charger transaction and
// connector state store (§4.D): the liveness-critical piece whose
// invariants (at most one active transaction per connector, idempotent
// Start/Stop, monotone TransactionEvent seqNo) the concurrency model
// protects by giving each charger's receive loop exclusive ownership of
// its Store. Grounded on the teacher's TransactionRepository shape
// (internal/ports/repositories.go) and ChargePointStatus enum
// (internal/domain/charge_point.go), reworked to be in-memory only per
// the persistence Non-goal.
package state

import "fmt"

// ConnectorStatus mirrors the teacher's ChargePointStatus strings, used
// for both 1.6J and 2.x connector state.
type ConnectorStatus struct {
	Status      string
	ErrorCode   string
	LastStatusAt int64
}

// Tx16 is a 1.6J transaction record.
type Tx16 struct {
	ConnectorID int
	IDTag       string
	MeterStart  float64
	Timestamp   string
	State       string // "active" | "stopped"
	MeterStop   float64
	StopTimestamp string
	Orphaned    bool
}

// Tx2x is a 2.0.1/2.1 transaction record.
type Tx2x struct {
	EVSEID      *int
	ConnectorID *int
	IDToken     string
	StartedAt   string
	State       string // "active" | "ended"
	LastSeqNo   int64
}

// Store holds one charge point's connector and transaction state. It is
// not safe for concurrent use by design: the connection manager's receive
// loop for a given charger is the store's sole writer (§5).
type Store struct {
	ChargePointID      string
	LastBootAt         int64
	LastHeartbeatAt    int64
	Connectors         map[int]*ConnectorStatus
	TransactionCounter int64
	Transactions16     map[int64]*Tx16
	Transactions2x     map[string]*Tx2x
	ActiveByConnector  map[int]int64    // 1.6J: connectorId -> transactionId
	ActiveByConnector2x map[int]string  // 2.x: connectorId -> transactionId string
	Strict             bool
}

func NewStore(chargePointID string, strict bool) *Store {
	return &Store{
		ChargePointID:       chargePointID,
		Connectors:          make(map[int]*ConnectorStatus),
		Transactions16:      make(map[int64]*Tx16),
		Transactions2x:      make(map[string]*Tx2x),
		ActiveByConnector:   make(map[int]int64),
		ActiveByConnector2x: make(map[int]string),
		Strict:              strict,
	}
}

// ViolationKind distinguishes the wire error code a caller should surface.
type ViolationKind int

const (
	ViolationNone ViolationKind = iota
	ViolationFormat
	ViolationOccurrence
)

// Result is the outcome of a transactional state-store operation.
type Result struct {
	TransactionID string
	Idempotent    bool
	Orphaned      bool
	Violation     ViolationKind
	Message       string
}

func (s *Store) RecordBoot(nowMs int64) { s.LastBootAt = nowMs }
func (s *Store) RecordHeartbeat(nowMs int64) { s.LastHeartbeatAt = nowMs }

func (s *Store) SetConnectorStatus(connectorID int, status, errorCode string, nowMs int64) {
	s.Connectors[connectorID] = &ConnectorStatus{Status: status, ErrorCode: errorCode, LastStatusAt: nowMs}
}

// StartTransaction16 implements §4.D's StartTransaction (1.6J) rules.
func (s *Store) StartTransaction16(connectorID int, idTag string, meterStart float64, timestamp string) Result {
	if activeID, ok := s.ActiveByConnector[connectorID]; ok {
		active := s.Transactions16[activeID]
		if active != nil && active.ConnectorID == connectorID && active.IDTag == idTag &&
			active.MeterStart == meterStart && active.Timestamp == timestamp {
			return Result{TransactionID: fmt.Sprintf("%d", activeID), Idempotent: true}
		}
		return Result{Violation: ViolationOccurrence, Message: "Connector already has an active transaction"}
	}

	s.TransactionCounter++
	txID := s.TransactionCounter
	s.Transactions16[txID] = &Tx16{
		ConnectorID: connectorID,
		IDTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   timestamp,
		State:       "active",
	}
	s.ActiveByConnector[connectorID] = txID
	return Result{TransactionID: fmt.Sprintf("%d", txID)}
}

// StopTransaction16 implements §4.D's StopTransaction (1.6J) rules.
func (s *Store) StopTransaction16(transactionID int64, meterStop float64, timestamp string) Result {
	tx, ok := s.Transactions16[transactionID]
	if !ok {
		return Result{Violation: ViolationOccurrence, Message: "Unknown transaction"}
	}

	if tx.State == "stopped" {
		if tx.MeterStop == meterStop && tx.StopTimestamp == timestamp {
			return Result{Idempotent: true}
		}
		return Result{Violation: ViolationOccurrence, Message: "Transaction already stopped with different values"}
	}

	tx.State = "stopped"
	tx.MeterStop = meterStop
	tx.StopTimestamp = timestamp
	delete(s.ActiveByConnector, tx.ConnectorID)
	return Result{}
}

// MeterValues16 implements §4.D's MeterValues (1.6J) rules. transactionID
// nil means no transactionId was given (always allowed).
func (s *Store) MeterValues16(transactionID *int64) Result {
	if transactionID == nil {
		return Result{}
	}
	tx, ok := s.Transactions16[*transactionID]
	if ok {
		return Result{Orphaned: tx.Orphaned}
	}
	if s.Strict {
		return Result{Violation: ViolationOccurrence, Message: "Unknown transaction"}
	}

	// Lenient mode: synthesize a minimal orphaned record so later
	// MeterValues/StopTransaction against the same id are also accepted
	// and stay marked orphaned (see DESIGN.md Open Question decision).
	s.Transactions16[*transactionID] = &Tx16{State: "active", Orphaned: true}
	if *transactionID > s.TransactionCounter {
		s.TransactionCounter = *transactionID
	}
	return Result{Orphaned: true}
}

// TransactionEventType is the 2.x eventType enum.
type TransactionEventType string

const (
	EventStarted TransactionEventType = "Started"
	EventUpdated TransactionEventType = "Updated"
	EventEnded   TransactionEventType = "Ended"
)

// TransactionEvent implements §4.D's TransactionEvent (2.x) rules.
func (s *Store) TransactionEvent(eventType TransactionEventType, transactionID string, seqNo int64, connectorID *int) Result {
	if transactionID == "" {
		return Result{Violation: ViolationFormat, Message: "Missing transactionId"}
	}

	tx, exists := s.Transactions2x[transactionID]

	if exists && seqNo <= tx.LastSeqNo {
		return Result{Idempotent: true}
	}

	switch eventType {
	case EventStarted:
		if !exists {
			tx = &Tx2x{ConnectorID: connectorID, State: "active"}
			s.Transactions2x[transactionID] = tx
			if connectorID != nil {
				s.ActiveByConnector2x[*connectorID] = transactionID
			}
		} else {
			// record exists: Accepted idempotent per §4.D.
			tx.LastSeqNo = seqNo
			return Result{Idempotent: true}
		}
	case EventUpdated, EventEnded:
		if !exists {
			if s.Strict {
				return Result{Violation: ViolationOccurrence, Message: "Unknown transaction"}
			}
			tx = &Tx2x{ConnectorID: connectorID, State: "active"}
			s.Transactions2x[transactionID] = tx
		}
		if eventType == EventEnded {
			tx.State = "ended"
			if tx.ConnectorID != nil {
				delete(s.ActiveByConnector2x, *tx.ConnectorID)
			}
		}
	}

	tx.LastSeqNo = seqNo
	return Result{}
}

// FormatViolationCode returns the version-specific error code tie-break
// named in §4.D: 1.6J uses "FormationViolation", every other version uses
// "FormatViolation". This name is part of the wire contract.
func FormatViolationCode(isV16 bool) string {
	if isV16 {
		return "FormationViolation"
	}
	return "FormatViolation"
}
