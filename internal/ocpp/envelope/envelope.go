// Package envelope implements the OCPP-J wire codec shared by every
// protocol version (§4.A): parsing and emitting the
// [MessageTypeId, UniqueId, ...] JSON array frames, generalized out of the
// per-version ad-hoc parsing the teacher duplicated in
// internal/adapter/ocpp/v16/server.go (processMessage) and
// internal/adapter/ocpp/v201/server.go (handleMessage).
package envelope

import (
	"encoding/json"
	"fmt"
)

// MessageType is the first element of every OCPP-J frame.
type MessageType int

const (
	Call       MessageType = 2
	CallResult MessageType = 3
	CallError  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case Call:
		return "CALL"
	case CallResult:
		return "CALLRESULT"
	case CallError:
		return "CALLERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Frame is the decoded shape of any of the three wire frames. Action and
// ErrorCode/ErrorDescription/ErrorDetails are populated only for the
// frame types that carry them; Payload is always the raw, not-yet-
// validated JSON body.
type Frame struct {
	Type             MessageType
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// Parse decodes a raw OCPP-J text frame into a Frame, rejecting anything
// that is not a well-formed 3-, 4-, or 5-element JSON array whose first
// element is a known MessageType. This is the one piece of frame
// validation that happens before any schema lookup: a malformed envelope
// never makes it far enough to be blamed on a missing schema.
//
// Once the messageTypeId and uniqueId elements have decoded cleanly, a
// later failure (wrong arity, a non-string action) still returns the
// partial Frame alongside the error, carrying only Type and UniqueID, so
// a CALL with an otherwise-unparseable body can still be CALLERROR'd back
// referencing the uniqueId the station sent. A failure before the
// uniqueId is known (not an array, too few elements, non-integer type,
// non-string uniqueId) returns a nil Frame, since there is nothing to
// reference; so does an unknown message type.
func Parse(raw []byte) (*Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("envelope: not a JSON array: %w", err)
	}
	if len(elems) < 3 {
		return nil, fmt.Errorf("envelope: expected at least 3 elements, got %d", len(elems))
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, fmt.Errorf("envelope: message type not an integer: %w", err)
	}

	var uniqueID string
	if err := json.Unmarshal(elems[1], &uniqueID); err != nil {
		return nil, fmt.Errorf("envelope: unique id not a string: %w", err)
	}

	f := &Frame{Type: MessageType(msgType), UniqueID: uniqueID}

	switch f.Type {
	case Call:
		if len(elems) != 4 {
			return f, fmt.Errorf("envelope: CALL requires 4 elements, got %d", len(elems))
		}
		if err := json.Unmarshal(elems[2], &f.Action); err != nil {
			return f, fmt.Errorf("envelope: action not a string: %w", err)
		}
		f.Payload = elems[3]

	case CallResult:
		if len(elems) != 3 {
			return f, fmt.Errorf("envelope: CALLRESULT requires 3 elements, got %d", len(elems))
		}
		f.Payload = elems[2]

	case CallError:
		if len(elems) != 5 {
			return f, fmt.Errorf("envelope: CALLERROR requires 5 elements, got %d", len(elems))
		}
		if err := json.Unmarshal(elems[2], &f.ErrorCode); err != nil {
			return f, fmt.Errorf("envelope: error code not a string: %w", err)
		}
		if err := json.Unmarshal(elems[3], &f.ErrorDescription); err != nil {
			return f, fmt.Errorf("envelope: error description not a string: %w", err)
		}
		f.ErrorDetails = elems[4]

	default:
		return nil, fmt.Errorf("envelope: unknown message type %d", msgType)
	}

	return f, nil
}

// EmitCall builds the wire bytes for a CALL frame.
func EmitCall(uniqueID, action string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{int(Call), uniqueID, action, json.RawMessage(body)})
}

// EmitCallResult builds the wire bytes for a CALLRESULT frame.
func EmitCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{int(CallResult), uniqueID, json.RawMessage(body)})
}

// EmitCallError builds the wire bytes for a CALLERROR frame. details may
// be nil, in which case an empty object is sent (matching every OCPP
// implementation's convention of never omitting the 5th element).
func EmitCallError(uniqueID, errorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = map[string]string{}
	}
	detailsBody, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{int(CallError), uniqueID, errorCode, description, json.RawMessage(detailsBody)})
}
