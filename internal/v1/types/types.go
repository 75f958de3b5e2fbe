package types

import (
	"encoding/json"
	"errors"

	"github.com/emberfell/server/internal/v1/auth"
)

// --- Core Domain Types ---

// WorldIDType represents a unique identifier for a world save.
type WorldIDType string

// SessionIDType represents a unique identifier for a connected session,
// assigned by the gateway at join time.
type SessionIDType string

// AccountIDType represents an authenticated account identity.
type AccountIDType string

// DisplayNameType represents the human-readable name for a character.
type DisplayNameType string

// --- Wire Protocol ---

// Message is the envelope for every frame exchanged over the websocket.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type tags.
const (
	MsgInput       = "input"       // client -> server movement input
	MsgPing        = "ping"        // client heartbeat, ignored
	MsgRoomState   = "room_state"  // server -> client full state snapshot
	MsgStatePatch  = "state_patch" // server -> client incremental state delta
	MsgIdleWarning = "idle_warning"
	MsgIdleKick    = "idle_kick"
)

// Server-initiated websocket close codes. Clients interpret these as
// specific failures and render the matching disconnect overlay.
const (
	CloseAuthFailed    = 4001 // invalid or expired token
	CloseNotOwner      = 4002 // non-owner attempted to cold-open a world
	CloseWorldNotFound = 4003 // world save does not exist
	CloseIdleTimeout   = 4005 // kicked for inactivity

	// CloseGoingAway is the standard 1001 code, used on server shutdown.
	CloseGoingAway = 1001
	// CloseTryAgainLater is the standard 1013 code, used when the room is
	// at party capacity or briefly unavailable.
	CloseTryAgainLater = 1013
)

// Contract constants clients rely on.
const (
	TickRate     = 20 // simulation ticks per second
	MaxPartySize = 8  // joins beyond this are refused
)

// InputPayload is the body of an MsgInput frame. SequenceNumber is assigned
// by the client and must increase monotonically within a session.
type InputPayload struct {
	SequenceNumber uint64 `json:"sequenceNumber"`
	Direction      string `json:"direction"`
}

// IdleWarningPayload is sent one minute before an idle kick.
type IdleWarningPayload struct {
	SecondsRemaining int `json:"secondsRemaining"`
}

// IdleKickPayload is sent immediately before closing with CloseIdleTimeout.
type IdleKickPayload struct {
	Reason string `json:"reason"`
}

// Encode marshals a typed payload into a Message frame ready for the wire.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Message{Type: msgType, Payload: raw})
}

// Validate ensures an input payload is well-formed before it reaches the room.
func (p InputPayload) Validate() error {
	if p.SequenceNumber == 0 {
		return errors.New("sequenceNumber must be a positive integer")
	}
	if p.Direction == "" {
		return errors.New("direction is required")
	}
	return nil
}

// --- Shared Interfaces ---

// TokenValidator defines the interface for bearer-token authentication
// services. In production this is the JWKS-backed validator; tests and
// development use a mock.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ClientConn defines the behavior the world package needs from a connected
// session. This allows rooms to interact with clients without depending on
// the transport package.
type ClientConn interface {
	SessionID() SessionIDType
	SendRaw(data []byte)
	// Close queues a close frame with the given code after any pending
	// outbound messages have drained, then tears the connection down.
	Close(code int, reason string)
}
