package trace

import "time"

// MaxFrameData is the number of frame bytes kept in an event; longer frames
// are truncated.
const MaxFrameData = 4096

// Event is one trace record. CBOR encoding uses integer keys.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID is the UUID of the connection, empty for listener events.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	// PeerID is the socket handle of the peer or listener.
	PeerID int `cbor:"3,keyasint"`

	// Direction of data flow (frames only).
	Direction Direction `cbor:"4,keyasint"`

	// Layer that produced the event.
	Layer Layer `cbor:"5,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"6,keyasint"`

	// LocalRole is client or server.
	LocalRole Role `cbor:"7,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"8,keyasint,omitempty"`

	// One of these is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"`
}

// Direction indicates data flow.
type Direction uint8

const (
	// DirectionIn is received data.
	DirectionIn Direction = 0
	// DirectionOut is sent data.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerSocket is the TCP socket layer.
	LayerSocket Layer = 0
	// LayerTLS is the TLS extension layer.
	LayerTLS Layer = 1
	// LayerFraming is the message assembler.
	LayerFraming Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerSocket:
		return "SOCKET"
	case LayerTLS:
		return "TLS"
	case LayerFraming:
		return "FRAMING"
	default:
		return "UNKNOWN"
	}
}

// Category classifies an event.
type Category uint8

const (
	// CategoryMessage is a frame or message crossing the engine.
	CategoryMessage Category = 0
	// CategoryState is a state transition.
	CategoryState Category = 1
	// CategoryError is an error.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role is the local side of the connection.
type Role uint8

const (
	// RoleUnknown is unset.
	RoleUnknown Role = 0
	// RoleClient opened the connection.
	RoleClient Role = 1
	// RoleServer accepted the connection.
	RoleServer Role = 2
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures bytes crossing a layer.
type FrameEvent struct {
	// Size is the full size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data holds at most MaxFrameData bytes.
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated is set when Data is shorter than Size.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// NewFrameEvent copies up to MaxFrameData bytes of data.
func NewFrameEvent(data []byte) *FrameEvent {
	fe := &FrameEvent{Size: len(data)}
	n := len(data)
	if n > MaxFrameData {
		n = MaxFrameData
		fe.Truncated = true
	}
	fe.Data = append([]byte(nil), data[:n]...)
	return fe
}

// StateChangeEvent captures a transition.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity names what changed state.
type StateEntity uint8

const (
	// StateEntityTCP is a peer's TCP lifecycle.
	StateEntityTCP StateEntity = 0
	// StateEntityReading is a peer's receive gate.
	StateEntityReading StateEntity = 1
	// StateEntityTLS is a peer's TLS session.
	StateEntityTLS StateEntity = 2
	// StateEntityListener is the listening socket.
	StateEntityListener StateEntity = 3
)

// String returns the entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityTCP:
		return "TCP"
	case StateEntityReading:
		return "READING"
	case StateEntityTLS:
		return "TLS"
	case StateEntityListener:
		return "LISTENER"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures an error.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error text.
	Message string `cbor:"2,keyasint"`

	// Fatal is set when the error aborted the engine.
	Fatal bool `cbor:"3,keyasint,omitempty"`

	// Context describes the operation in progress.
	Context string `cbor:"4,keyasint,omitempty"`
}
