package event

import (
	"encoding/json"

	"github.com/google/uuid"

	"NFTLend/internal/types"
)

// MessageType discriminates inbound commands. The string form is the wire
// name used in NATS subjects and HTTP paths.
type MessageType string

// EventType discriminates emitted domain events.
type EventType string

// Header is the transport metadata every command carries.
type Header struct {
	// Stable idempotency key from upstream
	MessageID uuid.UUID `json:"message_id"`

	// Target entity
	Entity types.EntityID `json:"entity"`

	// Caller identity as authenticated by the transport
	Sender types.Address `json:"sender"`

	// Value attached to the call, in minor units
	Value int64 `json:"value,omitempty"`

	// Versioned input timestamp (NOT wall-clock), seconds since epoch
	SentAt int64 `json:"sent_at"`
}

func (h *Header) Meta() *Header { return h }

func (h *Header) IdempotencyKey() string { return h.MessageID.String() }

// Command is the interface every inbound message implements.
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// MessageType returns the discriminator
	MessageType() MessageType

	// Meta exposes the routing header
	Meta() *Header
}

// Event is the interface every emitted domain event implements.
type Event interface {
	EventType() EventType

	// Source is the entity that emitted the event
	Source() types.EntityID
}

// Origin is embedded in every event.
type Origin struct {
	Entity types.EntityID `json:"entity"`
}

func (o Origin) Source() types.EntityID { return o.Entity }

// From builds an Origin.
func From(id types.EntityID) Origin { return Origin{Entity: id} }

// Envelope wraps every processed command in the log.
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	MessageType MessageType
	EntityID    types.EntityID
	EntityKind  types.EntityKind
	Sender      types.Address

	// Clamped monotonic "now" the command was applied at
	Timestamp int64

	// JSON-encoded command
	Payload []byte

	// JSON-encoded emitted events
	Events []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Record is the serialized form of an emitted event.
type Record struct {
	Type    EventType       `json:"type"`
	Entity  types.EntityID  `json:"entity"`
	Payload json.RawMessage `json:"payload"`
}

// Records converts emitted events into their serialized form.
func Records(events []Event) ([]Record, error) {
	records := make([]Record, 0, len(events))
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Type: evt.EventType(), Entity: evt.Source(), Payload: payload})
	}
	return records, nil
}

// EncodeEvents serializes a batch of events into Records.
func EncodeEvents(events []Event) ([]byte, error) {
	records, err := Records(events)
	if err != nil {
		return nil, err
	}
	return json.Marshal(records)
}
