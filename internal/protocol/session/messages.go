package session

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/danmuck/clrtrace/internal/protocol/schema"
)

var (
	ErrInvalidMessage = errors.New("session: invalid message")
	ErrUnknownMessage = errors.New("session: unknown message type")
)

// Message is one collector protocol request. Every request is answered
// with an Ack.
type Message interface {
	MessageType() uint32
	Validate() error
}

// FinishReason says why a session ended.
type FinishReason uint8

const (
	FinishLocalRequest    FinishReason = 1
	FinishProducerLost    FinishReason = 2
	FinishHostInterrupted FinishReason = 3
)

func (r FinishReason) String() string {
	switch r {
	case FinishLocalRequest:
		return "local_request"
	case FinishProducerLost:
		return "producer_lost"
	case FinishHostInterrupted:
		return "host_interrupted"
	default:
		return fmt.Sprintf("finish_reason(%d)", uint8(r))
	}
}

func (r FinishReason) Valid() bool {
	return r >= FinishLocalRequest && r <= FinishHostInterrupted
}

// Stats is a best-effort resource snapshot of the monitored process.
type Stats struct {
	CPUPercent   float64 `json:"cpu_percent" cbor:"1,keyasint"`
	IOReadBytes  uint64  `json:"io_read_bytes" cbor:"2,keyasint"`
	IOWriteBytes uint64  `json:"io_write_bytes" cbor:"3,keyasint"`
}

// Start opens a session for one monitored process.
type Start struct {
	PID  uint32 `json:"pid" cbor:"1,keyasint"`
	Cmd  string `json:"cmd" cbor:"2,keyasint"`
	Path string `json:"path" cbor:"3,keyasint"`
}

func (Start) MessageType() uint32 { return schema.MsgSessionStart }

func (m Start) Validate() error {
	if m.PID == 0 {
		return fmt.Errorf("%w: session start missing pid", ErrInvalidMessage)
	}
	return nil
}

// Ack answers every request. Code is zero when OK.
type Ack struct {
	OK      bool   `json:"ok" cbor:"1,keyasint"`
	Code    uint32 `json:"code" cbor:"2,keyasint"`
	Message string `json:"message,omitempty" cbor:"3,keyasint,omitempty"`
}

func (Ack) MessageType() uint32 { return schema.MsgAck }

func (a Ack) Validate() error {
	if a.OK && a.Code != 0 {
		return fmt.Errorf("%w: ok ack with code %d", ErrInvalidMessage, a.Code)
	}
	return nil
}

// Finish closes a session.
type Finish struct {
	PID    uint32       `json:"pid" cbor:"1,keyasint"`
	Reason FinishReason `json:"reason" cbor:"2,keyasint"`
}

func (Finish) MessageType() uint32 { return schema.MsgSessionFinish }

func (m Finish) Validate() error {
	if m.PID == 0 {
		return fmt.Errorf("%w: session finish missing pid", ErrInvalidMessage)
	}
	if !m.Reason.Valid() {
		return fmt.Errorf("%w: session finish reason %d", ErrInvalidMessage, m.Reason)
	}
	return nil
}

// TimestampEvent carries a name-bearing notification (class, module, JIT,
// exception). Kind names the notification.
type TimestampEvent struct {
	PID     uint32  `json:"pid" cbor:"1,keyasint"`
	Kind    string  `json:"kind" cbor:"2,keyasint"`
	Time    float64 `json:"time" cbor:"3,keyasint"`
	Payload string  `json:"payload" cbor:"4,keyasint"`
	Stats   *Stats  `json:"stats,omitempty" cbor:"5,keyasint,omitempty"`
}

func (TimestampEvent) MessageType() uint32 { return schema.MsgTimestampEvent }

func (m TimestampEvent) Validate() error {
	return validateTimed("timestamp event", m.PID, m.Kind, m.Time)
}

// TimestampIDEvent carries a handle-bearing notification (threads, GC).
type TimestampIDEvent struct {
	PID   uint32  `json:"pid" cbor:"1,keyasint"`
	Kind  string  `json:"kind" cbor:"2,keyasint"`
	Time  float64 `json:"time" cbor:"3,keyasint"`
	ID    uint64  `json:"id" cbor:"4,keyasint"`
	Stats *Stats  `json:"stats,omitempty" cbor:"5,keyasint,omitempty"`
}

func (TimestampIDEvent) MessageType() uint32 { return schema.MsgTimestampIDEvent }

func (m TimestampIDEvent) Validate() error {
	return validateTimed("timestamp id event", m.PID, m.Kind, m.Time)
}

type ObjectAllocated struct {
	PID        uint32  `json:"pid" cbor:"1,keyasint"`
	Time       float64 `json:"time" cbor:"2,keyasint"`
	ObjectID   uint64  `json:"object_id" cbor:"3,keyasint"`
	Size       uint64  `json:"size" cbor:"4,keyasint"`
	ClassName  string  `json:"class_name" cbor:"5,keyasint"`
	Generation *uint32 `json:"generation,omitempty" cbor:"6,keyasint,omitempty"`
	Stats      *Stats  `json:"stats,omitempty" cbor:"7,keyasint,omitempty"`
}

func (ObjectAllocated) MessageType() uint32 { return schema.MsgObjectAllocated }

func (m ObjectAllocated) Validate() error {
	if err := validateTimed("object allocated", m.PID, "object_allocated", m.Time); err != nil {
		return err
	}
	if m.ObjectID == 0 {
		return fmt.Errorf("%w: object allocated missing object_id", ErrInvalidMessage)
	}
	return nil
}

// ObjectGeneration is one entry of a GenerationsUpdate. A nil Generation
// means the host could not report it (object already collected).
type ObjectGeneration struct {
	ObjectID   uint64  `json:"object_id" cbor:"1,keyasint"`
	Generation *uint32 `json:"generation,omitempty" cbor:"2,keyasint,omitempty"`
}

type GenerationsUpdate struct {
	PID     uint32             `json:"pid" cbor:"1,keyasint"`
	Time    float64            `json:"time" cbor:"2,keyasint"`
	Objects []ObjectGeneration `json:"objects" cbor:"3,keyasint"`
}

func (GenerationsUpdate) MessageType() uint32 { return schema.MsgGenerationsUpdate }

func (m GenerationsUpdate) Validate() error {
	return validateTimed("generations update", m.PID, "generations_update", m.Time)
}

func validateTimed(what string, pid uint32, kind string, t float64) error {
	if pid == 0 {
		return fmt.Errorf("%w: %s missing pid", ErrInvalidMessage, what)
	}
	if strings.TrimSpace(kind) == "" {
		return fmt.Errorf("%w: %s missing kind", ErrInvalidMessage, what)
	}
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return fmt.Errorf("%w: %s invalid time %v", ErrInvalidMessage, what, t)
	}
	return nil
}

// Generation returns a pointer to g, for optional generation fields.
func Generation(g uint32) *uint32 {
	return &g
}

// NewMessage returns a zero value of the request type named by messageType.
func NewMessage(messageType uint32) (Message, error) {
	switch messageType {
	case schema.MsgSessionStart:
		return &Start{}, nil
	case schema.MsgSessionFinish:
		return &Finish{}, nil
	case schema.MsgTimestampEvent:
		return &TimestampEvent{}, nil
	case schema.MsgTimestampIDEvent:
		return &TimestampIDEvent{}, nil
	case schema.MsgObjectAllocated:
		return &ObjectAllocated{}, nil
	case schema.MsgGenerationsUpdate:
		return &GenerationsUpdate{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, messageType)
	}
}
