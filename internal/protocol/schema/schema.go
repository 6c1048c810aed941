package schema

import (
	"fmt"

	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/danmuck/clrtrace/internal/protocol/tlv"
)

// Message type IDs carried in frame headers.
const (
	MsgSessionStart      uint32 = 1
	MsgSessionFinish     uint32 = 2
	MsgTimestampEvent    uint32 = 3
	MsgTimestampIDEvent  uint32 = 4
	MsgObjectAllocated   uint32 = 5
	MsgGenerationsUpdate uint32 = 6
	MsgAck               uint32 = 7
)

// Nested payload ids. Never sent as frames; they name the schema of a
// TypeBytes field holding an inner TLV list.
const (
	NestedStats            uint32 = 100
	NestedObjectGeneration uint32 = 101
)

// Field IDs.
const (
	FieldPID    uint16 = 1
	FieldCmd    uint16 = 2
	FieldPath   uint16 = 3
	FieldReason uint16 = 4

	FieldKind    uint16 = 10
	FieldTime    uint16 = 11
	FieldPayload uint16 = 12
	FieldID      uint16 = 13

	FieldStats        uint16 = 20
	FieldCPUPercent   uint16 = 21
	FieldIOReadBytes  uint16 = 22
	FieldIOWriteBytes uint16 = 23

	FieldObjectID   uint16 = 30
	FieldSize       uint16 = 31
	FieldClassName  uint16 = 32
	FieldGeneration uint16 = 33
	FieldObject     uint16 = 34

	FieldAckOK      uint16 = 40
	FieldAckCode    uint16 = 41
	FieldAckMessage uint16 = 42
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgSessionStart: {
		{FieldPID, tlv.TypeU32},
		{FieldCmd, tlv.TypeString},
		{FieldPath, tlv.TypeString},
	},
	MsgSessionFinish: {
		{FieldPID, tlv.TypeU32},
		{FieldReason, tlv.TypeU8},
	},
	MsgTimestampEvent: {
		{FieldPID, tlv.TypeU32},
		{FieldKind, tlv.TypeString},
		{FieldTime, tlv.TypeF64},
		{FieldPayload, tlv.TypeString},
	},
	MsgTimestampIDEvent: {
		{FieldPID, tlv.TypeU32},
		{FieldKind, tlv.TypeString},
		{FieldTime, tlv.TypeF64},
		{FieldID, tlv.TypeU64},
	},
	MsgObjectAllocated: {
		{FieldPID, tlv.TypeU32},
		{FieldTime, tlv.TypeF64},
		{FieldObjectID, tlv.TypeU64},
		{FieldSize, tlv.TypeU64},
		{FieldClassName, tlv.TypeString},
	},
	MsgGenerationsUpdate: {
		{FieldPID, tlv.TypeU32},
		{FieldTime, tlv.TypeF64},
	},
	MsgAck: {
		{FieldAckOK, tlv.TypeBool},
		{FieldAckCode, tlv.TypeU32},
	},
	NestedStats: {
		{FieldCPUPercent, tlv.TypeF64},
		{FieldIOReadBytes, tlv.TypeU64},
		{FieldIOWriteBytes, tlv.TypeU64},
	},
	NestedObjectGeneration: {
		{FieldObjectID, tlv.TypeU64},
	},
}

// optional lists fields that may be absent but must have the right type
// when present.
var optional = map[uint32][]Requirement{
	MsgTimestampEvent:      {{FieldStats, tlv.TypeBytes}},
	MsgTimestampIDEvent:    {{FieldStats, tlv.TypeBytes}},
	MsgObjectAllocated:     {{FieldStats, tlv.TypeBytes}, {FieldGeneration, tlv.TypeU32}},
	MsgGenerationsUpdate:   {{FieldObject, tlv.TypeBytes}},
	MsgAck:                 {{FieldAckMessage, tlv.TypeString}},
	NestedObjectGeneration: {{FieldGeneration, tlv.TypeU32}},
}

// widths holds the value length of every fixed-width TLV type.
var widths = map[uint8]int{
	tlv.TypeU8:   1,
	tlv.TypeU16:  2,
	tlv.TypeU32:  4,
	tlv.TypeU64:  8,
	tlv.TypeBool: 1,
	tlv.TypeF64:  8,
}

func check(f tlv.Field, want uint8) string {
	if f.Type != want {
		return "type mismatch"
	}
	if n, fixed := widths[want]; fixed && len(f.Value) != n {
		return "invalid value length"
	}
	return ""
}

// Validate enforces required fields, field types, and fixed-width value
// lengths for a message type. Unknown fields are ignored so newer agents
// can talk to older collectors.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		logger := logging.Component("protocol.schema")
		logger.Error().
			Uint32("message_type", messageType).
			Msg("unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if reason := check(f, req.Type); reason != "" {
			logger := logging.Component("protocol.schema")
			logger.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Int("len", len(f.Value)).
				Msg(reason)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: reason}
		}
	}
	for _, opt := range optional[messageType] {
		for _, f := range tlv.All(fields, opt.ID) {
			if reason := check(f, opt.Type); reason != "" {
				return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: reason}
			}
		}
	}
	return nil
}

// Name returns a stable label for metrics and logs.
func Name(messageType uint32) string {
	switch messageType {
	case MsgSessionStart:
		return "session_start"
	case MsgSessionFinish:
		return "session_finish"
	case MsgTimestampEvent:
		return "timestamp_event"
	case MsgTimestampIDEvent:
		return "timestamp_id_event"
	case MsgObjectAllocated:
		return "object_allocated"
	case MsgGenerationsUpdate:
		return "generations_update"
	case MsgAck:
		return "ack"
	default:
		return fmt.Sprintf("unknown_%d", messageType)
	}
}

// TypeOf is the inverse of Name for the request and ack types.
func TypeOf(name string) (uint32, bool) {
	for t := MsgSessionStart; t <= MsgAck; t++ {
		if Name(t) == name {
			return t, true
		}
	}
	return 0, false
}
