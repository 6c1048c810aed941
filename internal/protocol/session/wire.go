package session

import (
	"bytes"
	"fmt"
	"io"

	"github.com/danmuck/clrtrace/internal/protocol/frame"
	"github.com/danmuck/clrtrace/internal/protocol/schema"
	"github.com/danmuck/clrtrace/internal/protocol/tlv"
)

// EncodeMessageFrame validates msg and renders it as one wire frame.
func EncodeMessageFrame(messageID uint64, msg Message, limits frame.Limits) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	msg = Value(msg)
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	fields, err := encodeFields(msg)
	if err != nil {
		return nil, err
	}
	return writeFrame(messageID, msg.MessageType(), 0, fields, limits)
}

// EncodeAckFrame renders the response to request messageID.
func EncodeAckFrame(messageID uint64, ack Ack, limits frame.Limits) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	flags := frame.FlagIsResponse
	if !ack.OK {
		flags |= frame.FlagIsError
	}
	return writeFrame(messageID, schema.MsgAck, flags, ackFields(ack), limits)
}

// DecodeMessage decodes a request frame into its value type.
func DecodeMessage(f frame.Frame) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return nil, err
	}
	switch f.Header.MessageType {
	case schema.MsgSessionStart:
		return Start{
			PID:  u32(fields, schema.FieldPID),
			Cmd:  str(fields, schema.FieldCmd),
			Path: str(fields, schema.FieldPath),
		}, nil
	case schema.MsgSessionFinish:
		return Finish{
			PID:    u32(fields, schema.FieldPID),
			Reason: FinishReason(u8(fields, schema.FieldReason)),
		}, nil
	case schema.MsgTimestampEvent:
		stats, err := decodeStats(fields)
		if err != nil {
			return nil, err
		}
		return TimestampEvent{
			PID:     u32(fields, schema.FieldPID),
			Kind:    str(fields, schema.FieldKind),
			Time:    f64(fields, schema.FieldTime),
			Payload: str(fields, schema.FieldPayload),
			Stats:   stats,
		}, nil
	case schema.MsgTimestampIDEvent:
		stats, err := decodeStats(fields)
		if err != nil {
			return nil, err
		}
		return TimestampIDEvent{
			PID:   u32(fields, schema.FieldPID),
			Kind:  str(fields, schema.FieldKind),
			Time:  f64(fields, schema.FieldTime),
			ID:    u64(fields, schema.FieldID),
			Stats: stats,
		}, nil
	case schema.MsgObjectAllocated:
		stats, err := decodeStats(fields)
		if err != nil {
			return nil, err
		}
		return ObjectAllocated{
			PID:        u32(fields, schema.FieldPID),
			Time:       f64(fields, schema.FieldTime),
			ObjectID:   u64(fields, schema.FieldObjectID),
			Size:       u64(fields, schema.FieldSize),
			ClassName:  str(fields, schema.FieldClassName),
			Generation: optU32(fields, schema.FieldGeneration),
			Stats:      stats,
		}, nil
	case schema.MsgGenerationsUpdate:
		objects := make([]ObjectGeneration, 0)
		for _, raw := range tlv.All(fields, schema.FieldObject) {
			inner, err := tlv.DecodeFields(raw.Value)
			if err != nil {
				return nil, err
			}
			if err := schema.Validate(schema.NestedObjectGeneration, inner); err != nil {
				return nil, err
			}
			objects = append(objects, ObjectGeneration{
				ObjectID:   u64(inner, schema.FieldObjectID),
				Generation: optU32(inner, schema.FieldGeneration),
			})
		}
		return GenerationsUpdate{
			PID:     u32(fields, schema.FieldPID),
			Time:    f64(fields, schema.FieldTime),
			Objects: objects,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, f.Header.MessageType)
	}
}

func DecodeAckFrame(f frame.Frame) (Ack, error) {
	if f.Header.MessageType != schema.MsgAck {
		return Ack{}, fmt.Errorf("%w: expected ack, got %s", ErrInvalidMessage, schema.Name(f.Header.MessageType))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Ack{}, err
	}
	if err := schema.Validate(schema.MsgAck, fields); err != nil {
		return Ack{}, err
	}
	ok, _ := tlv.BoolFromBytes(mustField(fields, schema.FieldAckOK).Value)
	return Ack{
		OK:      ok,
		Code:    u32(fields, schema.FieldAckCode),
		Message: str(fields, schema.FieldAckMessage),
	}, nil
}

// ReadFrame reads one framed message from the stream.
func ReadFrame(r io.Reader, limits frame.Limits) (frame.Frame, error) {
	return frame.ReadFrame(r, limits)
}

// Value dereferences pointer messages produced by NewMessage.
func Value(msg Message) Message {
	switch m := msg.(type) {
	case *Start:
		return *m
	case *Finish:
		return *m
	case *TimestampEvent:
		return *m
	case *TimestampIDEvent:
		return *m
	case *ObjectAllocated:
		return *m
	case *GenerationsUpdate:
		return *m
	case *Ack:
		return *m
	}
	return msg
}

func encodeFields(msg Message) ([]tlv.Field, error) {
	switch m := msg.(type) {
	case Start:
		return []tlv.Field{
			tlv.U32(schema.FieldPID, m.PID),
			tlv.String(schema.FieldCmd, m.Cmd),
			tlv.String(schema.FieldPath, m.Path),
		}, nil
	case Finish:
		return []tlv.Field{
			tlv.U32(schema.FieldPID, m.PID),
			tlv.U8(schema.FieldReason, uint8(m.Reason)),
		}, nil
	case TimestampEvent:
		fields := []tlv.Field{
			tlv.U32(schema.FieldPID, m.PID),
			tlv.String(schema.FieldKind, m.Kind),
			tlv.F64(schema.FieldTime, m.Time),
			tlv.String(schema.FieldPayload, m.Payload),
		}
		return appendStats(fields, m.Stats), nil
	case TimestampIDEvent:
		fields := []tlv.Field{
			tlv.U32(schema.FieldPID, m.PID),
			tlv.String(schema.FieldKind, m.Kind),
			tlv.F64(schema.FieldTime, m.Time),
			tlv.U64(schema.FieldID, m.ID),
		}
		return appendStats(fields, m.Stats), nil
	case ObjectAllocated:
		fields := []tlv.Field{
			tlv.U32(schema.FieldPID, m.PID),
			tlv.F64(schema.FieldTime, m.Time),
			tlv.U64(schema.FieldObjectID, m.ObjectID),
			tlv.U64(schema.FieldSize, m.Size),
			tlv.String(schema.FieldClassName, m.ClassName),
		}
		if m.Generation != nil {
			fields = append(fields, tlv.U32(schema.FieldGeneration, *m.Generation))
		}
		return appendStats(fields, m.Stats), nil
	case GenerationsUpdate:
		fields := []tlv.Field{
			tlv.U32(schema.FieldPID, m.PID),
			tlv.F64(schema.FieldTime, m.Time),
		}
		for _, obj := range m.Objects {
			inner := []tlv.Field{tlv.U64(schema.FieldObjectID, obj.ObjectID)}
			if obj.Generation != nil {
				inner = append(inner, tlv.U32(schema.FieldGeneration, *obj.Generation))
			}
			fields = append(fields, tlv.Bytes(schema.FieldObject, tlv.EncodeFields(inner)))
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

func ackFields(ack Ack) []tlv.Field {
	fields := []tlv.Field{
		tlv.Bool(schema.FieldAckOK, ack.OK),
		tlv.U32(schema.FieldAckCode, ack.Code),
	}
	if ack.Message != "" {
		fields = append(fields, tlv.String(schema.FieldAckMessage, ack.Message))
	}
	return fields
}

func appendStats(fields []tlv.Field, s *Stats) []tlv.Field {
	if s == nil {
		return fields
	}
	inner := []tlv.Field{
		tlv.F64(schema.FieldCPUPercent, s.CPUPercent),
		tlv.U64(schema.FieldIOReadBytes, s.IOReadBytes),
		tlv.U64(schema.FieldIOWriteBytes, s.IOWriteBytes),
	}
	return append(fields, tlv.Bytes(schema.FieldStats, tlv.EncodeFields(inner)))
}

func decodeStats(fields []tlv.Field) (*Stats, error) {
	raw, ok := tlv.GetField(fields, schema.FieldStats)
	if !ok {
		return nil, nil
	}
	inner, err := tlv.DecodeFields(raw.Value)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.NestedStats, inner); err != nil {
		return nil, err
	}
	return &Stats{
		CPUPercent:   f64(inner, schema.FieldCPUPercent),
		IOReadBytes:  u64(inner, schema.FieldIOReadBytes),
		IOWriteBytes: u64(inner, schema.FieldIOWriteBytes),
	}, nil
}

func writeFrame(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field, limits frame.Limits) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, limits)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Field getters below run after schema.Validate has checked presence and
// type, so decode errors cannot occur for required fields.

func mustField(fields []tlv.Field, id uint16) tlv.Field {
	f, _ := tlv.GetField(fields, id)
	return f
}

func str(fields []tlv.Field, id uint16) string {
	return string(mustField(fields, id).Value)
}

func u8(fields []tlv.Field, id uint16) uint8 {
	v, _ := tlv.U8FromBytes(mustField(fields, id).Value)
	return v
}

func u32(fields []tlv.Field, id uint16) uint32 {
	v, _ := tlv.U32FromBytes(mustField(fields, id).Value)
	return v
}

func u64(fields []tlv.Field, id uint16) uint64 {
	v, _ := tlv.U64FromBytes(mustField(fields, id).Value)
	return v
}

func f64(fields []tlv.Field, id uint16) float64 {
	v, _ := tlv.F64FromBytes(mustField(fields, id).Value)
	return v
}

func optU32(fields []tlv.Field, id uint16) *uint32 {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil
	}
	v, err := tlv.U32FromBytes(f.Value)
	if err != nil {
		return nil
	}
	return &v
}
