package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "System.Threading.Thread"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestScalarHelpers(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		U32(1, 4242),
		U64(2, 1<<40),
		F64(3, 12.5),
		Bool(4, true),
		U8(5, 3),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, _ := U32FromBytes(fields[0].Value); v != 4242 {
		t.Fatalf("u32 got=%d", v)
	}
	if v, _ := U64FromBytes(fields[1].Value); v != 1<<40 {
		t.Fatalf("u64 got=%d", v)
	}
	if fields[2].Type != TypeF64 {
		t.Fatalf("f64 type got=%d", fields[2].Type)
	}
	if v, _ := F64FromBytes(fields[2].Value); v != 12.5 {
		t.Fatalf("f64 got=%v", v)
	}
	if v, _ := BoolFromBytes(fields[3].Value); !v {
		t.Fatalf("bool got=false")
	}
	if v, _ := U8FromBytes(fields[4].Value); v != 3 {
		t.Fatalf("u8 got=%d", v)
	}
	if _, err := U64FromBytes([]byte{1, 2}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestAllKeepsRepeatedOrder(t *testing.T) {
	fields := []Field{U64(7, 1), String(1, "x"), U64(7, 2), U64(7, 3)}
	got := All(fields, 7)
	if len(got) != 3 {
		t.Fatalf("expected 3 repeated fields, got %d", len(got))
	}
	for i, f := range got {
		v, _ := U64FromBytes(f.Value)
		if v != uint64(i+1) {
			t.Fatalf("order broken at %d: %d", i, v)
		}
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
