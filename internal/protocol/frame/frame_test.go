package frame

import (
	"bytes"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/danmuck/clrtrace/internal/protocol/tlv"
	"github.com/klauspost/compress/zstd"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := tlv.EncodeFields([]tlv.Field{{ID: 1, Type: tlv.TypeString, Value: []byte("System.String")}})
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 3},
		Auth:    []byte("auth"),
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Version != Version {
		t.Fatalf("magic/version not stamped: %+v", out.Header)
	}
	if out.Header.MessageType != 3 || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if string(out.Auth) != "auth" {
		t.Fatalf("auth mismatch: %q", string(out.Auth))
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestCompressedFrameRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("System.Collections.Generic.List`1 ", 200))
	limits := DefaultLimits()
	limits.CompressAbove = 256

	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Header: Header{MessageID: 7, MessageType: 4}, Payload: payload}, limits); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() >= len(payload) {
		t.Fatalf("expected compressed frame, wire=%d payload=%d", buf.Len(), len(payload))
	}
	h, err := DecodeHeader(buf.Bytes()[:FixedHeaderLen])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if h.Flags&FlagCompressed == 0 {
		t.Fatalf("compressed flag not set: %#x", h.Flags)
	}

	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch after decompress")
	}
	if out.Header.Flags&FlagCompressed != 0 {
		t.Fatalf("compressed flag leaked to caller")
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagic(t *testing.T) {
	h := Header{Magic: 0xEDCE1001, Version: Version, HeaderLen: FixedHeaderLen}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameRejectsVersion(t *testing.T) {
	h := Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: 8, MessageID: 1, MessageType: 1}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameAuthFlagWithoutAuthBytes(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageID: 1, MessageType: 1, Flags: FlagHasAuth}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenMismatch) {
		t.Fatalf("expected ErrHeaderLenMismatch, got %v", err)
	}
}

func TestReadFramePayloadLimit(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 1 << 30}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

// zeroBomb compresses expanded zero bytes into a frame small enough to
// pass the wire payload check.
func zeroBomb(t *testing.T, expanded int, opts ...zstd.EOption) []byte {
	t.Helper()
	var body bytes.Buffer
	enc, err := zstd.NewWriter(&body, opts...)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	chunk := make([]byte, 64<<10)
	for n := 0; n < expanded; n += len(chunk) {
		if _, err := enc.Write(chunk); err != nil {
			t.Fatalf("compress: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	h := Header{
		Magic:       Magic,
		Version:     Version,
		HeaderLen:   FixedHeaderLen,
		MessageID:   1,
		MessageType: 4,
		Flags:       FlagCompressed,
		PayloadLen:  uint64(body.Len()),
	}
	return append(EncodeHeader(h), body.Bytes()...)
}

func TestReadFrameBoundsDecompressedSize(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPayloadBytes = 64 << 10

	cases := map[string][]zstd.EOption{
		"large window": nil,
		"small window": {zstd.WithWindowSize(32 << 10)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			raw := zeroBomb(t, 64<<20, opts...)
			if uint64(len(raw)) > limits.MaxPayloadBytes {
				t.Fatalf("compressed frame %d bytes does not fit the wire limit", len(raw))
			}

			var before, after runtime.MemStats
			runtime.GC()
			runtime.ReadMemStats(&before)
			_, err := ReadFrame(bytes.NewReader(raw), limits)
			runtime.ReadMemStats(&after)

			if !errors.Is(err, ErrPayloadTooLarge) {
				t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
			}
			if grew := after.TotalAlloc - before.TotalAlloc; grew > 16<<20 {
				t.Fatalf("decoding allocated %d bytes for a %d byte limit", grew, limits.MaxPayloadBytes)
			}
		})
	}
}
