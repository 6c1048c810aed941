package session

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/clrtrace/internal/protocol/frame"
	"github.com/danmuck/clrtrace/internal/protocol/schema"
	"github.com/danmuck/clrtrace/internal/protocol/tlv"
	"github.com/danmuck/clrtrace/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestBackoffCountsAttempts(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour, Multiplier: 2, MaxDelay: 90 * time.Minute}, nil)
	if got := b.Next(); got != time.Hour {
		t.Fatalf("first delay got=%v", got)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.Attempt() != 2 {
		t.Fatalf("attempt got=%d", b.Attempt())
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("reset attempt got=%d", b.Attempt())
	}
}

func TestBackoffWaitElapses(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}, nil)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	raw, err := EncodeMessageFrame(7, msg, DefaultConfig().Limits())
	if err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	fr, err := ReadFrame(bytes.NewReader(raw), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.MessageID != 7 || fr.Header.MessageType != msg.MessageType() {
		t.Fatalf("unexpected header: %+v", fr.Header)
	}
	got, err := DecodeMessage(fr)
	if err != nil {
		t.Fatalf("decode %T: %v", msg, err)
	}
	return got
}

func TestStartFinishFrames(t *testing.T) {
	testlog.Start(t)
	start := roundTrip(t, Start{PID: 4242, Cmd: "dotnet app.dll", Path: "/usr/bin:/bin"})
	if start != (Start{PID: 4242, Cmd: "dotnet app.dll", Path: "/usr/bin:/bin"}) {
		t.Fatalf("unexpected start: %+v", start)
	}
	fin := roundTrip(t, &Finish{PID: 4242, Reason: FinishProducerLost})
	if fin != (Finish{PID: 4242, Reason: FinishProducerLost}) {
		t.Fatalf("unexpected finish: %+v", fin)
	}
}

func TestTimestampEventCarriesStats(t *testing.T) {
	testlog.Start(t)
	got := roundTrip(t, TimestampEvent{
		PID:     1,
		Kind:    "class_load_finished",
		Time:    12.25,
		Payload: "System.String",
		Stats:   &Stats{CPUPercent: 3.5, IOReadBytes: 10, IOWriteBytes: 20},
	})
	ev, ok := got.(TimestampEvent)
	if !ok {
		t.Fatalf("unexpected type %T", got)
	}
	if ev.Payload != "System.String" || ev.Kind != "class_load_finished" || ev.Time != 12.25 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Stats == nil || *ev.Stats != (Stats{CPUPercent: 3.5, IOReadBytes: 10, IOWriteBytes: 20}) {
		t.Fatalf("unexpected stats: %+v", ev.Stats)
	}

	idEv, ok := roundTrip(t, TimestampIDEvent{PID: 1, Kind: "thread_created", Time: 1, ID: 0xBEEF}).(TimestampIDEvent)
	if !ok || idEv.ID != 0xBEEF || idEv.Stats != nil {
		t.Fatalf("unexpected id event: %+v", idEv)
	}
}

func TestObjectAllocatedOptionalGeneration(t *testing.T) {
	testlog.Start(t)
	with, _ := roundTrip(t, ObjectAllocated{
		PID: 1, Time: 2, ObjectID: 0x1000, Size: 24, ClassName: "System.Object", Generation: Generation(0),
	}).(ObjectAllocated)
	if with.Generation == nil || *with.Generation != 0 {
		t.Fatalf("generation lost: %+v", with)
	}
	without, _ := roundTrip(t, ObjectAllocated{
		PID: 1, Time: 2, ObjectID: 0x1000, Size: 24, ClassName: "System.Object",
	}).(ObjectAllocated)
	if without.Generation != nil {
		t.Fatalf("unexpected generation: %d", *without.Generation)
	}
}

func TestGenerationsUpdateRepeatedObjects(t *testing.T) {
	testlog.Start(t)
	got, _ := roundTrip(t, GenerationsUpdate{
		PID:  1,
		Time: 3,
		Objects: []ObjectGeneration{
			{ObjectID: 1, Generation: Generation(2)},
			{ObjectID: 2},
			{ObjectID: 3, Generation: Generation(1)},
		},
	}).(GenerationsUpdate)
	if len(got.Objects) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(got.Objects))
	}
	if got.Objects[0].ObjectID != 1 || *got.Objects[0].Generation != 2 {
		t.Fatalf("object 0: %+v", got.Objects[0])
	}
	if got.Objects[1].Generation != nil {
		t.Fatalf("object 1 generation should be absent")
	}
	if got.Objects[2].ObjectID != 3 || *got.Objects[2].Generation != 1 {
		t.Fatalf("object 2: %+v", got.Objects[2])
	}
}

func TestAckFrame(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeAckFrame(11, Ack{OK: false, Code: 1002, Message: "pid already active"}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	fr, err := ReadFrame(bytes.NewReader(raw), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.Flags&frame.FlagIsResponse == 0 || fr.Header.Flags&frame.FlagIsError == 0 {
		t.Fatalf("unexpected flags: %#x", fr.Header.Flags)
	}
	ack, err := DecodeAckFrame(fr)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.OK || ack.Code != 1002 || ack.Message != "pid already active" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if _, err := DecodeMessage(fr); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("ack is not a request, got %v", err)
	}
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	testlog.Start(t)
	cases := []Message{
		Start{},
		Finish{PID: 1, Reason: 9},
		TimestampEvent{PID: 1, Time: 1},
		TimestampIDEvent{PID: 1, Kind: "thread_created", Time: -1},
		ObjectAllocated{PID: 1, Time: 1},
	}
	for _, msg := range cases {
		if _, err := EncodeMessageFrame(1, msg, frame.DefaultLimits()); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%T: expected ErrInvalidMessage, got %v", msg, err)
		}
	}
}

func TestNewMessageCoversRequests(t *testing.T) {
	testlog.Start(t)
	for _, typ := range []uint32{
		schema.MsgSessionStart,
		schema.MsgSessionFinish,
		schema.MsgTimestampEvent,
		schema.MsgTimestampIDEvent,
		schema.MsgObjectAllocated,
		schema.MsgGenerationsUpdate,
	} {
		msg, err := NewMessage(typ)
		if err != nil {
			t.Fatalf("new message %d: %v", typ, err)
		}
		if Value(msg).MessageType() != typ {
			t.Fatalf("type mismatch for %d", typ)
		}
	}
	if _, err := NewMessage(schema.MsgAck); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{SecurityMode: " Production ", CompressAbove: 512}.WithDefaults()
	if cfg.SecurityMode != SecurityModeProduction {
		t.Fatalf("mode not normalized: %q", cfg.SecurityMode)
	}
	if cfg.ConnectTimeout != 5*time.Second || cfg.Backoff.Multiplier != 2.0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if l := cfg.Limits(); l.CompressAbove != 512 || l.MaxPayloadBytes == 0 {
		t.Fatalf("unexpected limits: %+v", l)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestTLSConfigDisabledIsNil(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	c, err := cfg.ClientTLSConfig("127.0.0.1:1")
	if err != nil || c != nil {
		t.Fatalf("expected nil client tls config, got %v %v", c, err)
	}
	s, err := cfg.ServerTLSConfig()
	if err != nil || s != nil {
		t.Fatalf("expected nil server tls config, got %v %v", s, err)
	}
}

func TestDecodeMessageRejectsTruncatedScalar(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{
		{ID: schema.FieldPID, Type: tlv.TypeU32, Value: []byte{0x10, 0x92}},
		tlv.U8(schema.FieldReason, uint8(FinishLocalRequest)),
	})
	f := frame.Frame{
		Header:  frame.Header{MessageID: 1, MessageType: schema.MsgSessionFinish},
		Payload: payload,
	}
	msg, err := DecodeMessage(f)
	var ve schema.ValidationError
	if !errors.As(err, &ve) || ve.FieldID != schema.FieldPID {
		t.Fatalf("expected pid length error, got msg=%+v err=%v", msg, err)
	}
}
