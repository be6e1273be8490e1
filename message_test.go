package dbus

import (
	"context"
	"os"
	"testing"

	"github.com/KillingSpark/rustbus/fragments"
)

func marshalUnmarshal(t *testing.T, m *Message) *Message {
	t.Helper()
	hdr, err := m.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	full := append(append([]byte{}, hdr...), m.Body...)
	d := &fragments.Decoder{Order: m.byteOrder(), In: newBoundedReader(full)}
	got, bodyLen, err := unmarshalHeader(d)
	if err != nil {
		t.Fatalf("unmarshalHeader: %v", err)
	}
	if int(bodyLen) != len(m.Body) {
		t.Fatalf("bodyLen = %d, want %d", bodyLen, len(m.Body))
	}
	body, err := d.Read(int(bodyLen))
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	got.Body = body
	return got
}

func TestMessageMarshalUnmarshalCall(t *testing.T) {
	m := &Message{
		Kind:      MessageCall,
		Serial:    7,
		Order:     fragments.LittleEndian,
		Path:      "/org/test/Object",
		Interface: "org.test.Iface",
		Member:    "DoThing",
		Destination: "org.test.Dest",
	}
	if err := m.SetBodyValue(context.Background(), NewString("hello"), NewInt32(42)); err != nil {
		t.Fatalf("SetBodyValue: %v", err)
	}

	got := marshalUnmarshal(t, m)
	if got.Kind != MessageCall || got.Serial != 7 {
		t.Fatalf("unexpected header: %#v", got)
	}
	if got.Path != m.Path || got.Interface != m.Interface || got.Member != m.Member || got.Destination != m.Destination {
		t.Fatalf("fields did not round-trip: %#v", got)
	}
	if !got.Signature.Equal(m.Signature) {
		t.Fatalf("signature mismatch: got %q want %q", got.Signature, m.Signature)
	}
	args, err := got.Value(context.Background())
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if len(args) != 2 || args[0].String() != "hello" || args[1].Int32() != 42 {
		t.Fatalf("body did not round-trip: %#v", args)
	}
}

func TestMessageMarshalUnmarshalSignalNoBody(t *testing.T) {
	m := &Message{
		Kind:      MessageSignal,
		Serial:    3,
		Order:     fragments.BigEndian,
		Path:      "/org/test/Object",
		Interface: "org.test.Iface",
		Member:    "Happened",
	}
	got := marshalUnmarshal(t, m)
	if got.Kind != MessageSignal || got.Path != m.Path || got.Member != m.Member {
		t.Fatalf("fields did not round-trip: %#v", got)
	}
	if len(got.Body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(got.Body))
	}
}

func TestMessageMarshalUnmarshalError(t *testing.T) {
	m := &Message{
		Kind:        MessageError,
		Serial:      9,
		Order:       fragments.LittleEndian,
		ReplySerial: 7,
		ErrorName:   "org.test.Error.Failed",
	}
	got := marshalUnmarshal(t, m)
	if got.Kind != MessageError || got.ReplySerial != 7 || got.ErrorName != m.ErrorName {
		t.Fatalf("fields did not round-trip: %#v", got)
	}
}

func TestMessageValidRejectsZeroSerial(t *testing.T) {
	m := &Message{Kind: MessageCall, Path: "/a", Member: "B"}
	if err := m.Valid(); !IsKind(err, KindInvalidHeaderField) {
		t.Errorf("expected KindInvalidHeaderField for zero serial, got %v", err)
	}
}

func TestMessageValidRequiresCallFields(t *testing.T) {
	tests := []struct {
		name string
		m    *Message
	}{
		{"missing path", &Message{Kind: MessageCall, Serial: 1, Member: "M"}},
		{"missing member", &Message{Kind: MessageCall, Serial: 1, Path: "/a"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.m.Valid(); !IsKind(err, KindMissingRequiredField) {
				t.Errorf("expected KindMissingRequiredField, got %v", err)
			}
		})
	}
}

func TestMessageValidRequiresReplySerial(t *testing.T) {
	m := &Message{Kind: MessageReply, Serial: 1}
	if err := m.Valid(); !IsKind(err, KindMissingRequiredField) {
		t.Errorf("expected KindMissingRequiredField, got %v", err)
	}
}

func TestMessageValidRequiresSignalFields(t *testing.T) {
	m := &Message{Kind: MessageSignal, Serial: 1, Path: "/a", Interface: "org.test"}
	if err := m.Valid(); !IsKind(err, KindMissingRequiredField) {
		t.Errorf("expected KindMissingRequiredField for missing MEMBER, got %v", err)
	}
}

func TestMessageWantReply(t *testing.T) {
	m := &Message{Kind: MessageCall}
	if !m.WantReply() {
		t.Error("expected WantReply true by default")
	}
	m.Flags = FlagNoReplyExpected
	if m.WantReply() {
		t.Error("expected WantReply false with FlagNoReplyExpected")
	}
	sig := &Message{Kind: MessageSignal}
	if sig.WantReply() {
		t.Error("signals never want a reply")
	}
}

// fileList marshals a slice of [File] as consecutive `h` values, to
// exercise [Message.SetBody]'s FD-count bookkeeping without a real
// transport.
type fileList []File

func (fl fileList) SignatureDBus() Type {
	return Type{Kind: KindArray, Elem: &Type{Kind: KindUnixFD}}
}

func (fl fileList) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	return e.Array(Type{Kind: KindUnixFD}.Align(), func() error {
		for i := range fl {
			if err := fl[i].MarshalDBus(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestSetBodyEnforcesFdCap(t *testing.T) {
	m := &Message{Kind: MessageSignal, Path: "/a", Interface: "org.test", Member: "M"}
	files := make(fileList, maxFdsPerMessage+1)
	for i := range files {
		files[i] = File{os.Stdin}
	}
	if err := m.SetBody(context.Background(), files); !IsKind(err, KindTooManyFds) {
		t.Fatalf("expected KindTooManyFds, got %v", err)
	}
}

func TestSetBodyAcceptsFdsAtCap(t *testing.T) {
	m := &Message{Kind: MessageSignal, Path: "/a", Interface: "org.test", Member: "M"}
	files := make(fileList, maxFdsPerMessage)
	for i := range files {
		files[i] = File{os.Stdin}
	}
	if err := m.SetBody(context.Background(), files); err != nil {
		t.Fatalf("SetBody at the FD cap should succeed: %v", err)
	}
	if len(m.fds) != maxFdsPerMessage {
		t.Errorf("expected %d fds recorded, got %d", maxFdsPerMessage, len(m.fds))
	}
}
