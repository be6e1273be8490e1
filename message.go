package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/KillingSpark/rustbus/fragments"
)

// MessageKind is the kind of a DBus message.
type MessageKind byte

const (
	MessageInvalid MessageKind = iota
	MessageCall
	MessageReply
	MessageError
	MessageSignal
)

func (k MessageKind) String() string {
	switch k {
	case MessageCall:
		return "Call"
	case MessageReply:
		return "Reply"
	case MessageError:
		return "Error"
	case MessageSignal:
		return "Signal"
	default:
		return "Invalid"
	}
}

// MessageFlags is the DBus message flags bitset.
type MessageFlags byte

const (
	FlagNoReplyExpected     MessageFlags = 1 << 0
	FlagNoAutoStart         MessageFlags = 1 << 1
	FlagAllowInteractiveAuth MessageFlags = 1 << 2
)

// Header field codes, per spec §6.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

const fixedHeaderLen = 16

// Message is one DBus message: a fixed+dynamic header plus a body.
// Marshalling and unmarshalling is symmetric (§4.5); see
// [Message.marshal] and [unmarshalHeader].
type Message struct {
	Kind   MessageKind
	Flags  MessageFlags
	Serial uint32
	Order  fragments.ByteOrder

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature

	// Body is the encoded body, in Order, ready to append after the
	// header. Present only once [Message.SetBody] or decode has run.
	Body []byte

	// value and valueErr are not read or written anywhere;
	// [Message.Value] decodes Body afresh on each call.
	value    *Value
	valueErr error

	fds            []*os.File
	fdsTaken       bool
	numFdsDeclared uint32
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Kind == MessageCall && m.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the sender is prepared to wait for an
// interactive authorization prompt.
func (m *Message) CanInteract() bool {
	return m.Kind == MessageCall && m.Flags&FlagAllowInteractiveAuth != 0
}

// Valid checks the per-kind required-field invariants from §3.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return errInvalidHeaderField("serial must be non-zero")
	}
	switch m.Kind {
	case MessageCall:
		if m.Path == "" {
			return errMissingRequiredField("PATH")
		}
		if m.Member == "" {
			return errMissingRequiredField("MEMBER")
		}
	case MessageReply:
		if m.ReplySerial == 0 {
			return errMissingRequiredField("REPLY_SERIAL")
		}
	case MessageError:
		if m.ReplySerial == 0 {
			return errMissingRequiredField("REPLY_SERIAL")
		}
		if m.ErrorName == "" {
			return errMissingRequiredField("ERROR_NAME")
		}
	case MessageSignal:
		if m.Path == "" {
			return errMissingRequiredField("PATH")
		}
		if m.Interface == "" {
			return errMissingRequiredField("INTERFACE")
		}
		if m.Member == "" {
			return errMissingRequiredField("MEMBER")
		}
	default:
		return errUnexpectedMessageKind(m.Kind)
	}
	if len(m.Body) > maxBodyLen {
		return errInvalidHeaderField("body length exceeds protocol max")
	}
	return nil
}

// SetBody encodes v as the message body using the typed [Marshaler]
// path, and records its signature and FD count.
func (m *Message) SetBody(ctx context.Context, v Marshaler) error {
	var files []*os.File
	bctx := withContextPutFiles(ctx, &files)

	e := &fragments.Encoder{Order: m.byteOrder()}
	e.Pad(v.SignatureDBus().Align())
	if err := v.MarshalDBus(bctx, e); err != nil {
		return err
	}
	if len(files) > maxFdsPerMessage {
		return errTooManyFds(len(files))
	}
	m.Body = e.Out
	m.Signature = Signature{v.SignatureDBus()}
	m.fds = files
	return nil
}

// SetBodyValue is [Message.SetBody] for the dynamic [Value] tree.
func (m *Message) SetBodyValue(ctx context.Context, vs ...Value) error {
	var files []*os.File
	bctx := withContextPutFiles(ctx, &files)

	e := &fragments.Encoder{Order: m.byteOrder()}
	sig := make(Signature, len(vs))
	for i, v := range vs {
		if err := EncodeValue(bctx, e, v); err != nil {
			return err
		}
		sig[i] = v.Type()
	}
	if len(files) > maxFdsPerMessage {
		return errTooManyFds(len(files))
	}
	m.Body = e.Out
	m.Signature = sig
	m.fds = files
	return nil
}

func (m *Message) byteOrder() fragments.ByteOrder {
	if m.Order == nil {
		return fragments.NativeEndian
	}
	return m.Order
}

// Value parses the message body per its declared signature into the
// dynamic [Value] tree. The result is not cached: each call decodes
// the body again.
func (m *Message) Value(ctx context.Context) ([]Value, error) {
	d := &fragments.Decoder{Order: m.byteOrder(), In: newBoundedReader(m.Body)}
	fctx := withContextFiles(ctx, m.fds)
	vs := make([]Value, 0, len(m.Signature))
	for _, t := range m.Signature {
		v, err := DecodeValue(fctx, d, t, 0)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return vs, nil
}

// Decode parses the message body into v using the typed [Unmarshaler]
// path.
func (m *Message) Decode(ctx context.Context, v Unmarshaler) error {
	want := Signature{v.SignatureDBus()}
	if !m.Signature.Equal(want) {
		return errSignatureMismatch(want.String(), m.Signature.String())
	}
	d := &fragments.Decoder{Order: m.byteOrder(), In: newBoundedReader(m.Body)}
	fctx := withContextFiles(ctx, m.fds)
	return v.UnmarshalDBus(fctx, d)
}

// Files returns the file descriptors attached to the message. The
// caller takes ownership; Close will no longer close them.
func (m *Message) Files() []*os.File {
	m.fdsTaken = true
	return m.fds
}

// Close releases the message's file descriptors unless the caller
// claimed them via [Message.Files]. Decoding a typed [File] field does
// not claim them, so Close also closes the files such a field refers to.
func (m *Message) Close() {
	if m.fdsTaken {
		return
	}
	for _, f := range m.fds {
		if f != nil {
			f.Close()
		}
	}
	m.fds = nil
}

func newBoundedReader(bs []byte) *boundedReader {
	return &boundedReader{bs: bs}
}

// boundedReader is a minimal io.Reader over a byte slice that also
// implements [fragments.Lenner], so [decodeArray] can bounds-check
// declared array lengths against what's actually in the body.
type boundedReader struct {
	bs  []byte
	pos int
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.bs) {
		return 0, io.EOF
	}
	n := copy(p, b.bs[b.pos:])
	b.pos += n
	return n, nil
}

func (b *boundedReader) Len() int { return len(b.bs) - b.pos }

// marshal encodes the message's fixed + dynamic header into hdrBytes,
// ready to be followed by m.Body on the wire. m.Body, m.Signature, and
// len(m.fds) must already be set (see [Message.SetBody]).
func (m *Message) marshal() ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	if len(m.fds) > maxFdsPerMessage {
		return nil, errTooManyFds(len(m.fds))
	}

	e := &fragments.Encoder{Order: m.byteOrder()}
	e.ByteOrderFlag()
	e.Uint8(byte(m.Kind))
	e.Uint8(byte(m.Flags))
	e.Uint8(1) // protocol version
	e.Uint32(uint32(len(m.Body)))
	e.Uint32(m.Serial)

	err := e.Array(8, func() error {
		put := func(code uint8, t Type, write func()) {
			e.Struct(func() error {
				e.Uint8(code)
				e.Signature(Signature{t}.String())
				e.Pad(t.Align())
				write()
				return nil
			})
		}
		if m.Path != "" {
			put(fieldPath, Type{Kind: KindObjectPath}, func() { e.String(string(m.Path)) })
		}
		if m.Interface != "" {
			put(fieldInterface, Type{Kind: KindString}, func() { e.String(m.Interface) })
		}
		if m.Member != "" {
			put(fieldMember, Type{Kind: KindString}, func() { e.String(m.Member) })
		}
		if m.ErrorName != "" {
			put(fieldErrorName, Type{Kind: KindString}, func() { e.String(m.ErrorName) })
		}
		if m.ReplySerial != 0 {
			put(fieldReplySerial, Type{Kind: KindUint32}, func() { e.Uint32(m.ReplySerial) })
		}
		if m.Destination != "" {
			put(fieldDestination, Type{Kind: KindString}, func() { e.String(m.Destination) })
		}
		if m.Sender != "" {
			put(fieldSender, Type{Kind: KindString}, func() { e.String(m.Sender) })
		}
		if !m.Signature.IsZero() {
			put(fieldSignature, Type{Kind: KindSignature}, func() {
				e.Signature(m.Signature.String())
			})
		}
		if len(m.fds) > 0 {
			put(fieldUnixFDs, Type{Kind: KindUint32}, func() { e.Uint32(uint32(len(m.fds))) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Pad(8)

	if len(e.Out) > maxBodyLen {
		return nil, errInvalidHeaderField("header exceeds protocol max size")
	}
	return e.Out, nil
}

// unmarshalHeader reads the fixed 16-byte header and dynamic field
// array from d, returning a [Message] with Serial/Kind/Flags/fields
// populated but Body not yet read (the caller reads exactly
// bodyLen bytes next).
func unmarshalHeader(d *fragments.Decoder) (m *Message, bodyLen uint32, err error) {
	if err := d.ByteOrderFlag(); err != nil {
		return nil, 0, errIo(err)
	}
	kindB, err := d.Uint8()
	if err != nil {
		return nil, 0, errIo(err)
	}
	flagsB, err := d.Uint8()
	if err != nil {
		return nil, 0, errIo(err)
	}
	if _, err := d.Uint8(); err != nil { // protocol version, ignored
		return nil, 0, errIo(err)
	}
	bodyLen, err = d.Uint32()
	if err != nil {
		return nil, 0, errIo(err)
	}
	if bodyLen > maxBodyLen {
		return nil, 0, errArrayTooLong(int(bodyLen), maxBodyLen)
	}
	serial, err := d.Uint32()
	if err != nil {
		return nil, 0, errIo(err)
	}

	m = &Message{Kind: MessageKind(kindB), Flags: MessageFlags(flagsB), Serial: serial, Order: d.Order}

	if err := unmarshalHeaderFields(d, m); err != nil {
		return nil, 0, err
	}
	if err := d.Pad(8); err != nil {
		return nil, 0, errIo(err)
	}
	return m, bodyLen, nil
}

func unmarshalHeaderFields(d *fragments.Decoder, m *Message) error {
	_, err := d.Array(8, func(declaredLen uint32) error {
		if int(declaredLen) > maxBodyLen {
			return errArrayTooLong(int(declaredLen), maxBodyLen)
		}
		return nil
	}, func(idx int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			sigStr, err := d.Signature()
			if err != nil {
				return err
			}
			sig, err := ParseSignature(sigStr)
			if err != nil {
				return err
			}
			if len(sig) != 1 {
				return errInvalidHeaderField(fmt.Sprintf("header field %d has non-single-type variant signature", code))
			}
			v, err := DecodeValue(context.Background(), d, sig[0], 0)
			if err != nil {
				return err
			}
			return assignHeaderField(m, code, v)
		})
	})
	var overrun *fragments.ArrayOverrunError
	if errors.As(err, &overrun) {
		return errTrailingBytes(overrun.Extra)
	}
	return err
}

func assignHeaderField(m *Message, code uint8, v Value) error {
	switch code {
	case fieldPath:
		if v.Type().Kind != KindObjectPath {
			return errInvalidHeaderField("PATH must be an object path")
		}
		m.Path = v.ObjectPath()
	case fieldInterface:
		if v.Type().Kind != KindString {
			return errInvalidHeaderField("INTERFACE must be a string")
		}
		m.Interface = v.String()
	case fieldMember:
		if v.Type().Kind != KindString {
			return errInvalidHeaderField("MEMBER must be a string")
		}
		m.Member = v.String()
	case fieldErrorName:
		if v.Type().Kind != KindString {
			return errInvalidHeaderField("ERROR_NAME must be a string")
		}
		m.ErrorName = v.String()
	case fieldReplySerial:
		if v.Type().Kind != KindUint32 {
			return errInvalidHeaderField("REPLY_SERIAL must be uint32")
		}
		m.ReplySerial = v.Uint32()
	case fieldDestination:
		if v.Type().Kind != KindString {
			return errInvalidHeaderField("DESTINATION must be a string")
		}
		m.Destination = v.String()
	case fieldSender:
		if v.Type().Kind != KindString {
			return errInvalidHeaderField("SENDER must be a string")
		}
		m.Sender = v.String()
	case fieldSignature:
		if v.Type().Kind != KindSignature {
			return errInvalidHeaderField("SIGNATURE must be a signature")
		}
		sig, err := ParseSignature(v.String())
		if err != nil {
			return err
		}
		m.Signature = sig
	case fieldUnixFDs:
		if v.Type().Kind != KindUint32 {
			return errInvalidHeaderField("UNIX_FDS must be uint32")
		}
		m.numFdsDeclared = v.Uint32()
	default:
		// Unknown field codes are ignored, per §4.5 forward-compat.
	}
	return nil
}
