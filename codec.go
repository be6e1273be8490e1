package dbus

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/KillingSpark/rustbus/fragments"
)

// Marshaler is the typed fast-path codec contract: any type that
// knows how to lay itself out on the wire implements it directly,
// without going through the dynamic [Value] tree.
type Marshaler interface {
	// SignatureDBus reports the DBus type of the value.
	SignatureDBus() Type
	// MarshalDBus writes the value's bytes to e, including any
	// padding required to reach its own natural alignment. The
	// caller (not MarshalDBus) is responsible for the padding that
	// precedes the value.
	MarshalDBus(ctx context.Context, e *fragments.Encoder) error
}

// Unmarshaler is the read side of [Marshaler].
type Unmarshaler interface {
	SignatureDBus() Type
	UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error
}

// maxBodyLen is the protocol cap on a message body (and, separately,
// on the header field array), per spec §3.
const maxBodyLen = 128 * 1024 * 1024

// maxFdsPerMessage is the per-message cap on attached file
// descriptors (§5); above this, sends fail with [KindTooManyFds]
// before any bytes reach the wire.
const maxFdsPerMessage = 10

// EncodeValue writes v to e, padding to v's natural alignment first.
func EncodeValue(ctx context.Context, e *fragments.Encoder, v Value) error {
	t := v.typ
	e.Pad(t.Align())
	switch t.Kind {
	case KindByte:
		e.Uint8(v.Byte())
	case KindBool:
		e.Uint32(uint32(v.num))
	case KindInt16:
		e.Uint16(uint16(v.num))
	case KindUint16:
		e.Uint16(v.Uint16())
	case KindInt32, KindUint32, KindUnixFD:
		e.Uint32(uint32(v.num))
	case KindInt64, KindUint64:
		e.Uint64(v.num)
	case KindDouble:
		e.Uint64(v.num)
	case KindString, KindObjectPath:
		e.String(v.str)
	case KindSignature:
		e.Signature(v.str)
	case KindArray:
		return e.Array(t.Elem.Align(), func() error {
			for _, el := range v.elems {
				if err := EncodeValue(ctx, e, el); err != nil {
					return err
				}
			}
			return nil
		})
	case KindStruct, KindDictEntry:
		return e.Struct(func() error {
			for _, el := range v.elems {
				if err := EncodeValue(ctx, e, el); err != nil {
					return err
				}
			}
			return nil
		})
	case KindVariant:
		inner := v.elems[0]
		e.Signature(Signature{inner.typ}.String())
		return EncodeValue(ctx, e, inner)
	}
	return nil
}

// DecodeValue reads a value of type t from d. depth tracks the
// current total nesting depth already consumed by the enclosing
// context, to re-enforce [maxTotalDepth] against hostile input even
// when the signature itself was validated shallower upstream (e.g. a
// variant's boxed signature, parsed fresh, could otherwise be nested
// arbitrarily deep by repeated boxing).
func DecodeValue(ctx context.Context, d *fragments.Decoder, t Type, depth int) (Value, error) {
	if depth > maxTotalDepth {
		return Value{}, errNestingTooDeep()
	}
	switch t.Kind {
	case KindByte:
		b, err := d.Uint8()
		return newBase(KindByte, uint64(b)), err
	case KindBool:
		u, err := d.Uint32()
		if err != nil {
			return Value{}, err
		}
		if u > 1 {
			return Value{}, errInvalidBool(u)
		}
		return newBase(KindBool, uint64(u)), nil
	case KindInt16, KindUint16:
		u, err := d.Uint16()
		return newBase(t.Kind, uint64(u)), err
	case KindInt32, KindUint32, KindUnixFD:
		u, err := d.Uint32()
		return newBase(t.Kind, uint64(u)), err
	case KindInt64, KindUint64, KindDouble:
		u, err := d.Uint64()
		return newBase(t.Kind, u), err
	case KindString:
		s, err := d.String()
		if err != nil {
			return Value{}, err
		}
		if !utf8.ValidString(s) {
			return Value{}, errInvalidUtf8()
		}
		return Value{typ: t, str: s}, nil
	case KindObjectPath:
		s, err := d.String()
		if err != nil {
			return Value{}, err
		}
		if err := validateObjectPath(s); err != nil {
			return Value{}, err
		}
		return Value{typ: t, str: s}, nil
	case KindSignature:
		s, err := d.Signature()
		if err != nil {
			return Value{}, err
		}
		if !utf8.ValidString(s) {
			return Value{}, errInvalidUtf8()
		}
		if _, err := ParseSignature(s); err != nil {
			return Value{}, err
		}
		return Value{typ: t, str: s}, nil
	case KindArray:
		elems, err := decodeArray(ctx, d, *t.Elem, depth)
		if err != nil {
			return Value{}, err
		}
		return Value{typ: t, elems: elems}, nil
	case KindStruct:
		var elems []Value
		err := d.Struct(func() error {
			for _, ft := range t.Fields {
				el, err := DecodeValue(ctx, d, ft, depth+1)
				if err != nil {
					return err
				}
				elems = append(elems, el)
			}
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return Value{typ: t, elems: elems}, nil
	case KindDictEntry:
		var elems []Value
		err := d.Struct(func() error {
			k, err := DecodeValue(ctx, d, t.Fields[0], depth+1)
			if err != nil {
				return err
			}
			v, err := DecodeValue(ctx, d, t.Fields[1], depth+1)
			if err != nil {
				return err
			}
			elems = []Value{k, v}
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return Value{typ: t, elems: elems}, nil
	case KindVariant:
		innerSigStr, err := d.Signature()
		if err != nil {
			return Value{}, err
		}
		innerSig, err := ParseSignature(innerSigStr)
		if err != nil {
			return Value{}, err
		}
		if len(innerSig) != 1 {
			return Value{}, errSignatureMismatch("single complete type", innerSigStr)
		}
		inner, err := DecodeValue(ctx, d, innerSig[0], depth+1)
		if err != nil {
			return Value{}, err
		}
		return Value{typ: t, elems: []Value{inner}}, nil
	default:
		return Value{}, errInvalidSignature(0, "unknown type code")
	}
}

// decodeArray reads an array's u32 length prefix, validates it against
// the protocol max and (when known) the bytes actually remaining in
// d.In, pads to elemType's natural alignment, and decodes elements
// until the declared length is exhausted. It never reads past the
// declared array length, even if an element decoder misbehaves.
func decodeArray(ctx context.Context, d *fragments.Decoder, elemType Type, depth int) ([]Value, error) {
	var elems []Value
	_, err := d.Array(elemType.Align(), func(declaredLen uint32) error {
		if int(declaredLen) > maxBodyLen {
			return errArrayTooLong(int(declaredLen), maxBodyLen)
		}
		if lr, ok := d.In.(fragments.Lenner); ok && int(declaredLen) > lr.Len() {
			return errArrayTooLong(int(declaredLen), lr.Len())
		}
		return nil
	}, func(idx int) error {
		el, err := DecodeValue(ctx, d, elemType, depth+1)
		if err != nil {
			return err
		}
		elems = append(elems, el)
		return nil
	})
	var overrun *fragments.ArrayOverrunError
	if errors.As(err, &overrun) {
		return nil, errTrailingBytes(overrun.Extra)
	}
	if err != nil {
		return nil, err
	}
	return elems, nil
}

// SignatureDBus implements [Marshaler] for the dynamic [Value] type,
// so a Value can be used anywhere a typed Marshaler is expected (e.g.
// as a method call body).
func (v Value) SignatureDBus() Type { return v.typ }

// MarshalDBus implements [Marshaler] for [Value].
func (v Value) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	return EncodeValue(ctx, e, v)
}
