package dbus

import (
	"context"
	"strings"

	"github.com/KillingSpark/rustbus/fragments"
)

// Kind is a single DBus wire type code.
type Kind byte

const (
	KindByte       Kind = 'y'
	KindBool       Kind = 'b'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindUnixFD     Kind = 'h'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindArray      Kind = 'a'
	KindStruct     Kind = '('
	KindDictEntry  Kind = '{'
	KindVariant    Kind = 'v'
)

// maxSignatureLen is the protocol cap on the length, in bytes, of a
// single signature string.
const maxSignatureLen = 255

// maxContainerDepth is the maximum nesting depth of array and struct
// types within one signature, counted together; dict-entries do not
// add to it.
const maxContainerDepth = 32

// maxTotalDepth is the maximum combined nesting depth (arrays plus
// structs plus dict-entries plus variants) within one signature.
const maxTotalDepth = 64

// Type describes the type of a single DBus value: a basic type, or a
// container with its element/field types.
type Type struct {
	Kind Kind
	// Elem is the element type of an array (Kind == KindArray). Nil
	// otherwise.
	Elem *Type
	// Fields holds a struct's field types (Kind == KindStruct), or
	// exactly the [key, value] types of a dict-entry (Kind ==
	// KindDictEntry). Nil otherwise.
	Fields Signature
}

// IsBasic reports whether t is a basic (non-container) type: every
// code except a, (, {, v.
func (t Type) IsBasic() bool {
	switch t.Kind {
	case KindArray, KindStruct, KindDictEntry, KindVariant:
		return false
	default:
		return true
	}
}

// isDict reports whether t is an array of dict-entries.
func (t Type) isDict() bool {
	return t.Kind == KindArray && t.Elem != nil && t.Elem.Kind == KindDictEntry
}

// Align returns the natural alignment, in bytes, of values of type t.
func (t Type) Align() int {
	switch t.Kind {
	case KindByte:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindUnixFD, KindString, KindObjectPath, KindArray:
		return 4
	case KindInt64, KindUint64, KindDouble, KindStruct, KindDictEntry:
		return 8
	case KindSignature:
		return 1
	case KindVariant:
		return 1
	default:
		return 1
	}
}

// String renders t as a DBus type signature fragment.
func (t Type) String() string {
	var b strings.Builder
	t.appendString(&b)
	return b.String()
}

func (t Type) appendString(b *strings.Builder) {
	switch t.Kind {
	case KindArray:
		b.WriteByte('a')
		t.Elem.appendString(b)
	case KindStruct:
		b.WriteByte('(')
		for _, f := range t.Fields {
			f.appendString(b)
		}
		b.WriteByte(')')
	case KindDictEntry:
		b.WriteByte('{')
		t.Fields[0].appendString(b)
		t.Fields[1].appendString(b)
		b.WriteByte('}')
	default:
		b.WriteByte(byte(t.Kind))
	}
}

// Signature is an ordered sequence of types, e.g. a message body's
// top-level tuple, or a struct's field list.
type Signature []Type

// String renders sig as a DBus type signature string.
func (sig Signature) String() string {
	var b strings.Builder
	for _, t := range sig {
		t.appendString(&b)
	}
	return b.String()
}

// IsZero reports whether sig is the empty signature.
func (sig Signature) IsZero() bool { return len(sig) == 0 }

// Equal reports whether sig and other describe structurally identical
// sequences of types.
func (sig Signature) Equal(other Signature) bool {
	return sig.String() == other.String()
}

// ParseSignature parses a DBus type signature string into a
// [Signature]. It is the canonical validator: every place that
// accepts a signature (header fields, variants, array element types)
// must route through this parser.
func ParseSignature(s string) (Signature, error) {
	if len(s) > maxSignatureLen {
		return nil, errInvalidSignature(maxSignatureLen, "signature exceeds 255 bytes")
	}
	p := &sigParser{s: s}
	var ret Signature
	for p.pos < len(p.s) {
		t, err := p.parseOne(0, 0)
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func mustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

type sigParser struct {
	s   string
	pos int
}

func (p *sigParser) parseOne(containerDepth, totalDepth int) (Type, error) {
	if p.pos >= len(p.s) {
		return Type{}, errInvalidSignature(p.pos, "unexpected end of signature")
	}
	c := p.s[p.pos]
	switch Kind(c) {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32,
		KindInt64, KindUint64, KindDouble, KindUnixFD, KindString,
		KindObjectPath, KindSignature:
		p.pos++
		return Type{Kind: Kind(c)}, nil
	case KindVariant:
		p.pos++
		if totalDepth+1 > maxTotalDepth {
			return Type{}, errNestingTooDeep()
		}
		return Type{Kind: KindVariant}, nil
	case KindArray:
		p.pos++
		if containerDepth+1 > maxContainerDepth || totalDepth+1 > maxTotalDepth {
			return Type{}, errNestingTooDeep()
		}
		elem, err := p.parseOne(containerDepth+1, totalDepth+1)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindArray, Elem: &elem}, nil
	case KindStruct:
		p.pos++
		if containerDepth+1 > maxContainerDepth || totalDepth+1 > maxTotalDepth {
			return Type{}, errNestingTooDeep()
		}
		var fields Signature
		for {
			if p.pos >= len(p.s) {
				return Type{}, errInvalidSignature(p.pos, "unterminated struct, missing )")
			}
			if p.s[p.pos] == ')' {
				p.pos++
				break
			}
			f, err := p.parseOne(containerDepth+1, totalDepth+1)
			if err != nil {
				return Type{}, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return Type{}, errInvalidSignature(p.pos, "struct must have at least one field")
		}
		return Type{Kind: KindStruct, Fields: fields}, nil
	case KindDictEntry:
		// Only legal immediately inside an array.
		p.pos++
		if p.pos < 2 || p.s[p.pos-2] != byte(KindArray) {
			return Type{}, errInvalidSignature(p.pos, "dict-entry not inside an array")
		}
		key, err := p.parseOne(containerDepth, totalDepth+1)
		if err != nil {
			return Type{}, err
		}
		if !key.IsBasic() {
			return Type{}, errInvalidSignature(p.pos, "dict-entry key must be a basic type")
		}
		val, err := p.parseOne(containerDepth, totalDepth+1)
		if err != nil {
			return Type{}, err
		}
		if p.pos >= len(p.s) || p.s[p.pos] != '}' {
			return Type{}, errInvalidSignature(p.pos, "unterminated dict-entry, missing }")
		}
		p.pos++
		return Type{Kind: KindDictEntry, Fields: Signature{key, val}}, nil
	default:
		return Type{}, errInvalidSignature(p.pos, "unknown type code "+string(c))
	}
}

func (Signature) SignatureDBus() Type { return Type{Kind: KindSignature} }

func (sig Signature) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	bs := []byte(sig.String())
	if len(bs) > maxSignatureLen {
		return errInvalidSignature(maxSignatureLen, "signature exceeds 255 bytes")
	}
	e.Uint8(uint8(len(bs)))
	e.Write(bs)
	e.Uint8(0)
	return nil
}

func (sig *Signature) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	ln, err := d.Uint8()
	if err != nil {
		return err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return err
	}
	parsed, err := ParseSignature(string(bs[:len(bs)-1]))
	if err != nil {
		return err
	}
	*sig = parsed
	return nil
}
