package dbus

import (
	"fmt"
	"math"
)

// Value is a dynamically-typed DBus value: the "Base | Container"
// tree from the wire format, for callers that don't know their types
// at compile time (proxies, routers, introspection-free tooling).
//
// The zero Value is not valid; construct one with the New* functions.
type Value struct {
	typ Type

	// num holds the payload for every basic numeric kind (byte, bool,
	// n/q/i/u/x/t, the bit pattern of a double, or a unix-fd index).
	num uint64
	// str holds the payload for s/o/g.
	str string
	// elems holds, depending on typ.Kind:
	//   array:      the array's elements, each with typ == *typ.Elem
	//   struct:     the struct's fields, in order
	//   dict-entry: exactly [key, value]
	//   variant:    exactly [inner], inner.typ is the boxed signature
	elems []Value
}

// Type returns v's DBus type.
func (v Value) Type() Type { return v.typ }

// Signature returns v's type rendered as a signature string.
func (v Value) Signature() string { return v.typ.String() }

func newBase(k Kind, num uint64) Value { return Value{typ: Type{Kind: k}, num: num} }

func NewByte(b byte) Value     { return newBase(KindByte, uint64(b)) }
func NewBool(b bool) Value     { return newBase(KindBool, boolToU64(b)) }
func NewInt16(n int16) Value   { return newBase(KindInt16, uint64(uint16(n))) }
func NewUint16(n uint16) Value { return newBase(KindUint16, uint64(n)) }
func NewInt32(n int32) Value   { return newBase(KindInt32, uint64(uint32(n))) }
func NewUint32(n uint32) Value { return newBase(KindUint32, uint64(n)) }
func NewInt64(n int64) Value   { return newBase(KindInt64, uint64(n)) }
func NewUint64(n uint64) Value { return newBase(KindUint64, n) }
func NewDouble(f float64) Value {
	return newBase(KindDouble, float64bits(f))
}

// NewUnixFD wraps the index of a file descriptor in the owning
// [Message]'s fds list. It does not carry the *os.File itself; use
// [Message.Files] to resolve the index.
func NewUnixFD(index uint32) Value { return newBase(KindUnixFD, uint64(index)) }

func NewString(s string) Value { return Value{typ: Type{Kind: KindString}, str: s} }

func NewObjectPath(p ObjectPath) Value {
	return Value{typ: Type{Kind: KindObjectPath}, str: string(p)}
}

func NewSignatureValue(sig Signature) Value {
	return Value{typ: Type{Kind: KindSignature}, str: sig.String()}
}

// NewArray builds an array value of the given element type.
func NewArray(elem Type, vs []Value) Value {
	return Value{typ: Type{Kind: KindArray, Elem: &elem}, elems: vs}
}

// NewStruct builds a struct value from its fields, in order.
func NewStruct(fields ...Value) Value {
	fts := make(Signature, len(fields))
	for i, f := range fields {
		fts[i] = f.typ
	}
	return Value{typ: Type{Kind: KindStruct, Fields: fts}, elems: fields}
}

// DictEntry is one key/value pair of a [NewDict] array.
type DictEntry struct {
	Key, Val Value
}

// NewDict builds an `a{KV}` array value from entries. Entries are
// marshalled in the given order; callers are responsible for ensuring
// keys are unique, per §3's invariant.
func NewDict(keyType, valType Type, entries []DictEntry) Value {
	entryType := Type{Kind: KindDictEntry, Fields: Signature{keyType, valType}}
	elems := make([]Value, len(entries))
	for i, e := range entries {
		elems[i] = Value{typ: entryType, elems: []Value{e.Key, e.Val}}
	}
	return Value{typ: Type{Kind: KindArray, Elem: &entryType}, elems: elems}
}

// NewVariant boxes inner behind a variant value.
func NewVariant(inner Value) Value {
	return Value{typ: Type{Kind: KindVariant}, elems: []Value{inner}}
}

func (v Value) Byte() byte       { return byte(v.num) }
func (v Value) Bool() bool       { return v.num != 0 }
func (v Value) Int16() int16     { return int16(uint16(v.num)) }
func (v Value) Uint16() uint16   { return uint16(v.num) }
func (v Value) Int32() int32     { return int32(uint32(v.num)) }
func (v Value) Uint32() uint32   { return uint32(v.num) }
func (v Value) Int64() int64     { return int64(v.num) }
func (v Value) Uint64() uint64   { return v.num }
func (v Value) Double() float64  { return float64frombits(v.num) }
func (v Value) UnixFDIndex() uint32 { return uint32(v.num) }
func (v Value) String() string  { return v.str }

func (v Value) ObjectPath() ObjectPath { return ObjectPath(v.str) }

func (v Value) ParsedSignature() Signature {
	sig, _ := ParseSignature(v.str)
	return sig
}

// Array returns the elements of an array value.
func (v Value) Array() []Value { return v.elems }

// Struct returns the fields of a struct value.
func (v Value) Struct() []Value { return v.elems }

// Dict returns the entries of a dict (`a{KV}`) value.
func (v Value) Dict() []DictEntry {
	ret := make([]DictEntry, len(v.elems))
	for i, e := range v.elems {
		ret[i] = DictEntry{Key: e.elems[0], Val: e.elems[1]}
	}
	return ret
}

// Variant returns the inner value of a variant.
func (v Value) Variant() Value { return v.elems[0] }

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func float64bits(f float64) uint64 { return math.Float64bits(f) }

func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

func (v Value) GoString() string {
	return fmt.Sprintf("Value{%s}", v.typ.String())
}
