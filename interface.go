package dbus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Compare compares two interfaces, with the same convention as [cmp.Compare].
func (f Interface) Compare(other Interface) int {
	if ret := f.Object().Compare(other.Object()); ret != 0 {
		return ret
	}
	return cmp.Compare(f.Name(), other.Name())
}

// Call calls method on the interface with the given arguments, and
// returns the response arguments.
//
// This is a low-level calling API: args must already match the
// signature the method expects.
func (f Interface) Call(ctx context.Context, method string, args []Value, timeout Timeout) ([]Value, error) {
	return f.Conn().Call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, args, timeout)
}

// OneWay calls method on the interface and tells the peer not to send
// a reply.
func (f Interface) OneWay(ctx context.Context, method string, args []Value) error {
	return f.Conn().CallOneWay(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, args)
}

// GetProperty reads the value of the given property, unwrapped from
// the variant it is sent in.
func (f Interface) GetProperty(ctx context.Context, name string) (Value, error) {
	resp, err := f.Object().Interface(ifaceProps).Call(ctx, "Get",
		[]Value{NewString(f.name), NewString(name)}, Infinite())
	if err != nil {
		return Value{}, err
	}
	if len(resp) != 1 || resp[0].Type().Kind != KindVariant {
		return Value{}, errors.New("unexpected Get response shape")
	}
	return resp[0].Variant(), nil
}

// SetProperty sets the given property to value, boxed as a variant.
func (f Interface) SetProperty(ctx context.Context, name string, value Value) error {
	_, err := f.Object().Interface(ifaceProps).Call(ctx, "Set",
		[]Value{NewString(f.name), NewString(name), NewVariant(value)}, Infinite())
	return err
}

// GetAllProperties returns every property exported by the interface,
// each unwrapped from the variant it is sent in.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]Value, error) {
	resp, err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll",
		[]Value{NewString(f.name)}, Infinite())
	if err != nil {
		return nil, err
	}
	if len(resp) != 1 {
		return nil, errors.New("unexpected GetAll response shape")
	}
	out := map[string]Value{}
	for _, e := range resp[0].Dict() {
		out[e.Key.String()] = e.Val.Variant()
	}
	return out, nil
}
