package dbus

import "context"

// Object is one object path exported by a [Peer].
type Object struct {
	c    *Conn
	peer string
	path ObjectPath
}

// Conn returns the connection the object was obtained from.
func (o Object) Conn() *Conn { return o.c }

// Peer returns the peer exporting the object.
func (o Object) Peer() Peer { return Peer{c: o.c, name: o.peer} }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

// Interface returns a handle to one of the object's interfaces.
func (o Object) Interface(name string) Interface {
	return Interface{o: o, name: name}
}

// Compare compares two objects, with the same convention as
// [cmp.Compare].
func (o Object) Compare(other Object) int {
	if o.peer != other.peer {
		if o.peer < other.peer {
			return -1
		}
		return 1
	}
	if o.path == other.path {
		return 0
	}
	if o.path < other.path {
		return -1
	}
	return 1
}

func (o Object) String() string { return o.peer + string(o.path) }

// Introspect returns the object's introspection XML document, as a
// raw string. Parsing it into a structured description is out of
// scope for this library (see DESIGN.md).
func (o Object) Introspect(ctx context.Context) (string, error) {
	resp, err := o.c.Call(ctx, o.peer, o.path, "org.freedesktop.DBus.Introspectable", "Introspect", nil, Infinite())
	if err != nil {
		return "", err
	}
	if len(resp) != 1 {
		return "", errSignatureMismatch("s", signatureOfArgs(resp))
	}
	return resp[0].String(), nil
}
