package dbus

import "context"

// Peer is a remote bus client, identified by its unique or
// well-known bus name.
type Peer struct {
	c    *Conn
	name string
}

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

// Conn returns the connection the peer was obtained from.
func (p Peer) Conn() *Conn { return p.c }

// Object returns a handle to one of the peer's exported objects.
func (p Peer) Object(path ObjectPath) Object {
	return Object{c: p.c, peer: p.name, path: path}
}

// Ping checks that the peer is alive and responding.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.c.Call(ctx, p.name, "/", "org.freedesktop.DBus.Peer", "Ping", nil, Infinite())
	return err
}

// MachineID returns the peer's host's unique machine identifier.
func (p Peer) MachineID(ctx context.Context) (string, error) {
	resp, err := p.c.Call(ctx, p.name, "/", "org.freedesktop.DBus.Peer", "GetMachineId", nil, Infinite())
	if err != nil {
		return "", err
	}
	if len(resp) != 1 {
		return "", errSignatureMismatch("s", signatureOfArgs(resp))
	}
	return resp[0].String(), nil
}
