package dbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/KillingSpark/rustbus/transport"
)

const (
	ifaceBus   = "org.freedesktop.DBus"
	pathBus    = ObjectPath("/org/freedesktop/DBus")
	ifaceProps = "org.freedesktop.DBus.Properties"
)

// Conn is a DBus connection: the RPC correlation layer plus a
// dispatcher for incoming calls. Per spec §5, Conn is not internally
// synchronized; callers driving it from multiple goroutines must
// supply their own mutual exclusion, same as [RPCConn].
type Conn struct {
	rpc    *RPCConn
	disp   *Dispatcher
	unique string
}

// SystemBus connects to the well-known system bus
// (/var/run/dbus/system_bus_socket, or $DBUS_SYSTEM_BUS_ADDRESS if
// set).
func SystemBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = "unix:path=/var/run/dbus/system_bus_socket"
	}
	return Dial(ctx, addr)
}

// SessionBus connects to the bus named by $DBUS_SESSION_BUS_ADDRESS.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return Dial(ctx, addr)
}

// Dial connects to the bus at addr, an address string per spec §6:
// one or more semicolon-separated "transport:key=value,..." entries.
// Only the unix transport is supported, via its path/abstract/tmpdir
// keys.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	path, err := parseUnixAddress(addr)
	if err != nil {
		return nil, err
	}
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	return newConn(ctx, t)
}

// parseUnixAddress extracts a socket path from the first unix:
// transport entry in addr, per spec §6's path/abstract/tmpdir keys.
// tmpdir is not directly dialable (it names a directory the server
// picks a socket name within at listen time, not at connect time);
// supporting it would require directory-listing heuristics outside
// this library's scope, so it's rejected with a clear error instead
// of silently failing to connect.
func parseUnixAddress(addr string) (string, error) {
	for _, entry := range strings.Split(addr, ";") {
		if !strings.HasPrefix(entry, "unix:") {
			continue
		}
		for _, kv := range strings.Split(strings.TrimPrefix(entry, "unix:"), ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			switch k {
			case "path":
				return v, nil
			case "abstract":
				return "@" + v, nil
			case "tmpdir":
				return "", fmt.Errorf("unix:tmpdir= addresses are not dialable directly: %q", entry)
			}
		}
	}
	return "", fmt.Errorf("no dialable unix: transport found in address %q", addr)
}

func newConn(ctx context.Context, t transport.Transport) (*Conn, error) {
	low := NewLowConn(t)
	c := &Conn{
		rpc:  NewRPCConn(low),
		disp: newDispatcher(),
	}

	unique, err := c.callBus(ctx, "Hello", nil)
	if err != nil {
		c.Close()
		return nil, err
	}
	if len(unique) != 1 || unique[0].Type().Kind != KindString {
		c.Close()
		return nil, errors.New("Hello did not return a unique connection name")
	}
	c.unique = unique[0].String()
	return c, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.rpc.Close() }

// Name returns this connection's unique bus name, as assigned by the
// bus during the initial Hello call.
func (c *Conn) Name() string { return c.unique }

// Dispatcher returns the object-path dispatcher for registering
// method-call handlers with [Dispatcher.Handle].
func (c *Conn) Dispatcher() *Dispatcher { return c.disp }

// HandleCalls drains and dispatches any incoming method calls already
// queued (or arriving within timeout), replying to each in turn. It
// never blocks past timeout; call it periodically from whatever loop
// drives this Conn.
func (c *Conn) HandleCalls(ctx context.Context, timeout Timeout) error {
	for {
		call, err := c.rpc.NextCall(timeout)
		if err != nil {
			if IsKind(err, KindWouldBlock) || IsKind(err, KindTimeout) {
				return nil
			}
			return err
		}
		c.disp.Dispatch(ctx, c.rpc, call)
		timeout = Nonblock()
	}
}

// Peer returns a handle to the bus peer with the given name.
func (c *Conn) Peer(name string) Peer { return Peer{c: c, name: name} }

// Call invokes method on iface at path, hosted by the peer named
// dest, and returns its response arguments.
func (c *Conn) Call(ctx context.Context, dest string, path ObjectPath, iface, method string, args []Value, timeout Timeout) ([]Value, error) {
	call := &Message{
		Kind:        MessageCall,
		Path:        path,
		Interface:   iface,
		Member:      method,
		Destination: dest,
	}
	if err := call.SetBodyValue(ctx, args...); err != nil {
		return nil, err
	}
	serial, err := c.rpc.SendMessage(call)
	if err != nil {
		return nil, err
	}
	reply, err := c.rpc.WaitResponse(serial, timeout)
	if err != nil {
		return nil, err
	}
	return reply.Value(ctx)
}

// CallOneWay invokes method on iface at path without waiting for (or
// requesting) a reply.
func (c *Conn) CallOneWay(ctx context.Context, dest string, path ObjectPath, iface, method string, args []Value) error {
	call := &Message{
		Kind:        MessageCall,
		Path:        path,
		Interface:   iface,
		Member:      method,
		Destination: dest,
		Flags:       FlagNoReplyExpected,
	}
	if err := call.SetBodyValue(ctx, args...); err != nil {
		return err
	}
	_, err := c.rpc.SendMessage(call)
	return err
}

// Emit sends a signal from path/iface/member to every subscribed
// peer.
func (c *Conn) Emit(ctx context.Context, path ObjectPath, iface, member string, args []Value) error {
	sig := &Message{
		Kind:      MessageSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
	if err := sig.SetBodyValue(ctx, args...); err != nil {
		return err
	}
	_, err := c.rpc.SendMessage(sig)
	return err
}

func (c *Conn) callBus(ctx context.Context, method string, args []Value) ([]Value, error) {
	return c.Call(ctx, ifaceBus, pathBus, ifaceBus, method, args, Infinite())
}

// NameRequestFlags control [Conn.RequestName]'s behavior when the
// requested name already has an owner.
type NameRequestFlags uint32

const (
	FlagAllowReplacement NameRequestFlags = 1 << 0
	FlagReplaceExisting  NameRequestFlags = 1 << 1
	FlagDoNotQueue       NameRequestFlags = 1 << 2
)

// RequestName asks the bus to assign an additional name to this
// connection. See the DBus specification's RequestName method for the
// full queueing semantics; isPrimaryOwner reports whether this
// connection became (or already was) the name's primary owner.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	resp, err := c.callBus(ctx, "RequestName", []Value{NewString(name), NewUint32(uint32(flags))})
	if err != nil {
		return false, err
	}
	if len(resp) != 1 {
		return false, errors.New("unexpected RequestName response shape")
	}
	switch resp[0].Uint32() {
	case 1, 4:
		return true, nil
	case 2:
		return false, nil
	case 3:
		return false, errors.New("requested name not available")
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp[0].Uint32())
	}
}

// ReleaseName gives up a name previously acquired with RequestName.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.callBus(ctx, "ReleaseName", []Value{NewString(name)})
	return err
}

// Peers lists every connected peer's bus name.
func (c *Conn) Peers(ctx context.Context) ([]Peer, error) {
	return c.peerList(ctx, "ListNames")
}

// ActivatablePeers lists every bus-activatable service name.
func (c *Conn) ActivatablePeers(ctx context.Context) ([]Peer, error) {
	return c.peerList(ctx, "ListActivatableNames")
}

func (c *Conn) peerList(ctx context.Context, method string) ([]Peer, error) {
	resp, err := c.callBus(ctx, method, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) != 1 {
		return nil, fmt.Errorf("unexpected %s response shape", method)
	}
	names := resp[0].Array()
	ret := make([]Peer, len(names))
	for i, n := range names {
		ret[i] = c.Peer(n.String())
	}
	return ret, nil
}

// BusID returns the bus's unique, randomly-generated identifier.
func (c *Conn) BusID(ctx context.Context) (string, error) {
	resp, err := c.callBus(ctx, "GetId", nil)
	if err != nil {
		return "", err
	}
	if len(resp) != 1 {
		return "", errors.New("unexpected GetId response shape")
	}
	return resp[0].String(), nil
}

// Features lists the optional bus features the daemon supports.
func (c *Conn) Features(ctx context.Context) ([]string, error) {
	resp, err := c.Call(ctx, ifaceBus, pathBus, ifaceProps, "Get",
		[]Value{NewString(ifaceBus), NewString("Features")}, Infinite())
	if err != nil {
		return nil, err
	}
	if len(resp) != 1 || resp[0].Type().Kind != KindVariant {
		return nil, errors.New("unexpected Get response shape")
	}
	features := resp[0].Variant()
	if features.Type().Kind != KindArray || features.Type().Elem.Kind != KindString {
		return nil, errors.New("Features property has unexpected type")
	}
	out := make([]string, len(features.Array()))
	for i, v := range features.Array() {
		out[i] = v.String()
	}
	return out, nil
}

func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	_, err := c.callBus(ctx, "AddMatch", []Value{NewString(m.filterString())})
	return err
}

func (c *Conn) removeMatch(ctx context.Context, m *Match) error {
	_, err := c.callBus(ctx, "RemoveMatch", []Value{NewString(m.filterString())})
	return err
}

// NameOwnerChanged is the org.freedesktop.DBus.NameOwnerChanged
// signal: name changed hands from prev to new (either may be empty,
// meaning the name had no owner before/after).
type NameOwnerChanged struct {
	Name, Prev, New string
}

// DecodeNameOwnerChanged reads a NameOwnerChanged signal's body.
func DecodeNameOwnerChanged(args []Value) (NameOwnerChanged, error) {
	if len(args) != 3 {
		return NameOwnerChanged{}, errSignatureMismatch("sss", signatureOfArgs(args))
	}
	return NameOwnerChanged{Name: args[0].String(), Prev: args[1].String(), New: args[2].String()}, nil
}

// NameLost is sent to a connection that just lost ownership of name.
type NameLost struct{ Name string }

// NameAcquired is sent to a connection that just gained ownership of
// name.
type NameAcquired struct{ Name string }

// PropertiesChanged is the org.freedesktop.DBus.Properties.
// PropertiesChanged signal.
type PropertiesChanged struct {
	Interface   string
	Changed     map[string]Value
	Invalidated []string
}

// DecodePropertiesChanged reads a PropertiesChanged signal's body.
func DecodePropertiesChanged(args []Value) (PropertiesChanged, error) {
	if len(args) != 3 {
		return PropertiesChanged{}, errSignatureMismatch("sa{sv}as", signatureOfArgs(args))
	}
	out := PropertiesChanged{Interface: args[0].String(), Changed: map[string]Value{}}
	for _, e := range args[1].Dict() {
		out.Changed[e.Key.String()] = e.Val.Variant()
	}
	for _, v := range args[2].Array() {
		out.Invalidated = append(out.Invalidated, v.String())
	}
	return out, nil
}

func signatureOfArgs(args []Value) string {
	sig := make(Signature, len(args))
	for i, v := range args {
		sig[i] = v.Type()
	}
	return sig.String()
}
