package dbus

import (
	"context"
	"log"
)

// Handler answers one incoming method call. It returns the response
// body, or a non-nil error to have the dispatcher send back a DBus
// error reply instead.
type Handler func(ctx context.Context, call *Message) ([]Value, error)

// HandlerError lets a [Handler] control the DBus error name sent back
// to the caller; a plain error becomes
// "org.freedesktop.DBus.Error.Failed" (§4.9).
type HandlerError struct {
	Name    string
	Message string
}

func (e *HandlerError) Error() string { return e.Name + ": " + e.Message }

const (
	errUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	errUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	errFailed        = "org.freedesktop.DBus.Error.Failed"
)

// dispatchNode is one entry in the object-path tree.
type dispatchNode struct {
	path     ObjectPath
	handlers map[string]Handler // "interface\x00member" -> Handler
}

// Dispatcher routes incoming calls to registered handlers by object
// path, using longest-prefix matching (§4.9): a handler registered at
// "/com/example" also answers calls to "/com/example/sub" unless a
// more specific registration exists.
type Dispatcher struct {
	nodes []*dispatchNode
}

func newDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func handlerKey(iface, member string) string { return iface + "\x00" + member }

// Handle registers fn to answer calls to iface.member at path (and,
// absent a longer match, at any descendant of path).
func (d *Dispatcher) Handle(path ObjectPath, iface, member string, fn Handler) {
	for _, n := range d.nodes {
		if n.path == path {
			n.handlers[handlerKey(iface, member)] = fn
			return
		}
	}
	d.nodes = append(d.nodes, &dispatchNode{
		path:     path,
		handlers: map[string]Handler{handlerKey(iface, member): fn},
	})
}

// lookup finds the handler for iface.member at path, using the
// longest matching registered prefix.
func (d *Dispatcher) lookup(path ObjectPath, iface, member string) (Handler, bool, bool) {
	var best *dispatchNode
	for _, n := range d.nodes {
		if n.path != path && !n.path.IsPrefixOf(path) {
			continue
		}
		if best == nil || len(n.path) > len(best.path) {
			best = n
		}
	}
	if best == nil {
		return nil, false, false
	}
	fn, ok := best.handlers[handlerKey(iface, member)]
	return fn, true, ok
}

// Dispatch runs call through the registered handlers and sends the
// appropriate reply (or error reply) back over rpc. It never panics
// the caller: a handler panic is recovered and turned into a Failed
// error reply, matching the requirement that a single bad handler
// can't take down the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, rpc *RPCConn, call *Message) {
	if call.Kind != MessageCall {
		return
	}

	reply, err := d.invoke(ctx, call)
	if !call.WantReply() {
		return
	}
	if err != nil {
		name, detail := errFailed, err.Error()
		if he, ok := err.(*HandlerError); ok {
			name, detail = he.Name, he.Message
		}
		if herr := rpc.ReplyError(call, name, detail); herr != nil {
			log.Printf("dbus: failed to send error reply: %v", herr)
		}
		return
	}
	if herr := rpc.Reply(call, reply...); herr != nil {
		log.Printf("dbus: failed to send reply: %v", herr)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, call *Message) (reply []Value, err error) {
	fn, objKnown, methodKnown := d.lookup(call.Path, call.Interface, call.Member)
	if !objKnown {
		return nil, &HandlerError{Name: errUnknownObject, Message: string(call.Path) + " is not exported"}
	}
	if !methodKnown {
		return nil, &HandlerError{Name: errUnknownMethod, Message: call.Interface + "." + call.Member + " is not implemented"}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("dbus: handler for %s.%s panicked: %v", call.Interface, call.Member, r)
			err = &HandlerError{Name: errFailed, Message: "internal error"}
		}
	}()
	return fn(ctx, call)
}
