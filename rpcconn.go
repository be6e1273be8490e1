package dbus

import (
	"context"
	"time"

	"github.com/creachadair/mds/queue"
)

// replySlot tracks one outstanding call's reply, per §4.8's "pending
// replies: map serial -> slot (Awaiting | Received(msg))".
type replySlot struct {
	msg *Message // nil while Awaiting
	err error
}

// Filter is a caller-installed predicate that can drop or redirect an
// incoming signal or call before it reaches the signal/call queues.
// Returning false drops the message.
type Filter func(msg *Message) bool

// RPCConn is the request/response correlation layer built atop
// [LowConn] (§4.8). It is not internally synchronized: per §5, the
// receive loop is cooperative — whichever goroutine calls
// [RPCConn.WaitResponse] or [RPCConn.NextSignal] drives the socket
// read for as long as it takes to satisfy its own request, depositing
// anything else it reads along the way into the right queue.
type RPCConn struct {
	low *LowConn

	lastSerial uint32
	pending    map[uint32]*replySlot

	signals *queue.Queue[*Message]
	calls   *queue.Queue[*Message]

	filters []Filter
}

// NewRPCConn builds an RPCConn atop an already-authenticated low-level
// connection.
func NewRPCConn(low *LowConn) *RPCConn {
	return &RPCConn{
		low:     low,
		pending: map[uint32]*replySlot{},
		signals: queue.New[*Message](),
		calls:   queue.New[*Message](),
	}
}

// Close closes the underlying connection.
func (c *RPCConn) Close() error { return c.low.Close() }

// AddFilter installs f to run against every incoming signal/call
// before it's queued. Filters run in installation order; the first to
// return false drops the message.
func (c *RPCConn) AddFilter(f Filter) { c.filters = append(c.filters, f) }

func (c *RPCConn) nextSerial() uint32 {
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial = 1
	}
	return c.lastSerial
}

// SendMessage stamps msg with a fresh monotonic serial (skipping 0,
// wrapping past 2^32-1), sends it, and returns the assigned serial.
// If msg expects a reply, a pending slot is registered so a later
// [RPCConn.WaitResponse] call can collect it even if some other
// caller's WaitResponse happens to read it off the wire first.
func (c *RPCConn) SendMessage(msg *Message) (uint32, error) {
	serial := c.nextSerial()
	if _, exists := c.pending[serial]; exists {
		return 0, errDuplicateSerial(serial)
	}
	msg.Serial = serial

	ticket, err := c.low.SendMessage(msg)
	if err != nil {
		return 0, err
	}
	if err := ticket.WriteAll(); err != nil {
		return 0, err
	}

	if msg.Kind == MessageCall && msg.WantReply() {
		c.pending[serial] = &replySlot{}
	}
	return serial, nil
}

// WaitResponse blocks until the reply (or error) to serial arrives,
// or timeout elapses. It is the read loop: while waiting, any signal
// or unrelated call read off the wire is queued for later retrieval,
// and any reply to a different still-pending call is stashed in that
// call's slot.
func (c *RPCConn) WaitResponse(serial uint32, timeout Timeout) (*Message, error) {
	if slot, ok := c.pending[serial]; ok && slot.msg != nil {
		delete(c.pending, serial)
		return slot.msg, slot.err
	}

	deadline, hasDeadline := timeout.deadline()
	for {
		msg, err := c.low.GetNextMessage(remaining(timeout, deadline, hasDeadline))
		if err != nil {
			return nil, err
		}
		if msg.Kind == MessageReply || msg.Kind == MessageError {
			if msg.ReplySerial == serial {
				delete(c.pending, serial)
				return msg, replyToErr(msg)
			}
			if slot, ok := c.pending[msg.ReplySerial]; ok {
				slot.msg = msg
				slot.err = replyToErr(msg)
				continue
			}
			// Reply to a call we're no longer tracking (cancelled
			// wait, or a stray/duplicate from the bus). Drop it.
			continue
		}
		c.deliverUnsolicited(msg)
	}
}

// replyToErr converts an Error-kind message into a Go error; Reply
// messages carry no error.
func replyToErr(msg *Message) error {
	if msg.Kind != MessageError {
		return nil
	}
	return &CallError{Name: msg.ErrorName, Message: msg}
}

// CallError is returned by [RPCConn.WaitResponse] when the peer
// replies with a DBus error message.
type CallError struct {
	Name    string
	Message *Message
}

func (e *CallError) Error() string { return "dbus error: " + e.Name }

func (c *RPCConn) deliverUnsolicited(msg *Message) {
	for _, f := range c.filters {
		if !f(msg) {
			return
		}
	}
	switch msg.Kind {
	case MessageSignal:
		c.signals.Add(msg)
	case MessageCall:
		c.calls.Add(msg)
	}
}

// NextSignal returns the next queued signal, reading from the wire
// (and queueing anything else encountered) until one arrives or
// timeout elapses.
func (c *RPCConn) NextSignal(timeout Timeout) (*Message, error) {
	return c.nextFromQueue(c.signals, timeout)
}

// NextCall returns the next queued incoming call.
func (c *RPCConn) NextCall(timeout Timeout) (*Message, error) {
	return c.nextFromQueue(c.calls, timeout)
}

func (c *RPCConn) nextFromQueue(q *queue.Queue[*Message], timeout Timeout) (*Message, error) {
	if msg, ok := q.Pop(); ok {
		return msg, nil
	}
	deadline, hasDeadline := timeout.deadline()
	for {
		msg, err := c.low.GetNextMessage(remaining(timeout, deadline, hasDeadline))
		if err != nil {
			return nil, err
		}
		if msg.Kind == MessageReply || msg.Kind == MessageError {
			if slot, ok := c.pending[msg.ReplySerial]; ok {
				slot.msg = msg
				slot.err = replyToErr(msg)
			}
			continue
		}
		c.deliverUnsolicited(msg)
		if m, ok := q.Pop(); ok {
			return m, nil
		}
	}
}

// Reply sends a reply message correlated to req.
func (c *RPCConn) Reply(req *Message, body ...Value) error {
	resp := &Message{Kind: MessageReply, Destination: req.Sender, ReplySerial: req.Serial}
	if err := resp.SetBodyValue(context.Background(), body...); err != nil {
		return err
	}
	_, err := c.SendMessage(resp)
	return err
}

// ReplyError sends an error reply correlated to req.
func (c *RPCConn) ReplyError(req *Message, name, detail string) error {
	resp := &Message{Kind: MessageError, Destination: req.Sender, ReplySerial: req.Serial, ErrorName: name}
	if detail != "" {
		if err := resp.SetBodyValue(context.Background(), NewString(detail)); err != nil {
			return err
		}
	}
	_, err := c.SendMessage(resp)
	return err
}

// remaining computes the Timeout to pass to the next GetNextMessage
// call given an overall deadline, so a Duration timeout is correctly
// apportioned across multiple non-matching reads instead of being
// reapplied in full each time.
func remaining(orig Timeout, deadline time.Time, hasDeadline bool) Timeout {
	if !hasDeadline {
		return orig
	}
	left := time.Until(deadline)
	if left <= 0 {
		left = 0
	}
	return Duration(left)
}
