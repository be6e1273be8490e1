package dbus

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/KillingSpark/rustbus/fragments"
	"github.com/KillingSpark/rustbus/transport"
)

// Timeout controls how long a blocking read (get_next_message,
// wait_response) may wait before giving up. Sending takes no Timeout.
type Timeout struct {
	infinite bool
	nonblock bool
	d        time.Duration
}

// Infinite waits forever.
func Infinite() Timeout { return Timeout{infinite: true} }

// Nonblock returns immediately with [KindWouldBlock] if the operation
// cannot complete without waiting.
func Nonblock() Timeout { return Timeout{nonblock: true} }

// Duration waits up to d before failing with [KindTimeout].
func Duration(d time.Duration) Timeout { return Timeout{d: d} }

func (t Timeout) deadline() (time.Time, bool) {
	if t.infinite || t.nonblock {
		return time.Time{}, false
	}
	return time.Now().Add(t.d), true
}

// LowConn is the low-level duplex DBus connection: it knows how to
// frame whole messages on top of a [transport.Transport], but has no
// notion of serials, pending calls, or dispatch. See §4.7.
//
// LowConn is not internally synchronized (§5): callers needing
// concurrent senders must add their own mutual exclusion.
type LowConn struct {
	t        transport.Transport
	order    fragments.ByteOrder
	poisoned error
}

// NewLowConn wraps an already-authenticated transport.
func NewLowConn(t transport.Transport) *LowConn {
	return &LowConn{t: t, order: fragments.NativeEndian}
}

// Close closes the underlying transport.
func (c *LowConn) Close() error { return c.t.Close() }

// Poisoned reports the error that poisoned the connection, if any.
func (c *LowConn) Poisoned() error { return c.poisoned }

// WriteTicket is a resumable in-flight send. Partial writes (e.g. the
// kernel socket buffer filling up) leave the ticket holding its
// offset; callers must either drive it to completion with
// [WriteTicket.Write] or call [WriteTicket.Abort], which poisons the
// connection so a truncated message can never desync the peer.
type WriteTicket struct {
	c      *LowConn
	buf    []byte
	fds    []*os.File
	offset int
	fdsSent bool
}

// SendMessage marshals msg and returns a [WriteTicket] for streaming
// it to the peer. msg.Body/Signature/fds must already be set (see
// [Message.SetBody]).
func (c *LowConn) SendMessage(msg *Message) (*WriteTicket, error) {
	if c.poisoned != nil {
		return nil, errConnectionBroken()
	}
	if len(msg.fds) > maxFdsPerMessage {
		return nil, errTooManyFds(len(msg.fds))
	}
	hdr, err := msg.marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(hdr)+len(msg.Body))
	buf = append(buf, hdr...)
	buf = append(buf, msg.Body...)
	return &WriteTicket{c: c, buf: buf, fds: msg.fds}, nil
}

// Write drives the ticket forward, writing as much as the transport
// accepts in one call. It returns (true, nil) once the whole message
// has been written. On any write error, the connection is poisoned
// automatically (the message desynced the peer and cannot be
// un-sent).
func (t *WriteTicket) Write() (done bool, err error) {
	if t.offset >= len(t.buf) {
		return true, nil
	}
	var n int
	if !t.fdsSent {
		n, err = t.c.t.WriteWithFiles(t.buf[t.offset:], t.fds)
		t.fdsSent = true
	} else {
		n, err = t.c.t.Write(t.buf[t.offset:])
	}
	t.offset += n
	if err != nil {
		t.c.poison(err)
		return false, errIo(err)
	}
	return t.offset >= len(t.buf), nil
}

// WriteAll drives the ticket to completion, blocking as needed.
func (t *WriteTicket) WriteAll() error {
	for {
		done, err := t.Write()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Abort marks the connection poisoned without attempting further
// writes, for callers that decide not to finish a partially-sent
// message (e.g. because the context was cancelled). Per §4.7 this is
// the only safe way to walk away from an in-flight ticket: resuming
// later, or starting a new send, would interleave bytes with the
// truncated one and desync the peer.
func (t *WriteTicket) Abort() {
	if t.offset > 0 && t.offset < len(t.buf) {
		t.c.poison(errors.New("write ticket aborted mid-message"))
	}
}

func (c *LowConn) poison(cause error) {
	if c.poisoned == nil {
		c.poisoned = &Error{Kind: KindConnectionBroken, Reason: cause.Error()}
	}
}

// GetNextMessage reads one complete message from the peer, honoring
// timeout. See §4.7 for the framing algorithm.
func (c *LowConn) GetNextMessage(timeout Timeout) (*Message, error) {
	if c.poisoned != nil {
		return nil, errConnectionBroken()
	}

	if timeout.nonblock {
		if err := c.t.SetReadDeadline(time.Now()); err != nil {
			return nil, errIo(err)
		}
	} else if deadline, ok := timeout.deadline(); ok {
		if err := c.t.SetReadDeadline(deadline); err != nil {
			return nil, errIo(err)
		}
	} else {
		if err := c.t.SetReadDeadline(time.Time{}); err != nil {
			return nil, errIo(err)
		}
	}

	for {
		msg, err := c.readOneMessage()
		if err == nil {
			return msg, nil
		}
		if isTimeoutErr(err) {
			if timeout.nonblock {
				return nil, errWouldBlock()
			}
			return nil, errTimeout()
		}
		if isEINTR(err) {
			continue
		}
		return nil, err
	}
}

func (c *LowConn) readOneMessage() (*Message, error) {
	dec := &fragments.Decoder{Order: c.order, In: c.t}
	msg, bodyLen, err := unmarshalHeader(dec)
	if err != nil {
		return nil, err
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.t, body); err != nil {
			return nil, errIo(err)
		}
	}
	msg.Body = body
	msg.Order = dec.Order

	fds, err := c.t.GetFiles(int(msg.numFdsDeclared))
	if err != nil {
		// Declared more FDs than actually arrived as ancillary data;
		// tolerate it (the peer may have failed to attach them) by
		// proceeding with whatever we have, consistent with §5's
		// "never leak FDs on any error path" but without treating a
		// short FD delivery as fatal to the connection.
		fds = nil
	}
	msg.fds = fds

	return msg, nil
}

func isTimeoutErr(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	var dbusErr *Error
	if errors.As(err, &dbusErr) {
		var ne2 interface{ Timeout() bool }
		if errors.As(dbusErr.Err, &ne2) {
			return ne2.Timeout()
		}
	}
	return false
}

func isEINTR(err error) bool {
	return errors.Is(err, errEINTR)
}

// errEINTR is never actually produced by Go's net package (which
// retries EINTR internally), but get_next_message's retry loop
// handles it explicitly per §4.7 in case a future Transport
// implementation surfaces it.
var errEINTR = errors.New("interrupted system call")
