package dbus

import "context"

// SignalWatcher delivers signals matching a [Match]. Per §5's
// single-threaded model there is no background goroutine pumping
// signals to it: callers must periodically call [SignalWatcher.Poll]
// to drive the read.
type SignalWatcher struct {
	c     *Conn
	match *Match
}

// Watch registers m with the bus and returns a SignalWatcher that
// will report signals matching it.
func (c *Conn) Watch(ctx context.Context, m *Match) (*SignalWatcher, error) {
	if err := c.addMatch(ctx, m); err != nil {
		return nil, err
	}
	return &SignalWatcher{c: c, match: m.clone()}, nil
}

// Close unregisters the watcher's match rule with the bus.
func (w *SignalWatcher) Close(ctx context.Context) error {
	return w.c.removeMatch(ctx, w.match)
}

// Poll returns the next signal matching w's rule, reading from the
// connection (and queueing anything else it encounters along the
// way) until one arrives or timeout elapses.
func (w *SignalWatcher) Poll(ctx context.Context, timeout Timeout) (*Message, []Value, error) {
	for {
		msg, err := w.c.rpc.NextSignal(timeout)
		if err != nil {
			return nil, nil, err
		}
		args, err := msg.Value(ctx)
		if err != nil {
			continue
		}
		if w.match.matches(msg, args) {
			return msg, args, nil
		}
	}
}
