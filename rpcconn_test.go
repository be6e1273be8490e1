package dbus

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"
)

// fakeTransport adapts a net.Conn (here, one end of a unix socket pair) to
// transport.Transport for tests that don't need real FD passing.
type fakeTransport struct {
	net.Conn
}

func (f *fakeTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, nil
}

func (f *fakeTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	return f.Write(bs)
}

func newRPCConnPipe(t *testing.T) (a, b *RPCConn) {
	t.Helper()
	// A kernel socket pair buffers writes, so a test can send a message
	// before the peer starts reading; net.Pipe would block that send.
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	var conns [2]net.Conn
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		conns[i] = c
	}
	ca, cb := conns[0], conns[1]
	t.Cleanup(func() { ca.Close(); cb.Close() })
	loA := NewLowConn(&fakeTransport{ca})
	loB := NewLowConn(&fakeTransport{cb})
	return NewRPCConn(loA), NewRPCConn(loB)
}

func TestRPCConnSerialSkipsZeroAndWraps(t *testing.T) {
	c := &RPCConn{pending: map[uint32]*replySlot{}}
	if got := c.nextSerial(); got != 1 {
		t.Fatalf("first serial = %d, want 1", got)
	}
	c.lastSerial = ^uint32(0) // 0xFFFFFFFF
	if got := c.nextSerial(); got != 1 {
		t.Fatalf("serial after wraparound = %d, want 1 (0 must be skipped)", got)
	}
}

func TestRPCConnCallReplyRoundTrip(t *testing.T) {
	client, server := newRPCConnPipe(t)

	call := &Message{Kind: MessageCall, Path: "/test", Interface: "org.test", Member: "Do"}
	if err := call.SetBodyValue(context.Background(), NewString("ping")); err != nil {
		t.Fatalf("SetBodyValue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		serial, err := client.SendMessage(call)
		if err != nil {
			done <- err
			return
		}
		reply, err := client.WaitResponse(serial, Duration(2*time.Second))
		if err != nil {
			done <- err
			return
		}
		args, err := reply.Value(context.Background())
		if err != nil {
			done <- err
			return
		}
		if len(args) != 1 || args[0].String() != "pong" {
			done <- errSignatureMismatch("pong", args[0].String())
			return
		}
		done <- nil
	}()

	req, err := server.NextCall(Duration(2 * time.Second))
	if err != nil {
		t.Fatalf("server NextCall: %v", err)
	}
	if req.Member != "Do" {
		t.Fatalf("unexpected member: %q", req.Member)
	}
	if err := server.Reply(req, NewString("pong")); err != nil {
		t.Fatalf("server Reply: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("client goroutine: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for round trip")
	}
}

func TestRPCConnWaitResponseStashesSignalAndUnrelatedReply(t *testing.T) {
	client, server := newRPCConnPipe(t)

	callA := &Message{Kind: MessageCall, Path: "/test", Interface: "org.test", Member: "A"}
	callB := &Message{Kind: MessageCall, Path: "/test", Interface: "org.test", Member: "B"}

	serialA, err := client.SendMessage(callA)
	if err != nil {
		t.Fatalf("SendMessage A: %v", err)
	}
	serialB, err := client.SendMessage(callB)
	if err != nil {
		t.Fatalf("SendMessage B: %v", err)
	}

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		reqA, err := server.NextCall(Duration(2 * time.Second))
		if err != nil {
			t.Errorf("server NextCall A: %v", err)
			return
		}
		reqB, err := server.NextCall(Duration(2 * time.Second))
		if err != nil {
			t.Errorf("server NextCall B: %v", err)
			return
		}
		sig := &Message{Kind: MessageSignal, Path: "/test", Interface: "org.test", Member: "Happened"}
		if _, err := server.SendMessage(sig); err != nil {
			t.Errorf("server signal send: %v", err)
			return
		}
		// Reply to B before A, so A's WaitResponse must stash B's reply.
		if err := server.Reply(reqB, NewString("b")); err != nil {
			t.Errorf("server Reply B: %v", err)
			return
		}
		if err := server.Reply(reqA, NewString("a")); err != nil {
			t.Errorf("server Reply A: %v", err)
			return
		}
	}()

	replyA, err := client.WaitResponse(serialA, Duration(2*time.Second))
	if err != nil {
		t.Fatalf("WaitResponse A: %v", err)
	}
	argsA, _ := replyA.Value(context.Background())
	if len(argsA) != 1 || argsA[0].String() != "a" {
		t.Fatalf("unexpected reply A body: %#v", argsA)
	}

	replyB, err := client.WaitResponse(serialB, Duration(2*time.Second))
	if err != nil {
		t.Fatalf("WaitResponse B: %v", err)
	}
	argsB, _ := replyB.Value(context.Background())
	if len(argsB) != 1 || argsB[0].String() != "b" {
		t.Fatalf("unexpected reply B body: %#v", argsB)
	}

	sig, err := client.NextSignal(Duration(2 * time.Second))
	if err != nil {
		t.Fatalf("NextSignal: %v", err)
	}
	if sig.Member != "Happened" {
		t.Fatalf("unexpected signal: %#v", sig)
	}

	<-recvDone
}

func TestRPCConnSendMessageRejectsDuplicateSerial(t *testing.T) {
	c := &RPCConn{pending: map[uint32]*replySlot{1: {}}, lastSerial: 0}
	_, err := c.SendMessage(&Message{Kind: MessageSignal, Path: "/a", Interface: "org.test", Member: "M"})
	if !IsKind(err, KindDuplicateSerial) {
		t.Fatalf("expected KindDuplicateSerial, got %v", err)
	}
}

func TestRPCConnReplyErrorCarriesDetail(t *testing.T) {
	client, server := newRPCConnPipe(t)

	call := &Message{Kind: MessageCall, Path: "/test", Interface: "org.test", Member: "Boom"}
	serial, err := client.SendMessage(call)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	go func() {
		req, err := server.NextCall(Duration(2 * time.Second))
		if err != nil {
			t.Errorf("server NextCall: %v", err)
			return
		}
		if err := server.ReplyError(req, "org.test.Error.Failed", "kaboom"); err != nil {
			t.Errorf("server ReplyError: %v", err)
		}
	}()

	_, err = client.WaitResponse(serial, Duration(2*time.Second))
	var callErr *CallError
	if err == nil {
		t.Fatal("expected an error reply")
	}
	if ce, ok := err.(*CallError); ok {
		callErr = ce
	} else {
		t.Fatalf("expected *CallError, got %T: %v", err, err)
	}
	if callErr.Name != "org.test.Error.Failed" {
		t.Fatalf("unexpected error name: %q", callErr.Name)
	}
}
