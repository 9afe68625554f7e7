package crpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type EchoArgs struct {
	Text string `cbor:"1,keyasint,omitempty"`
}

type EchoReply struct {
	Text string `cbor:"1,keyasint,omitempty"`
}

type Echo struct{}

func (e *Echo) Say(args *EchoArgs, reply *EchoReply) error {
	reply.Text = args.Text
	return nil
}

func (e *Echo) Fail(args *EchoArgs, reply *EchoReply) error {
	return errors.New("echo failure: " + args.Text)
}

func startEchoServer(t *testing.T) (addr string, cancel context.CancelFunc) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(l)
	if err := srv.Register(&Echo{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	return l.Addr().String(), cancel
}

func TestCallRoundTrip(t *testing.T) {
	addr, cancel := startEchoServer(t)
	defer cancel()

	client, err := Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCall()

	reply := &EchoReply{}
	if err := client.Call(ctx, "Echo.Say", &EchoArgs{Text: "hello"}, reply); err != nil {
		t.Fatal(err)
	}
	if reply.Text != "hello" {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}

	// Several sequential calls over one connection.
	for i := 0; i < 3; i++ {
		reply := &EchoReply{}
		if err := client.Call(ctx, "Echo.Say", &EchoArgs{Text: "again"}, reply); err != nil {
			t.Fatal(err)
		}
		if reply.Text != "again" {
			t.Fatalf("unexpected reply: %q", reply.Text)
		}
	}
}

func TestCallPropagatesServerError(t *testing.T) {
	addr, cancel := startEchoServer(t)
	defer cancel()

	client, err := DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCall()

	err = client.Call(ctx, "Echo.Fail", &EchoArgs{Text: "boom"}, &EchoReply{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if err.Error() != "echo failure: boom" {
		t.Fatalf("error text did not survive the wire: %q", err)
	}
	var se ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected a ServerError, got %T", err)
	}
}

func TestCallHonorsContext(t *testing.T) {
	// A listener that accepts but never answers.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	client, err := Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancelCall := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelCall()

	err = client.Call(ctx, "Echo.Say", &EchoArgs{Text: "x"}, &EchoReply{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
