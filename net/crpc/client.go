package crpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// ServerError is an error string carried back from the remote side. Typed
// errors do not survive the wire; callers match on the stable error text.
type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

var ErrShutdown = errors.New("connection is shut down")

// Call represents an active RPC.
type Call struct {
	ServiceMethod string     // The name of the service and method to call.
	Args          any        // The argument to the function (*struct).
	Reply         any        // The reply from the function (*struct).
	Error         error      // After completion, the error status.
	Done          chan *Call // Receives *Call when the call is complete.
}

type Client struct {
	conn     io.ReadWriteCloser
	mutex    sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*Call
	closing  bool // user has called Close
	shutdown bool // the read loop has terminated
}

func NewClient(conn io.ReadWriteCloser) *Client {
	client := &Client{
		conn:    conn,
		pending: make(map[uint64]*Call),
	}
	go client.input()
	return client
}

// Dial connects to an RPC server at the specified network address.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// DialTimeout is Dial with a bound on connection establishment.
func DialTimeout(network, address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func (client *Client) send(call *Call) {
	// Register this call.
	client.mutex.Lock()
	if client.closing || client.shutdown {
		client.mutex.Unlock()
		call.Error = ErrShutdown
		call.done()
		return
	}
	seq := client.seq
	client.seq++
	client.pending[seq] = call
	client.mutex.Unlock()

	// Encode and send the request.
	req := &RequestHeader{
		Method: call.ServiceMethod,
		Seq:    seq,
	}

	encoder := cbor.NewEncoder(client.conn)
	err := encoder.Encode(req)
	if err == nil {
		err = encoder.Encode(call.Args)
	}

	// If either request encoding fails, remove the call from the pending map.
	if err != nil {
		client.mutex.Lock()
		delete(client.pending, seq)
		client.mutex.Unlock()
		call.Error = err
		call.done()
	}
}

func (call *Call) done() {
	select {
	case call.Done <- call:
		// ok
	default:
		// Never block here; Go() guarantees buffer space.
		log.Debugf("crpc: discarding Call reply due to insufficient Done chan capacity")
	}
}

func (client *Client) input() {
	var err error

	decoder := cbor.NewDecoder(client.conn)
	for err == nil {
		response := ResponseHeader{}
		err = decoder.Decode(&response)
		if err != nil {
			break
		}

		seq := response.Seq

		client.mutex.Lock()
		call := client.pending[seq]
		delete(client.pending, seq)
		client.mutex.Unlock()

		switch {
		case call == nil:
			// No pending call: the request write partially failed and the
			// call was already removed. Consume the body if one follows.
			if response.Err == "" {
				var dummy interface{}
				if e := decoder.Decode(&dummy); e != nil {
					err = e
				}
			}
			log.Warnf("crpc: received reply for unknown sequence %d, discarding", seq)

		case response.Err != "":
			call.Error = ServerError(response.Err)
			call.done()

		default:
			err = decoder.Decode(call.Reply)
			if err != nil {
				call.Error = err
			}
			call.done()
		}
	}

	// Terminate pending calls
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.shutdown = true
	shutdownError := err
	if client.closing || err == io.EOF || errors.Is(err, net.ErrClosed) {
		shutdownError = ErrShutdown
	}

	if err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
		log.Warnf("crpc: client input loop error: %v", err)
	}

	for _, call := range client.pending {
		call.Error = shutdownError
		call.done()
	}
	client.pending = make(map[uint64]*Call)
}

// Go invokes the function asynchronously. It returns the Call structure
// representing the invocation. If done is nil, Go allocates a new channel;
// if non-nil, done must be buffered.
func (client *Client) Go(serviceMethod string, args any, reply any, done chan *Call) *Call {
	call := new(Call)
	call.ServiceMethod = serviceMethod
	call.Args = args
	call.Reply = reply
	if done == nil {
		done = make(chan *Call, 1)
	}
	call.Done = done
	client.send(call)
	return call
}

// Call invokes the named function and waits for it to complete or for the
// context to be cancelled, whichever comes first.
func (client *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	call := client.Go(serviceMethod, args, reply, make(chan *Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-call.Done:
		return resp.Error
	}
}

// Close calls the underlying connection's Close method.
// If the connection is already shutting down, ErrShutdown is returned.
func (client *Client) Close() error {
	client.mutex.Lock()
	if client.closing {
		client.mutex.Unlock()
		return ErrShutdown
	}
	client.closing = true
	client.mutex.Unlock()
	return client.conn.Close() // unblocks client.input()
}
