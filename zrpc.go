package p8

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Typed RPC over the transport: a DEALER client sends
// {id, method, args} maps to a ROUTER server and receives
// {id, success, value|condition} replies. Calls are idempotent at the
// server per caller-supplied id.

// ErrRPCRejected carries the condition of a failed call.
type ErrRPCRejected struct{ Condition string }

func (e ErrRPCRejected) Error() string { return "rpc rejected: " + e.Condition }

// ErrRPCTimeout means no reply arrived in time.
type ErrRPCTimeout struct{}

func (ErrRPCTimeout) Error() string { return "rpc timeout" }

// RPCClient issues calls over a DEALER socket.
type RPCClient struct {
	sock *Socket

	mu      sync.Mutex
	pending map[string]chan map[string]interface{}
	nextID  uint64
	closed  bool
}

// NewRPCClient connects a client to spec.
func NewRPCClient(t *Transport, spec string) (*RPCClient, error) {
	sock, err := t.Dealer(spec, false)
	if err != nil {
		return nil, err
	}
	c := &RPCClient{
		sock:    sock,
		pending: map[string]chan map[string]interface{}{},
	}
	go c.readLoop()
	return c, nil
}

// Close shuts the client down.
func (c *RPCClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.sock.Close()
}

func (c *RPCClient) readLoop() {
	for {
		frames, err := c.sock.Recv()
		if err != nil {
			return
		}
		if len(frames) == 0 {
			continue
		}
		payload := frames[len(frames)-1]
		if len(payload) < 1 || payload[0] != 'T' {
			continue
		}
		v, _, err := TnetDecode(payload[1:])
		if err != nil {
			slog.Warn("rpc: invalid reply, dropping", "error", err)
			continue
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := optString(m, "id")

		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()

		if ch != nil {
			ch <- m
		}
	}
}

// Call invokes method with args and waits up to timeout for the value.
func (c *RPCClient) Call(method string, args map[string]interface{}, timeout time.Duration) (interface{}, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WithStack(ErrTransportClosed{})
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 16)
	ch := make(chan map[string]interface{}, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := map[string]interface{}{
		"id":     []byte(id),
		"method": []byte(method),
		"args":   args,
	}
	data, err := TnetEncode([]byte{'T'}, req)
	if err != nil {
		return nil, err
	}
	if err := c.sock.Send(nil, data); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if success, _ := optBool(reply, "success"); success {
			return reply["value"], nil
		}
		condition, _ := optString(reply, "condition")
		return nil, errors.WithStack(ErrRPCRejected{Condition: condition})
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.WithStack(ErrRPCTimeout{})
	}
}

// RPCHandler serves one method. Returning an error rejects the call:
// an ErrRPCRejected supplies its Condition, any other error its text.
type RPCHandler func(args map[string]interface{}) (interface{}, error)

// RPCServer answers calls on a ROUTER socket.
type RPCServer struct {
	sock     *Socket
	mu       sync.Mutex
	handlers map[string]RPCHandler
	seen     map[string]bool // replies already sent, for idempotency
}

// NewRPCServer binds a server to spec.
func NewRPCServer(t *Transport, spec string) (*RPCServer, error) {
	sock, err := t.Router(spec, true)
	if err != nil {
		return nil, err
	}
	s := &RPCServer{
		sock:     sock,
		handlers: map[string]RPCHandler{},
		seen:     map[string]bool{},
	}
	go s.serveLoop()
	return s, nil
}

// Handle registers a method handler.
func (s *RPCServer) Handle(method string, h RPCHandler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Close shuts the server down.
func (s *RPCServer) Close() {
	s.sock.Close()
}

func (s *RPCServer) serveLoop() {
	for {
		frames, err := s.sock.Recv()
		if err != nil {
			return
		}
		if len(frames) < 3 {
			continue
		}
		peer := frames[0]
		payload := frames[len(frames)-1]
		if len(payload) < 1 || payload[0] != 'T' {
			continue
		}
		v, _, err := TnetDecode(payload[1:])
		if err != nil {
			slog.Warn("rpc: invalid request, dropping", "error", err)
			continue
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		id, _ := optString(m, "id")
		method, _ := optString(m, "method")
		args, _ := m["args"].(map[string]interface{})

		s.mu.Lock()
		h := s.handlers[method]
		dup := s.seen[string(peer)+" "+id]
		s.mu.Unlock()
		if dup {
			continue
		}

		reply := map[string]interface{}{"id": []byte(id)}
		if h == nil {
			reply["success"] = false
			reply["condition"] = []byte("method-not-found")
		} else if value, err := h(args); err != nil {
			reply["success"] = false
			reply["condition"] = []byte(rpcCondition(err))
		} else {
			reply["success"] = true
			if value != nil {
				reply["value"] = value
			}
		}

		data, err := TnetEncode([]byte{'T'}, reply)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.seen[string(peer)+" "+id] = true
		s.mu.Unlock()
		s.sock.Send(peer, nil, data)
	}
}

func rpcCondition(err error) string {
	var rejected ErrRPCRejected
	if errors.As(err, &rejected) {
		return rejected.Condition
	}
	return err.Error()
}
