package p8

import (
	"context"
	"log/slog"
	"sync"

	"github.com/destiny/zmq4/v25"
	"github.com/pkg/errors"
)

// Message transport over zmq sockets. Each socket kind keeps the
// semantics required by the protocol:
//
//   - Push/Pull: single-consumer fair queue. Sends queue in user space
//     and block once the queue holds DefaultHWM messages.
//   - Pub/Sub: lossy fanout. Messages that would exceed the queue limit
//     are dropped. Subscribers filter on a byte prefix.
//   - Router/Dealer: a routing identity frame plus an empty delimiter
//     frame prefix each message; replies are directed by that identity.
//
// Ordering is preserved per (sender, receiver) pair. Sockets close
// immediately on Close; nothing lingers past shutdown.

// ErrTransportClosed is returned for operations on a closed socket.
type ErrTransportClosed struct{}

func (ErrTransportClosed) Error() string { return "transport closed" }

// Transport creates sockets bound to one instance identity.
type Transport struct {
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewTransport returns a Transport whose sockets identify as instanceID.
func NewTransport(instanceID string) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID returns the identity used for router identities and pub
// prefixes.
func (t *Transport) InstanceID() string { return t.instanceID }

// Close terminates every socket created from this transport.
func (t *Transport) Close() { t.cancel() }

// Socket wraps a zmq socket with a bounded user-space send queue.
type Socket struct {
	sock    zmq4.Socket
	sendCh  chan zmq4.Msg
	dropFull bool
	closeMu sync.Mutex
	closed  chan struct{}
}

func (t *Transport) newSocket(sock zmq4.Socket, hwm int, dropFull bool) *Socket {
	s := &Socket{
		sock:     sock,
		sendCh:   make(chan zmq4.Msg, hwm),
		dropFull: dropFull,
		closed:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Socket) writeLoop() {
	for {
		select {
		case msg := <-s.sendCh:
			if err := s.sock.SendMulti(msg); err != nil {
				slog.Debug("transport: send failed", "error", err)
			}
		case <-s.closed:
			return
		}
	}
}

// Send queues a multipart message. Push-style sockets block at the
// high-water mark; lossy sockets drop instead.
func (s *Socket) Send(frames ...[]byte) error {
	msg := zmq4.NewMsgFrom(frames...)
	if s.dropFull {
		select {
		case s.sendCh <- msg:
		case <-s.closed:
			return errors.WithStack(ErrTransportClosed{})
		default:
			slog.Debug("transport: queue full, dropping message")
		}
		return nil
	}
	select {
	case s.sendCh <- msg:
		return nil
	case <-s.closed:
		return errors.WithStack(ErrTransportClosed{})
	}
}

// Recv returns the frames of the next message.
func (s *Socket) Recv() ([][]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return msg.Frames, nil
}

// Close shuts the socket down immediately.
func (s *Socket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.sock.Close()
}

func bindOrConnect(sock zmq4.Socket, spec string, bind bool) error {
	if bind {
		return errors.Wrapf(sock.Listen(spec), "listen %s", spec)
	}
	return errors.Wrapf(sock.Dial(spec), "dial %s", spec)
}

// Push opens a PUSH socket on spec.
func (t *Transport) Push(spec string, bind bool) (*Socket, error) {
	sock := zmq4.NewPush(t.ctx)
	if err := bindOrConnect(sock, spec, bind); err != nil {
		return nil, err
	}
	return t.newSocket(sock, DefaultHWM, false), nil
}

// Pull opens a PULL socket on spec.
func (t *Transport) Pull(spec string, bind bool) (*Socket, error) {
	sock := zmq4.NewPull(t.ctx)
	if err := bindOrConnect(sock, spec, bind); err != nil {
		return nil, err
	}
	return t.newSocket(sock, DefaultHWM, false), nil
}

// Pub opens a PUB socket on spec. Sends beyond the high-water mark drop.
func (t *Transport) Pub(spec string, bind bool, hwm int) (*Socket, error) {
	if hwm <= 0 {
		hwm = DefaultHWM
	}
	sock := zmq4.NewPub(t.ctx)
	if err := bindOrConnect(sock, spec, bind); err != nil {
		return nil, err
	}
	return t.newSocket(sock, hwm, true), nil
}

// Sub opens a SUB socket on spec filtering on the instance id prefix.
func (t *Transport) Sub(spec string, bind bool) (*Socket, error) {
	sock := zmq4.NewSub(t.ctx)
	if err := sock.SetOption(zmq4.OptionSubscribe, t.instanceID+" "); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := bindOrConnect(sock, spec, bind); err != nil {
		return nil, err
	}
	return t.newSocket(sock, DefaultHWM, true), nil
}

// SubMulti opens a SUB socket connected to every spec, filtering on
// the instance id prefix.
func (t *Transport) SubMulti(specs []string) (*Socket, error) {
	sock := zmq4.NewSub(t.ctx)
	if err := sock.SetOption(zmq4.OptionSubscribe, t.instanceID+" "); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, spec := range specs {
		if err := bindOrConnect(sock, spec, false); err != nil {
			return nil, err
		}
	}
	return t.newSocket(sock, DefaultHWM, true), nil
}

// SubAll opens a SUB socket on spec with no prefix filter.
func (t *Transport) SubAll(spec string, bind bool) (*Socket, error) {
	sock := zmq4.NewSub(t.ctx)
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := bindOrConnect(sock, spec, bind); err != nil {
		return nil, err
	}
	return t.newSocket(sock, DefaultHWM, true), nil
}

// Router opens a ROUTER socket on spec.
func (t *Transport) Router(spec string, bind bool) (*Socket, error) {
	sock := zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.instanceID)))
	if err := bindOrConnect(sock, spec, bind); err != nil {
		return nil, err
	}
	return t.newSocket(sock, DefaultHWM, false), nil
}

// Dealer opens a DEALER socket on spec.
func (t *Transport) Dealer(spec string, bind bool) (*Socket, error) {
	sock := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.instanceID)))
	if err := bindOrConnect(sock, spec, bind); err != nil {
		return nil, err
	}
	return t.newSocket(sock, DefaultHWM, false), nil
}

// SendAddressed sends a router-envelope message: address frame, empty
// delimiter, then the payload.
func (s *Socket) SendAddressed(addr string, payload []byte) error {
	return s.Send([]byte(addr), nil, payload)
}

// ParseAddressed splits a router-envelope message into the sender
// address and payload.
func ParseAddressed(frames [][]byte) (addr string, payload []byte, err error) {
	if len(frames) < 3 || len(frames[1]) != 0 {
		return "", nil, errors.WithStack(ErrInvalidEncoding{})
	}
	return string(frames[0]), frames[2], nil
}

// PubPrefix prepends "<instanceId> " to a pub payload so subscribers can
// prefix-filter.
func PubPrefix(instanceID string, payload []byte) []byte {
	out := make([]byte, 0, len(instanceID)+1+len(payload))
	out = append(out, instanceID...)
	out = append(out, ' ')
	out = append(out, payload...)
	return out
}
