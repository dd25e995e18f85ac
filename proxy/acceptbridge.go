package proxy

import (
	"time"

	p8 "github.com/P-8-project/P-8"
)

// AcceptBridge hands paused sessions to the handler over the typed RPC
// layer. A successful call transfers ownership of the client sessions;
// a rejection means the proxy must fall back to sending the cached
// response itself.
type AcceptBridge struct {
	client  *p8.RPCClient
	timeout time.Duration
}

// NewAcceptBridge connects to the handler's accept endpoint.
func NewAcceptBridge(t *p8.Transport, spec string) (*AcceptBridge, error) {
	client, err := p8.NewRPCClient(t, spec)
	if err != nil {
		return nil, err
	}
	return &AcceptBridge{client: client, timeout: time.Second * 10}, nil
}

// Accept transfers one session bundle. Idempotent per rid on the
// handler side.
func (b *AcceptBridge) Accept(a *p8.AcceptData) error {
	_, err := b.client.Call("accept", p8.MarshalAccept(a), b.timeout)
	return err
}

// Close shuts the bridge down.
func (b *AcceptBridge) Close() {
	b.client.Close()
}
