package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	p8 "github.com/P-8-project/P-8"
)

// Engine wires the handler: the accept server taking sessions from the
// proxy, the publish intake sockets, the sequencer, and the
// subscription registry dispatching to held sessions.
type Engine struct {
	zedge   *p8.ZhttpManager // adopted client sessions, toward the edge
	zclient *p8.ZhttpManager // outbound next-link fetches

	registry  *SubscriptionRegistry
	lastIds   *p8.PublishLastIds
	sequencer *p8.Sequencer
	stats     *p8.StatsEngine

	acceptServer *p8.RPCServer

	pushIn    *p8.Socket
	pushInSub *p8.Socket

	// OnItem observes every item leaving the sequencer, after registry
	// dispatch. The proxy's WebSocket fanout chains in here when both
	// roles share a process.
	OnItem func(*p8.PublishItem)

	mu       sync.Mutex
	sessions map[*HoldSession]struct{}

	done chan struct{}
}

// EngineConfig carries the handler engine's construction parameters.
type EngineConfig struct {
	ZEdge     *p8.ZhttpManager
	ZClient   *p8.ZhttpManager
	Stats     *p8.StatsEngine
	LastIdCapacity int
}

// NewEngine builds the engine core. Sockets attach separately so tests
// can run it without a transport.
func NewEngine(cfg EngineConfig) *Engine {
	capacity := cfg.LastIdCapacity
	if capacity <= 0 {
		capacity = 100000
	}

	e := &Engine{
		zedge:    cfg.ZEdge,
		zclient:  cfg.ZClient,
		lastIds:  p8.NewPublishLastIds(capacity),
		stats:    cfg.Stats,
		sessions: map[*HoldSession]struct{}{},
		done:     make(chan struct{}),
	}
	e.registry = NewSubscriptionRegistry(cfg.Stats, "http")
	e.sequencer = p8.NewSequencer(e.lastIds, e.dispatchItem)
	return e
}

// LastIds exposes the channel last-id cache.
func (e *Engine) LastIds() *p8.PublishLastIds { return e.lastIds }

// Registry exposes the subscription registry.
func (e *Engine) Registry() *SubscriptionRegistry { return e.registry }

// HandlePublish accepts a publish into the ordering pipeline.
func (e *Engine) HandlePublish(item *p8.PublishItem) {
	if e.stats != nil {
		e.stats.AddMessageReceived("")
	}
	e.sequencer.AddItem(item)
}

func (e *Engine) dispatchItem(item *p8.PublishItem) {
	e.registry.Dispatch(item)
	if e.OnItem != nil {
		e.OnItem(item)
	}
}

// AttachAcceptServer serves accept calls from the proxy on spec.
func (e *Engine) AttachAcceptServer(t *p8.Transport, spec string) error {
	server, err := p8.NewRPCServer(t, spec)
	if err != nil {
		return err
	}
	e.acceptServer = server
	server.Handle("accept", e.handleAccept)
	return nil
}

func (e *Engine) handleAccept(args map[string]interface{}) (interface{}, error) {
	accept, err := p8.UnmarshalAccept(args)
	if err != nil {
		return nil, p8.ErrRPCRejected{Condition: "bad-request"}
	}

	var baseURI *url.URL
	if u, err := url.Parse(accept.Request.URI); err == nil {
		baseURI = u
	}

	inst, err := p8.ParseInstruction(accept.Response, baseURI)
	if err != nil {
		slog.Debug("handler: rejecting accept", "error", err)
		return nil, p8.ErrRPCRejected{Condition: "bad-instruct"}
	}

	rid := accept.Requests[0].Rid
	e.mu.Lock()
	for other := range e.sessions {
		if other.req.Rid == rid {
			// already adopted: a repeated accept for the same rid
			e.mu.Unlock()
			return []byte("accepted"), nil
		}
	}
	e.mu.Unlock()
	req := e.zedge.AdoptSession(rid, rid.Sender)
	h := NewHoldSession(e, accept, inst, req)
	e.mu.Lock()
	e.sessions[h] = struct{}{}
	e.mu.Unlock()

	go h.Start()
	return []byte("accepted"), nil
}

func (e *Engine) sessionFinished(h *HoldSession) {
	e.mu.Lock()
	delete(e.sessions, h)
	e.mu.Unlock()
	if e.stats != nil {
		e.stats.RemoveConnection(h.req.Rid.String())
	}
}

// SessionCount returns the number of live held sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// AttachPublishSockets pulls publish documents from a PULL and a SUB
// socket. PULL messages are JSON or tnetstring documents; SUB messages
// carry a channel-name prefix.
func (e *Engine) AttachPublishSockets(t *p8.Transport, pullSpec, subSpec string) error {
	var err error
	if pullSpec != "" {
		if e.pushIn, err = t.Pull(pullSpec, true); err != nil {
			return err
		}
		go e.publishLoop(e.pushIn, false)
	}
	if subSpec != "" {
		if e.pushInSub, err = t.SubAll(subSpec, true); err != nil {
			return err
		}
		go e.publishLoop(e.pushInSub, true)
	}
	return nil
}

func (e *Engine) publishLoop(sock *p8.Socket, channelPrefixed bool) {
	for {
		frames, err := sock.Recv()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			return
		}
		if len(frames) == 0 {
			continue
		}

		payload := frames[len(frames)-1]
		channel := ""
		if channelPrefixed {
			i := 0
			for i < len(payload) && payload[i] != ' ' {
				i++
			}
			if i >= len(payload) {
				continue
			}
			channel = string(payload[:i])
			payload = payload[i+1:]
		}

		item, err := parsePublishPayload(payload, channel)
		if err != nil {
			slog.Warn("handler: invalid publish, dropping", "error", err)
			continue
		}
		e.HandlePublish(item)
	}
}

func parsePublishPayload(payload []byte, channel string) (*p8.PublishItem, error) {
	if len(payload) > 0 && payload[0] == 'T' {
		v, _, err := p8.TnetDecode(payload[1:])
		if err != nil {
			return nil, err
		}
		return p8.ParsePublishItem(v, channel, false)
	}
	if channel != "" {
		var v interface{}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return p8.ParsePublishItem(v, channel, true)
	}
	return p8.ParsePublishItemJSON(payload)
}

// ServePublishHTTP accepts publish documents over HTTP POST, for
// origins that cannot speak the socket protocol.
func (e *Engine) ServePublishHTTP(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/publish/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(p8.MaxAcceptRequestBody)))
		if err != nil {
			http.Error(w, "error reading body", http.StatusBadRequest)
			return
		}

		var doc struct {
			Items []interface{} `json:"items"`
		}
		if err := json.Unmarshal(body, &doc); err != nil || len(doc.Items) == 0 {
			http.Error(w, "body must contain items", http.StatusBadRequest)
			return
		}
		for _, v := range doc.Items {
			item, err := p8.ParsePublishItem(v, "", true)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			e.HandlePublish(item)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("published\n"))
	})

	go http.Serve(ln, mux)
	return ln, nil
}

// Stop shuts the engine down.
func (e *Engine) Stop() {
	select {
	case <-e.done:
		return
	default:
		close(e.done)
	}
	if e.acceptServer != nil {
		e.acceptServer.Close()
	}
	if e.pushIn != nil {
		e.pushIn.Close()
	}
	if e.pushInSub != nil {
		e.pushInSub.Close()
	}
	e.sequencer.Stop()
}
