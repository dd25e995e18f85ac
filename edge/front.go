package edge

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	p8 "github.com/P-8-project/P-8"
)

// FrontServer terminates client HTTP and WebSocket connections itself
// and drives ZHTTP sessions toward the proxy, so the system runs
// without an external web server in front.
type FrontServer struct {
	Addr  string
	zhttp *p8.ZhttpManager
	stats *p8.StatsEngine

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
}

// NewFrontServer returns an unstarted front server.
func NewFrontServer(addr string, zhttp *p8.ZhttpManager, stats *p8.StatsEngine) *FrontServer {
	fs := &FrontServer{
		Addr:  addr,
		zhttp: zhttp,
		stats: stats,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	fs.server = &http.Server{Handler: fs}
	return fs
}

// ListenAndServe accepts connections until Close.
func (fs *FrontServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", fs.Addr)
	if err != nil {
		return errors.WithStack(err)
	}
	fs.listener = ln
	fs.Addr = ln.Addr().String()
	return fs.server.Serve(ln)
}

// Close stops accepting and closes the listener.
func (fs *FrontServer) Close() error {
	return fs.server.Close()
}

func (fs *FrontServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.ProtoAtLeast(1, 0) || r.ProtoMajor != 1 {
		http.Error(w, "unsupported protocol version", http.StatusHTTPVersionNotSupported)
		return
	}
	if strings.ContainsRune(r.Host, '/') {
		http.Error(w, "invalid host", http.StatusBadRequest)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		fs.serveWebSocket(w, r)
		return
	}
	fs.serveRequest(w, r)
}

func frontHeaders(r *http.Request) p8.Headers {
	var headers p8.Headers
	headers = append(headers, p8.Header{Name: "Host", Value: r.Host})
	for name, vals := range r.Header {
		for _, v := range vals {
			headers = append(headers, p8.Header{Name: name, Value: v})
		}
	}
	return headers
}

func (fs *FrontServer) serveRequest(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	uri := scheme + "://" + r.Host + r.URL.RequestURI()

	z := fs.zhttp.CreateSession()

	type responseEvent struct {
		p   *p8.Packet
		err string
	}
	events := make(chan responseEvent, 32)
	z.OnPacket = func(p *p8.Packet) {
		events <- responseEvent{p: p}
	}
	z.OnError = func(condition string) {
		events <- responseEvent{err: condition}
	}

	if fs.stats != nil {
		fs.stats.AddConnection(z.Rid.String(), "", p8.ConnHTTP, r.RemoteAddr, r.TLS != nil)
		defer fs.stats.RemoveConnection(z.Rid.String())
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(p8.ClientBufferSize)))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		z.Finish()
		return
	}

	err = z.SendPacket(&p8.Packet{
		Type:        p8.Data,
		Stream:      true,
		Credits:     p8.ClientBufferSize,
		Method:      r.Method,
		URI:         uri,
		Headers:     frontHeaders(r),
		Body:        body,
		PeerAddress: r.RemoteAddr,
	})
	if err != nil {
		http.Error(w, "unable to forward request", http.StatusBadGateway)
		z.Finish()
		return
	}

	flusher, _ := w.(http.Flusher)
	wroteHeader := false
	written := 0

	for ev := range events {
		if ev.err != "" {
			if !wroteHeader {
				http.Error(w, "error: "+ev.err, http.StatusBadGateway)
			}
			z.Finish()
			return
		}

		p := ev.p
		switch p.Type {
		case p8.Data:
			if !wroteHeader {
				wroteHeader = true
				for _, h := range p.Headers {
					w.Header().Add(h.Name, h.Value)
				}
				code := p.Code
				if code == 0 {
					code = 200
				}
				w.WriteHeader(code)
			}
			if len(p.Body) > 0 {
				w.Write(p.Body)
				written += len(p.Body)
				if flusher != nil {
					flusher.Flush()
				}
				z.SendPacket(&p8.Packet{Type: p8.Credit, Credits: len(p.Body)})
			}
			if !p.More {
				z.Finish()
				return
			}
		case p8.Error, p8.Cancel:
			if !wroteHeader {
				http.Error(w, "error: "+p.Condition, http.StatusBadGateway)
			}
			z.Finish()
			return
		case p8.HandoffStart:
			z.SendPacket(&p8.Packet{Type: p8.HandoffProceed})
		case p8.KeepAlive, p8.Credit:
		}
	}
}

func (fs *FrontServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	uri := scheme + "://" + r.Host + r.URL.RequestURI()

	z := fs.zhttp.CreateSession()

	type wsEvent struct {
		p   *p8.Packet
		err string
	}
	events := make(chan wsEvent, 32)
	z.OnPacket = func(p *p8.Packet) { events <- wsEvent{p: p} }
	z.OnError = func(condition string) { events <- wsEvent{err: condition} }

	err := z.SendPacket(&p8.Packet{
		Type:        p8.Data,
		Stream:      true,
		More:        true,
		Credits:     p8.ClientBufferSize,
		Method:      "GET",
		URI:         uri,
		Headers:     frontHeaders(r),
		PeerAddress: r.RemoteAddr,
	})
	if err != nil {
		http.Error(w, "unable to forward request", http.StatusBadGateway)
		z.Finish()
		return
	}

	// wait for the origin side to accept before upgrading
	var first *p8.Packet
	select {
	case ev := <-events:
		if ev.err != "" || ev.p.Type != p8.Data {
			http.Error(w, "websocket rejected", http.StatusBadGateway)
			z.Finish()
			return
		}
		first = ev.p
	case <-time.After(p8.SessionExpire):
		http.Error(w, "websocket accept timeout", http.StatusGatewayTimeout)
		z.Cancel()
		return
	}
	if first.Code != 0 && first.Code != 101 {
		headers := w.Header()
		for _, h := range first.Headers {
			headers.Add(h.Name, h.Value)
		}
		w.WriteHeader(first.Code)
		w.Write(first.Body)
		z.Finish()
		return
	}

	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("front: websocket upgrade failed", "error", err)
		z.Cancel()
		return
	}
	defer conn.Close()

	if fs.stats != nil {
		fs.stats.AddConnection(z.Rid.String(), "", p8.ConnWebSocket, r.RemoteAddr, r.TLS != nil)
		defer fs.stats.RemoveConnection(z.Rid.String())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	readDone := make(chan struct{})

	// client -> origin
	go func() {
		defer wg.Done()
		defer close(readDone)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				z.Cancel()
				return
			}
			ct := p8.ContentText
			if mt == websocket.BinaryMessage {
				ct = p8.ContentBinary
			}
			if err := z.SendPacket(&p8.Packet{Type: p8.Data, Body: data, ContentType: ct, More: true}); err != nil {
				return
			}
		}
	}()

	// origin -> client
	for {
		var ev wsEvent
		select {
		case ev = <-events:
		case <-readDone:
			wg.Wait()
			return
		}
		if ev.err != "" {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			break
		}
		p := ev.p
		switch p.Type {
		case p8.Data:
			mt := websocket.TextMessage
			if p.ContentType == p8.ContentBinary {
				mt = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(mt, p.Body); err != nil {
				z.Cancel()
				conn.Close()
				wg.Wait()
				return
			}
			z.SendPacket(&p8.Packet{Type: p8.Credit, Credits: len(p.Body)})
		case p8.Close:
			code := p.Code
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
			z.Finish()
			conn.Close()
			wg.Wait()
			return
		case p8.Ping:
			conn.WriteControl(websocket.PingMessage, p.Body, time.Now().Add(time.Second*5))
		case p8.Pong:
			conn.WriteControl(websocket.PongMessage, p.Body, time.Now().Add(time.Second*5))
		case p8.Error, p8.Cancel:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			conn.Close()
			wg.Wait()
			return
		}
	}
	conn.Close()
	wg.Wait()
}
