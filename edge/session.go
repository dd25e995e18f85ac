package edge

import (
	"strconv"
	"time"

	p8 "github.com/P-8-project/P-8"
)

// SessionMode distinguishes plain HTTP sessions from WebSocket ones.
type SessionMode int

const (
	ModeHTTP SessionMode = iota
	ModeWebSocket
)

// ExternalWriter delivers framed bytes back to the external web server.
type ExternalWriter interface {
	WriteExternal(sender, id string, data []byte) error
	WriteExternalClose(sender, id string) error
	WriteExternalControl(sender, id string, c Control) error
}

// Session is the edge-side state of one client connection, keyed both
// by the external (sender, id) pair and by its ZHTTP rid.
type Session struct {
	Sender string
	ConnID string
	Mode   SessionMode

	HTTPVersion    string
	Persistent     bool
	AllowChunked   bool
	RespondKeepAlive bool
	RespondClose   bool
	Chunked        bool

	ReadCount          int
	PendingIn          []byte
	PendingInFinished  bool
	SentResponseHeader bool
	PendingInCredits   int

	InFinished bool
	DownClosed bool
	UpClosed   bool
	InHandoff  bool

	BytesWritten   int
	BytesConfirmed int
	wsBuf          []byte

	LastActive  time.Time
	AcceptToken string

	Zhttp    *p8.ZhttpSession
	external ExternalWriter
	adapter  *Adapter
}

// handleZhttpPacket is the response path: ZHTTP packets from the origin
// side become HTTP or WebSocket bytes toward the client.
func (s *Session) handleZhttpPacket(p *p8.Packet) {
	s.LastActive = time.Now()

	switch p.Type {
	case p8.Data:
		if s.InHandoff {
			// new owner's first packet; flush buffered body upstream
			s.InHandoff = false
			s.flushPendingIn()
		}
		if s.Mode == ModeWebSocket {
			s.writeWSData(p)
		} else {
			s.writeHTTPData(p)
		}
		if !p.More {
			s.finishResponse()
		}
	case p8.HandoffStart:
		s.InHandoff = true
		s.Zhttp.SendPacket(&p8.Packet{Type: p8.HandoffProceed})
	case p8.KeepAlive:
		// refreshed LastActive above
	case p8.Credit:
		// credits for inbound body already tracked by the manager
		s.flushPendingIn()
	case p8.Close:
		if s.Mode == ModeWebSocket {
			s.external.WriteExternal(s.Sender, s.ConnID, p8.WSEncodeClose(p.Code))
		}
		s.destroy(false)
	case p8.Cancel, p8.Error:
		s.destroy(false)
	case p8.Ping:
		if s.Mode == ModeWebSocket {
			s.external.WriteExternal(s.Sender, s.ConnID, p8.WSEncodeFrame(p8.WSPing, p.Body))
		}
	case p8.Pong:
		if s.Mode == ModeWebSocket {
			s.external.WriteExternal(s.Sender, s.ConnID, p8.WSEncodeFrame(p8.WSPong, p.Body))
		}
	}
}

func (s *Session) writeHTTPData(p *p8.Packet) {
	var out []byte

	if !s.SentResponseHeader {
		s.SentResponseHeader = true

		headers := p.Headers
		haveLength := headers.Contains("Content-Length")

		if p.More && !haveLength {
			if s.HTTPVersion == "HTTP/1.1" && s.AllowChunked {
				s.Chunked = true
				headers = headers.RemoveAll("Transfer-Encoding")
				headers = append(headers, p8.Header{Name: "Transfer-Encoding", Value: "chunked"})
			} else {
				s.Persistent = false
			}
		}

		if s.RespondKeepAlive {
			headers = append(headers, p8.Header{Name: "Connection", Value: "Keep-Alive"})
		}
		if s.RespondClose || !s.Persistent {
			headers = headers.RemoveAll("Connection")
			headers = append(headers, p8.Header{Name: "Connection", Value: "close"})
		}

		code := p.Code
		if code == 0 {
			code = 200
		}
		reason := p.Reason
		if reason == "" {
			reason = p8.StatusReason(code)
		}

		version := s.HTTPVersion
		if version == "" {
			version = "HTTP/1.1"
		}
		out = append(out, version...)
		out = append(out, ' ')
		out = strconv.AppendInt(out, int64(code), 10)
		out = append(out, ' ')
		out = append(out, reason...)
		out = append(out, '\r', '\n')
		for _, h := range headers {
			out = append(out, h.Name...)
			out = append(out, ':', ' ')
			out = append(out, h.Value...)
			out = append(out, '\r', '\n')
		}
		out = append(out, '\r', '\n')
	}

	if len(p.Body) > 0 {
		if s.Chunked {
			out = append(out, p8.EncodeChunk(p.Body)...)
		} else {
			out = append(out, p.Body...)
		}
	}
	if !p.More && s.Chunked {
		out = append(out, p8.LastChunk...)
	}

	if len(out) > 0 {
		s.external.WriteExternal(s.Sender, s.ConnID, out)
		s.BytesWritten += len(p.Body)
	}
}

func (s *Session) writeWSData(p *p8.Packet) {
	if !s.SentResponseHeader {
		// the external server completed the handshake; the accept body
		// was delivered there
		s.SentResponseHeader = true
	}

	op := p8.WSText
	if p.ContentType == p8.ContentBinary {
		op = p8.WSBinary
	}
	s.external.WriteExternal(s.Sender, s.ConnID, p8.WSEncodeFrame(op, p.Body))
	s.BytesWritten += len(p.Body)
}

// handleContinuation appends an inbound body chunk, enforcing offset
// continuity against ReadCount.
func (s *Session) handleContinuation(offset int, data []byte, done bool) bool {
	if offset != s.ReadCount {
		// protocol violation; fail both sides
		s.Zhttp.SendPacket(&p8.Packet{Type: p8.Error, Condition: p8.ConditionBadRequest})
		s.destroy(true)
		return false
	}
	s.ReadCount += len(data)
	s.LastActive = time.Now()

	if s.InHandoff {
		s.PendingIn = append(s.PendingIn, data...)
		if done {
			s.PendingInFinished = true
		}
		return true
	}

	if s.Mode == ModeWebSocket {
		s.forwardWSFrames(data)
		return true
	}

	s.Zhttp.SendPacket(&p8.Packet{Type: p8.Data, Body: data, More: !done})
	if done {
		s.InFinished = true
	}
	return true
}

// forwardWSFrames decodes client WebSocket frames into typed packets.
// Partial frames wait in wsBuf for the next chunk.
func (s *Session) forwardWSFrames(data []byte) {
	if len(s.wsBuf) > 0 {
		data = append(s.wsBuf, data...)
		s.wsBuf = nil
	}
	for len(data) > 0 {
		f, n, err := p8.WSDecodeFrame(data)
		if err != nil {
			s.wsBuf = data
			return
		}
		data = data[n:]

		switch f.Opcode {
		case p8.WSText:
			s.Zhttp.SendPacket(&p8.Packet{Type: p8.Data, Body: f.Payload, ContentType: p8.ContentText, More: true})
		case p8.WSBinary:
			s.Zhttp.SendPacket(&p8.Packet{Type: p8.Data, Body: f.Payload, ContentType: p8.ContentBinary, More: true})
		case p8.WSPing:
			s.Zhttp.SendPacket(&p8.Packet{Type: p8.Ping, Body: f.Payload})
		case p8.WSPong:
			s.Zhttp.SendPacket(&p8.Packet{Type: p8.Pong, Body: f.Payload})
		case p8.WSClose:
			code := 1000
			if len(f.Payload) >= 2 {
				code = int(f.Payload[0])<<8 | int(f.Payload[1])
			}
			s.Zhttp.SendPacket(&p8.Packet{Type: p8.Close, Code: code})
			s.DownClosed = true
		}
	}
}

func (s *Session) flushPendingIn() {
	if len(s.PendingIn) == 0 && !s.PendingInFinished {
		if s.PendingInCredits > 0 {
			s.Zhttp.SendPacket(&p8.Packet{Type: p8.Credit, Credits: s.PendingInCredits})
			s.PendingInCredits = 0
		}
		return
	}
	body := s.PendingIn
	s.PendingIn = nil
	done := s.PendingInFinished
	s.PendingInFinished = false
	s.Zhttp.SendPacket(&p8.Packet{Type: p8.Data, Body: body, More: !done})
	if done {
		s.InFinished = true
	}
	if s.PendingInCredits > 0 {
		s.Zhttp.SendPacket(&p8.Packet{Type: p8.Credit, Credits: s.PendingInCredits})
		s.PendingInCredits = 0
	}
}

// confirmWritten converts newly-acknowledged client bytes into ZHTTP
// credit for the origin side.
func (s *Session) confirmWritten(total int) {
	if total <= s.BytesConfirmed {
		return
	}
	delta := total - s.BytesConfirmed
	s.BytesConfirmed = total
	if s.UpClosed || s.Zhttp == nil {
		return
	}
	s.Zhttp.SendPacket(&p8.Packet{Type: p8.Credit, Credits: delta})
}

// handleDisconnect reacts to the client going away.
func (s *Session) handleDisconnect() {
	s.DownClosed = true
	if s.InHandoff {
		// hold state; the cancel goes out when the handler reports in
		return
	}
	if s.Zhttp != nil && !s.UpClosed {
		s.Zhttp.Cancel()
		s.UpClosed = true
	}
	s.adapter.removeSession(s)
}

func (s *Session) finishResponse() {
	if !s.Persistent {
		s.external.WriteExternalClose(s.Sender, s.ConnID)
	}
	s.adapter.removeSession(s)
}

// destroy ends the session, optionally cancelling the external side.
func (s *Session) destroy(cancelExternal bool) {
	if cancelExternal || !s.SentResponseHeader {
		s.external.WriteExternalControl(s.Sender, s.ConnID, Control{Cancel: true})
	}
	if s.Mode == ModeHTTP && s.SentResponseHeader && s.Chunked {
		// cannot terminate chunked cleanly; just close
		s.external.WriteExternalClose(s.Sender, s.ConnID)
	}
	s.adapter.removeSession(s)
}
