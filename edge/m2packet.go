// Package edge bridges an external web server (or the built-in front
// server) to the internal ZHTTP protocol. It owns per-request session
// state on both sides: chunked encoding and WebSocket framing toward
// the client, credit windows and sequencing toward the origin side.
package edge

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	p8 "github.com/P-8-project/P-8"
)

// External web server packets. A request is a single binary message:
//
//	<sender> <id> <path> <len>:<headers>,<len>:<body>,
//
// where headers is a JSON object (or a tnetstring map) carrying METHOD,
// VERSION, PATTERN, URI, Host and the client headers. A request with
// METHOD "JSON" whose body is the JSON document {"type":"disconnect"}
// is a disconnect sentinel. Responses are framed as:
//
//	<sender> <len>:<id>[ <id>...], <data>
//
// and a zero-length data section closes the connection. Control
// messages are framed as "<sender> X <id> " followed by a typed map
// payload.

// ErrBadExternalPacket reports an unparseable external message.
type ErrBadExternalPacket struct{}

func (ErrBadExternalPacket) Error() string { return "bad external packet" }

// Request is a parsed external web server request message.
type Request struct {
	Sender  string
	ID      string
	Path    string
	Method  string
	Version string
	URI     string
	Scheme  string
	Headers p8.Headers
	Body    []byte

	Disconnect bool
	// Streamed-upload markers: start means more body follows in
	// continuation packets, done means this is the last piece.
	UploadStart bool
	UploadDone  bool
}

func netstring(data []byte) ([]byte, []byte, error) {
	sep := bytes.IndexByte(data, ':')
	if sep < 1 {
		return nil, nil, errors.WithStack(ErrBadExternalPacket{})
	}
	size, err := strconv.Atoi(string(data[:sep]))
	if err != nil || size < 0 || sep+1+size+1 > len(data) {
		return nil, nil, errors.WithStack(ErrBadExternalPacket{})
	}
	if data[sep+1+size] != ',' {
		return nil, nil, errors.WithStack(ErrBadExternalPacket{})
	}
	return data[sep+1 : sep+1+size], data[sep+1+size+1:], nil
}

// ParseRequest decodes one external request message.
func ParseRequest(data []byte) (*Request, error) {
	r := &Request{}

	for _, field := range []*string{&r.Sender, &r.ID, &r.Path} {
		sp := bytes.IndexByte(data, ' ')
		if sp < 1 {
			return nil, errors.WithStack(ErrBadExternalPacket{})
		}
		*field = string(data[:sp])
		data = data[sp+1:]
	}

	rawHeaders, rest, err := netstring(data)
	if err != nil {
		return nil, err
	}
	body, _, err := netstring(rest)
	if err != nil {
		return nil, err
	}
	r.Body = body

	var headerMap map[string]interface{}
	if len(rawHeaders) > 0 && rawHeaders[0] == '{' {
		if err := json.Unmarshal(rawHeaders, &headerMap); err != nil {
			return nil, errors.WithStack(ErrBadExternalPacket{})
		}
	} else {
		v, _, err := p8.TnetDecode(rawHeaders)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, errors.WithStack(ErrBadExternalPacket{})
		}
		headerMap = m
	}

	for k, v := range headerMap {
		val := ""
		switch t := v.(type) {
		case string:
			val = t
		case []byte:
			val = string(t)
		default:
			continue
		}
		switch k {
		case "METHOD":
			r.Method = val
		case "VERSION":
			r.Version = val
		case "PATTERN":
		case "URI":
			r.URI = val
		case "URL_SCHEME":
			r.Scheme = val
		case "x-mongrel2-upload-start":
			r.UploadStart = true
		case "x-mongrel2-upload-done":
			r.UploadDone = true
		default:
			r.Headers = append(r.Headers, p8.Header{Name: k, Value: val})
		}
	}

	if r.Method == "JSON" {
		var doc struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(r.Body, &doc); err == nil && doc.Type == "disconnect" {
			r.Disconnect = true
		}
	}

	return r, nil
}

// BuildResponse frames raw bytes for delivery to one external
// connection.
func BuildResponse(sender, id string, data []byte) []byte {
	out := make([]byte, 0, len(sender)+len(id)+len(data)+16)
	out = append(out, sender...)
	out = append(out, ' ')
	out = strconv.AppendInt(out, int64(len(id)), 10)
	out = append(out, ':')
	out = append(out, id...)
	out = append(out, ',', ' ')
	return append(out, data...)
}

// BuildClose frames a connection-close for one external connection.
func BuildClose(sender, id string) []byte {
	return BuildResponse(sender, id, nil)
}

// Control actions understood by the external web server.
type Control struct {
	Cancel    bool
	Credits   int
	KeepAlive bool
}

// BuildControl frames a control message for one external connection.
func BuildControl(sender, id string, c Control) ([]byte, error) {
	m := map[string]interface{}{}
	if c.Cancel {
		m["cancel"] = true
	}
	if c.Credits > 0 {
		m["credits"] = int64(c.Credits)
	}
	if c.KeepAlive {
		m["keep-alive"] = true
	}

	prefix := sender + " X " + id + " "
	return p8.TnetEncode([]byte(prefix), m)
}
