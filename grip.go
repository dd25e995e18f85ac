package p8

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// GripInstructType is the Content-Type an origin uses to carry a GRIP
// instruction in the response body.
const GripInstructType = "application/grip-instruct"

// HoldMode selects what happens to a client connection after the origin
// response carried a GRIP instruction.
type HoldMode int

const (
	// NoHold streams the next-link fetches to the client without holding.
	NoHold HoldMode = iota
	// ResponseHold retains the connection until one publish or timeout.
	ResponseHold
	// StreamHold retains the connection and streams publishes to it.
	StreamHold
)

func (m HoldMode) String() string {
	switch m {
	case ResponseHold:
		return "response"
	case StreamHold:
		return "stream"
	}
	return "none"
}

// Channel is a subscription named by an instruction.
type Channel struct {
	Name    string
	PrevID  string
	Filters []string
}

// ResponseData is an HTTP response held by an instruction or emitted by
// a publish.
type ResponseData struct {
	Code    int
	Reason  string
	Headers Headers
	Body    []byte
}

// Instruction is the parsed GRIP content of an origin response.
type Instruction struct {
	HoldMode         HoldMode
	Channels         []Channel
	Timeout          time.Duration
	HaveTimeout      bool
	ExposeHeaders    []string
	KeepAliveData    []byte
	KeepAliveTimeout time.Duration
	Meta             map[string]string
	Response         ResponseData
	NextLink         *url.URL
	NextLinkTimeout  time.Duration
}

// ErrInvalidInstruction reports a GRIP response that cannot be used.
type ErrInvalidInstruction struct{ Reason string }

func (e ErrInvalidInstruction) Error() string { return "invalid instruction: " + e.Reason }

// parseHeaderParams splits "value; k=v; k2=v2" into the leading value
// and its parameters.
func parseHeaderParams(s string) (string, map[string]string) {
	parts := strings.Split(s, ";")
	params := map[string]string{}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if i := strings.IndexByte(p, '='); i >= 0 {
			params[strings.TrimSpace(p[:i])] = strings.TrimSpace(p[i+1:])
		} else if p != "" {
			params[p] = ""
		}
	}
	return strings.TrimSpace(parts[0]), params
}

// ParseInstruction extracts the GRIP instruction from an origin
// response. baseURI resolves a relative Grip-Link. The returned
// Response is what the client sees absent any publish: the timeout
// response of a response hold, or the initial response of a stream.
func ParseInstruction(res ResponseData, baseURI *url.URL) (*Instruction, error) {
	inst := &Instruction{
		Meta: map[string]string{},
		Response: ResponseData{
			Code:    res.Code,
			Reason:  res.Reason,
			Headers: nil,
			Body:    res.Body,
		},
	}

	switch res.Headers.Get("Grip-Hold") {
	case "":
	case "none":
		inst.HoldMode = NoHold
	case "response":
		inst.HoldMode = ResponseHold
	case "stream":
		inst.HoldMode = StreamHold
	default:
		return nil, errors.WithStack(ErrInvalidInstruction{Reason: "unknown Grip-Hold value"})
	}

	for _, v := range res.Headers.GetAll("Grip-Channel") {
		for _, part := range strings.Split(v, ",") {
			name, params := parseHeaderParams(part)
			if name == "" {
				continue
			}
			ch := Channel{Name: name, PrevID: params["prev-id"]}
			if f, ok := params["filter"]; ok && f != "" {
				ch.Filters = append(ch.Filters, f)
			}
			inst.Channels = append(inst.Channels, ch)
		}
	}

	if v := res.Headers.Get("Grip-Timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.WithStack(ErrInvalidInstruction{Reason: "bad Grip-Timeout"})
		}
		inst.Timeout = time.Duration(n) * time.Second
		inst.HaveTimeout = true
	}

	if v := res.Headers.Get("Grip-Keep-Alive"); v != "" {
		data, params := parseHeaderParams(v)
		if strings.HasPrefix(data, "base64,") {
			decoded, err := base64.StdEncoding.DecodeString(data[len("base64,"):])
			if err != nil {
				return nil, errors.WithStack(ErrInvalidInstruction{Reason: "bad Grip-Keep-Alive base64"})
			}
			inst.KeepAliveData = decoded
		} else {
			inst.KeepAliveData = []byte(data)
		}
		inst.KeepAliveTimeout = DefaultKeepAliveTimeout
		if tv, ok := params["timeout"]; ok {
			n, err := strconv.Atoi(tv)
			if err != nil {
				return nil, errors.WithStack(ErrInvalidInstruction{Reason: "bad Grip-Keep-Alive timeout"})
			}
			inst.KeepAliveTimeout = time.Duration(n) * time.Second
		}
	}

	for _, v := range res.Headers.GetAll("Grip-Set-Meta") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if i := strings.IndexByte(part, '='); i > 0 {
				inst.Meta[strings.TrimSpace(part[:i])] = strings.TrimSpace(part[i+1:])
			}
		}
	}

	for _, v := range res.Headers.GetAll("Grip-Link") {
		target, params := parseHeaderParams(v)
		if params["rel"] != "next" {
			continue
		}
		target = strings.Trim(target, "<>")
		u, err := url.Parse(target)
		if err != nil {
			return nil, errors.WithStack(ErrInvalidInstruction{Reason: "bad Grip-Link url"})
		}
		if baseURI != nil {
			u = baseURI.ResolveReference(u)
		}
		inst.NextLink = u
		if tv, ok := params["timeout"]; ok {
			if n, err := strconv.Atoi(tv); err == nil {
				inst.NextLinkTimeout = time.Duration(n) * time.Second
			}
		}
	}

	if v := res.Headers.Get("Grip-Expose-Headers"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				inst.ExposeHeaders = append(inst.ExposeHeaders, part)
			}
		}
	}

	if v := res.Headers.Get("Grip-Status"); v != "" {
		codeStr, _ := parseHeaderParams(v)
		fields := strings.SplitN(codeStr, " ", 2)
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.WithStack(ErrInvalidInstruction{Reason: "bad Grip-Status"})
		}
		inst.Response.Code = n
		if len(fields) == 2 {
			inst.Response.Reason = fields[1]
		} else {
			inst.Response.Reason = StatusReason(n)
		}
	}

	// non-Grip headers of the origin response carry over to the client
	for _, h := range res.Headers {
		if !strings.HasPrefix(strings.ToLower(h.Name), "grip-") {
			inst.Response.Headers = append(inst.Response.Headers, h)
		}
	}

	ct, _ := ParseContentType(res.Headers.Get("Content-Type"))
	if ct == GripInstructType {
		if err := inst.mergeJSONBody(res.Body, baseURI); err != nil {
			return nil, err
		}
	}

	if inst.HoldMode == ResponseHold && len(inst.Channels) == 0 {
		return nil, errors.WithStack(ErrInvalidInstruction{Reason: "mode response requires at least one channel"})
	}
	if inst.HoldMode == NoHold && inst.NextLink == nil {
		return nil, errors.WithStack(ErrInvalidInstruction{Reason: "no hold mode and no next link"})
	}

	if inst.HaveTimeout {
		if inst.Timeout < MinHoldTimeout {
			inst.Timeout = MinHoldTimeout
		}
		if inst.Timeout > MaxHoldTimeout {
			inst.Timeout = MaxHoldTimeout
		}
	} else {
		inst.Timeout = DefaultHoldTimeout
	}
	if inst.KeepAliveData != nil && inst.KeepAliveTimeout <= 0 {
		inst.KeepAliveTimeout = DefaultKeepAliveTimeout
	}

	return inst, nil
}

// mergeJSONBody merges an application/grip-instruct JSON document into
// the instruction. JSON fields take precedence over header fields.
func (inst *Instruction) mergeJSONBody(body []byte, baseURI *url.URL) error {
	var doc struct {
		Hold *struct {
			Mode     string `json:"mode"`
			Channels []struct {
				Name    string   `json:"name"`
				PrevID  string   `json:"prev-id"`
				Filters []string `json:"filters"`
			} `json:"channels"`
			Timeout   *int `json:"timeout"`
			KeepAlive *struct {
				Content    string `json:"content"`
				ContentBin string `json:"content-bin"`
				Timeout    *int   `json:"timeout"`
			} `json:"keep-alive"`
			Meta map[string]string `json:"meta"`
			Next *struct {
				URL     string `json:"url"`
				Timeout *int   `json:"timeout"`
			} `json:"next"`
		} `json:"hold"`
		Response *struct {
			Code    *int              `json:"code"`
			Reason  string            `json:"reason"`
			Headers map[string]string `json:"headers"`
			Body    string            `json:"body"`
			BodyBin string            `json:"body-bin"`
		} `json:"response"`
	}

	if err := json.Unmarshal(body, &doc); err != nil {
		return errors.WithStack(ErrInvalidInstruction{Reason: "body is not valid grip-instruct JSON"})
	}

	if doc.Hold != nil {
		switch doc.Hold.Mode {
		case "":
		case "none":
			inst.HoldMode = NoHold
		case "response":
			inst.HoldMode = ResponseHold
		case "stream":
			inst.HoldMode = StreamHold
		default:
			return errors.WithStack(ErrInvalidInstruction{Reason: "unknown hold mode"})
		}

		if len(doc.Hold.Channels) > 0 {
			inst.Channels = nil
			for _, c := range doc.Hold.Channels {
				if c.Name == "" {
					return errors.WithStack(ErrInvalidInstruction{Reason: "channel without name"})
				}
				inst.Channels = append(inst.Channels, Channel{Name: c.Name, PrevID: c.PrevID, Filters: c.Filters})
			}
		}
		if doc.Hold.Timeout != nil {
			inst.Timeout = time.Duration(*doc.Hold.Timeout) * time.Second
			inst.HaveTimeout = true
		}
		if ka := doc.Hold.KeepAlive; ka != nil {
			if ka.ContentBin != "" {
				decoded, err := base64.StdEncoding.DecodeString(ka.ContentBin)
				if err != nil {
					return errors.WithStack(ErrInvalidInstruction{Reason: "bad keep-alive content-bin"})
				}
				inst.KeepAliveData = decoded
			} else {
				inst.KeepAliveData = []byte(ka.Content)
			}
			inst.KeepAliveTimeout = DefaultKeepAliveTimeout
			if ka.Timeout != nil {
				inst.KeepAliveTimeout = time.Duration(*ka.Timeout) * time.Second
			}
		}
		for k, v := range doc.Hold.Meta {
			inst.Meta[k] = v
		}
		if doc.Hold.Next != nil {
			u, err := url.Parse(doc.Hold.Next.URL)
			if err != nil {
				return errors.WithStack(ErrInvalidInstruction{Reason: "bad next url"})
			}
			if baseURI != nil {
				u = baseURI.ResolveReference(u)
			}
			inst.NextLink = u
			if doc.Hold.Next.Timeout != nil {
				inst.NextLinkTimeout = time.Duration(*doc.Hold.Next.Timeout) * time.Second
			}
		}
	}

	if doc.Response != nil {
		r := ResponseData{Code: 200}
		if doc.Response.Code != nil {
			r.Code = *doc.Response.Code
		}
		r.Reason = doc.Response.Reason
		if r.Reason == "" {
			r.Reason = StatusReason(r.Code)
		}
		for k, v := range doc.Response.Headers {
			r.Headers = append(r.Headers, Header{Name: k, Value: v})
		}
		if doc.Response.BodyBin != "" {
			decoded, err := base64.StdEncoding.DecodeString(doc.Response.BodyBin)
			if err != nil {
				return errors.WithStack(ErrInvalidInstruction{Reason: "bad response body-bin"})
			}
			r.Body = decoded
		} else {
			r.Body = []byte(doc.Response.Body)
		}
		inst.Response = r
	} else {
		// the instruct body was the instruction itself, not content
		inst.Response.Body = nil
		inst.Response.Headers = inst.Response.Headers.RemoveAll("Content-Type")
		if inst.Response.Code == 0 {
			inst.Response.Code = 200
			inst.Response.Reason = StatusReason(200)
		}
	}

	return nil
}

// ParseContentType strips any ";"-separated parameters from a
// Content-Type value, returning the bare type and the parameter string.
func ParseContentType(v string) (string, string) {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		return strings.TrimSpace(v[:i]), strings.TrimSpace(v[i+1:])
	}
	return strings.TrimSpace(v), ""
}
