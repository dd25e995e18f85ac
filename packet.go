package p8

import (
	"fmt"

	"github.com/pkg/errors"
)

// PacketType enumerates the ZHTTP message types.
type PacketType int

const (
	// Data carries request or response content. A Data packet with
	// More unset terminates its direction of the sequence.
	Data PacketType = iota
	// Error terminates a sequence with a condition.
	Error
	// Credit grants the peer additional send window.
	Credit
	// KeepAlive refreshes the peer's session expiry.
	KeepAlive
	// Cancel aborts a sequence. Receiving Cancel for an unknown rid is
	// a no-op.
	Cancel
	// HandoffStart asks the peer to pause and buffer until a new owner
	// sends its first packet.
	HandoffStart
	// HandoffProceed acknowledges HandoffStart.
	HandoffProceed
	// Close ends a WebSocket session with a status code.
	Close
	// Ping and Pong map to the WebSocket control opcodes.
	Ping
	Pong
)

var packetTypeNames = map[PacketType]string{
	Data:           "data",
	Error:          "error",
	Credit:         "credit",
	KeepAlive:      "keep-alive",
	Cancel:         "cancel",
	HandoffStart:   "handoff-start",
	HandoffProceed: "handoff-proceed",
	Close:          "close",
	Ping:           "ping",
	Pong:           "pong",
}

var packetTypeValues = map[string]PacketType{}

func init() {
	for t, name := range packetTypeNames {
		packetTypeValues[name] = t
	}
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ContentType distinguishes WebSocket text and binary data packets.
type ContentType int

const (
	// ContentNone means the packet did not specify a content type.
	ContentNone ContentType = iota
	ContentText
	ContentBinary
)

// Rid identifies a ZHTTP sequence: the sender instance plus an id unique
// within it. Both sides of a request use the same id.
type Rid struct {
	Sender string
	ID     string
}

func (r Rid) String() string {
	return r.Sender + " " + r.ID
}

// Header is a single HTTP header name/value pair. Order and duplicates
// are preserved on the wire.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list.
type Headers []Header

// Get returns the first value of the named header, matching
// case-insensitively, or "".
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if asciiEqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns every value of the named header in order.
func (h Headers) GetAll(name string) []string {
	var out []string
	for _, hdr := range h {
		if asciiEqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Contains reports whether the named header is present.
func (h Headers) Contains(name string) bool {
	for _, hdr := range h {
		if asciiEqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// RemoveAll deletes every header with the given name.
func (h Headers) RemoveAll(name string) Headers {
	out := h[:0]
	for _, hdr := range h {
		if !asciiEqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	return out
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ErrPacketField is returned when a packet field is missing or has the
// wrong type.
type ErrPacketField struct{ Name string }

func (e ErrPacketField) Error() string { return "bad packet field " + e.Name }

// Packet is a ZHTTP request or response message. The zero value is a
// non-stream Data packet.
type Packet struct {
	From      string
	ID        string
	Seq       int
	HaveSeq   bool
	Type      PacketType
	Condition string

	Credits int
	More    bool
	Stream  bool
	MaxSize int

	Method  string
	URI     string
	Headers Headers
	Body    []byte

	ContentType ContentType

	Code   int
	Reason string

	IgnorePolicies bool
	TrustConnectHost bool

	PeerAddress string
	ConnectHost string
	ConnectPort int

	UserData interface{}
}

// Marshal encodes the packet as a 'T'-prefixed typed map.
func (p *Packet) Marshal() ([]byte, error) {
	m := map[string]interface{}{}

	if p.From != "" {
		m["from"] = []byte(p.From)
	}
	if p.ID != "" {
		m["id"] = []byte(p.ID)
	}
	if p.HaveSeq {
		m["seq"] = int64(p.Seq)
	}
	if p.Type != Data {
		m["type"] = []byte(p.Type.String())
	}
	if p.Condition != "" {
		m["condition"] = []byte(p.Condition)
	}
	if p.Credits > 0 {
		m["credits"] = int64(p.Credits)
	}
	if p.More {
		m["more"] = true
	}
	if p.Stream {
		m["stream"] = true
	}
	if p.MaxSize > 0 {
		m["max-size"] = int64(p.MaxSize)
	}
	if p.Method != "" {
		m["method"] = []byte(p.Method)
	}
	if p.URI != "" {
		m["uri"] = []byte(p.URI)
	}
	if len(p.Headers) > 0 {
		headers := make([]interface{}, 0, len(p.Headers))
		for _, h := range p.Headers {
			headers = append(headers, []interface{}{[]byte(h.Name), []byte(h.Value)})
		}
		m["headers"] = headers
	}
	if p.Body != nil {
		m["body"] = p.Body
	}
	switch p.ContentType {
	case ContentText:
		m["content-type"] = []byte("text")
	case ContentBinary:
		m["content-type"] = []byte("binary")
	}
	if p.Code != 0 {
		m["code"] = int64(p.Code)
	}
	if p.Reason != "" {
		m["reason"] = []byte(p.Reason)
	}
	if p.IgnorePolicies {
		m["ignore-policies"] = true
	}
	if p.TrustConnectHost {
		m["trust-connect-host"] = true
	}
	if p.PeerAddress != "" {
		m["peer-address"] = []byte(p.PeerAddress)
	}
	if p.ConnectHost != "" {
		m["connect-host"] = []byte(p.ConnectHost)
	}
	if p.ConnectPort > 0 {
		m["connect-port"] = int64(p.ConnectPort)
	}
	if p.UserData != nil {
		m["user-data"] = p.UserData
	}

	buf := []byte{'T'}
	return TnetEncode(buf, m)
}

// UnmarshalPacket decodes a 'T'-prefixed typed map into a Packet.
// Unknown map keys are ignored for forward compatibility.
func UnmarshalPacket(data []byte) (*Packet, error) {
	if len(data) < 1 || data[0] != 'T' {
		return nil, errors.WithStack(ErrInvalidEncoding{})
	}

	v, _, err := TnetDecode(data[1:])
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.WithStack(ErrPacketField{Name: "(root)"})
	}

	p := &Packet{Seq: -1}

	if p.From, err = optString(m, "from"); err != nil {
		return nil, err
	}
	if p.ID, err = optString(m, "id"); err != nil {
		return nil, err
	}
	if v, ok := m["seq"]; ok {
		n, isInt := v.(int64)
		if !isInt {
			return nil, errors.WithStack(ErrPacketField{Name: "seq"})
		}
		p.Seq = int(n)
		p.HaveSeq = true
	}
	typeName, err := optString(m, "type")
	if err != nil {
		return nil, err
	}
	if typeName != "" {
		t, known := packetTypeValues[typeName]
		if !known {
			return nil, errors.WithStack(ErrPacketField{Name: "type"})
		}
		p.Type = t
	}
	if p.Condition, err = optString(m, "condition"); err != nil {
		return nil, err
	}
	if p.Credits, err = optInt(m, "credits"); err != nil {
		return nil, err
	}
	if p.More, err = optBool(m, "more"); err != nil {
		return nil, err
	}
	if p.Stream, err = optBool(m, "stream"); err != nil {
		return nil, err
	}
	if p.MaxSize, err = optInt(m, "max-size"); err != nil {
		return nil, err
	}
	if p.Method, err = optString(m, "method"); err != nil {
		return nil, err
	}
	if p.URI, err = optString(m, "uri"); err != nil {
		return nil, err
	}
	if v, ok := m["headers"]; ok {
		list, isList := v.([]interface{})
		if !isList {
			return nil, errors.WithStack(ErrPacketField{Name: "headers"})
		}
		for _, el := range list {
			pair, isPair := el.([]interface{})
			if !isPair || len(pair) != 2 {
				return nil, errors.WithStack(ErrPacketField{Name: "headers"})
			}
			name, nok := pair[0].([]byte)
			val, vok := pair[1].([]byte)
			if !nok || !vok {
				return nil, errors.WithStack(ErrPacketField{Name: "headers"})
			}
			p.Headers = append(p.Headers, Header{Name: string(name), Value: string(val)})
		}
	}
	if v, ok := m["body"]; ok {
		b, isBytes := v.([]byte)
		if !isBytes {
			return nil, errors.WithStack(ErrPacketField{Name: "body"})
		}
		p.Body = b
	}
	ct, err := optString(m, "content-type")
	if err != nil {
		return nil, err
	}
	switch ct {
	case "":
	case "text":
		p.ContentType = ContentText
	case "binary":
		p.ContentType = ContentBinary
	default:
		return nil, errors.WithStack(ErrPacketField{Name: "content-type"})
	}
	if p.Code, err = optInt(m, "code"); err != nil {
		return nil, err
	}
	if p.Reason, err = optString(m, "reason"); err != nil {
		return nil, err
	}
	if p.IgnorePolicies, err = optBool(m, "ignore-policies"); err != nil {
		return nil, err
	}
	if p.TrustConnectHost, err = optBool(m, "trust-connect-host"); err != nil {
		return nil, err
	}
	if p.PeerAddress, err = optString(m, "peer-address"); err != nil {
		return nil, err
	}
	if p.ConnectHost, err = optString(m, "connect-host"); err != nil {
		return nil, err
	}
	if p.ConnectPort, err = optInt(m, "connect-port"); err != nil {
		return nil, err
	}
	if v, ok := m["user-data"]; ok {
		p.UserData = v
	}

	return p, nil
}

func optString(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", nil
	}
	b, isBytes := v.([]byte)
	if !isBytes {
		return "", errors.WithStack(ErrPacketField{Name: key})
	}
	return string(b), nil
}

func optInt(m map[string]interface{}, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	n, isInt := v.(int64)
	if !isInt {
		return 0, errors.WithStack(ErrPacketField{Name: key})
	}
	return int(n), nil
}

func optBool(m map[string]interface{}, key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, errors.WithStack(ErrPacketField{Name: key})
	}
	return b, nil
}

// Error conditions used on the wire.
const (
	ConditionBadRequest     = "bad-request"
	ConditionPolicyViolation = "policy-violation"
	ConditionRemoteConnectionFailed = "remote-connection-failed"
	ConditionConnectionTimeout      = "connection-timeout"
	ConditionTLSError               = "tls-error"
	ConditionLengthRequired         = "length-required"
	ConditionDisconnected           = "disconnected"
	ConditionCancelled              = "cancelled"
)
