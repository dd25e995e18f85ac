package p8

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// FormatType enumerates the publish format kinds.
type FormatType int

const (
	FormatHTTPResponse FormatType = iota
	FormatHTTPStream
	FormatWebSocketMessage
)

func (t FormatType) String() string {
	switch t {
	case FormatHTTPResponse:
		return "http-response"
	case FormatHTTPStream:
		return "http-stream"
	}
	return "ws-message"
}

// PublishFormat is one rendering of a published item.
type PublishFormat struct {
	Type FormatType

	// http-response
	Code      int
	Reason    string
	Headers   Headers
	BodyPatch []interface{}

	// http-stream and ws-message
	Close  bool
	Binary bool

	Body []byte
}

// PublishItem is a single publish on a channel. A nil ID means the
// channel's last-id is cleared rather than advanced. A nil PrevID means
// the item is accepted without an ordering check.
type PublishItem struct {
	Channel string
	ID      string
	PrevID  string
	Formats map[FormatType]PublishFormat
	Meta    map[string]string
}

// ErrInvalidPublish reports a publish document that cannot be used.
type ErrInvalidPublish struct{ Reason string }

func (e ErrInvalidPublish) Error() string { return "invalid publish: " + e.Reason }

func pubErr(reason string) error {
	return errors.WithStack(ErrInvalidPublish{Reason: reason})
}

// variant accessors shared by the JSON and tnetstring input paths. JSON
// decoding produces string and float64 scalars, tnetstring produces
// []byte and int64; both appear here.

func variantString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}

func variantBytes(v interface{}, jsonInput bool) ([]byte, bool) {
	switch t := v.(type) {
	case []byte:
		return t, true
	case string:
		return []byte(t), true
	}
	_ = jsonInput
	return nil, false
}

func variantInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

// ParsePublishFormat builds one format from its variant object. For
// JSON input, *-bin fields are base64.
func ParsePublishFormat(ftype FormatType, v interface{}, jsonInput bool) (PublishFormat, error) {
	pn := "'" + ftype.String() + "'"

	m, ok := v.(map[string]interface{})
	if !ok {
		return PublishFormat{}, pubErr(pn + " is not an object")
	}

	f := PublishFormat{Type: ftype}

	switch ftype {
	case FormatHTTPResponse:
		f.Code = 200
		if cv, ok := m["code"]; ok {
			n, isInt := variantInt(cv)
			if !isInt || n < 0 || n > 999 {
				return PublishFormat{}, pubErr(pn + " contains 'code' with invalid value")
			}
			f.Code = n
		}
		if rv, ok := m["reason"]; ok {
			s, isStr := variantString(rv)
			if !isStr {
				return PublishFormat{}, pubErr(pn + " contains 'reason' with wrong type")
			}
			f.Reason = s
		}
		if f.Reason == "" {
			f.Reason = StatusReason(f.Code)
		}
		if hv, ok := m["headers"]; ok {
			headers, err := parseVariantHeaders(hv)
			if err != nil {
				return PublishFormat{}, err
			}
			f.Headers = headers
		}
		if bv, ok := m["body-bin"]; jsonInput && ok {
			s, isStr := variantString(bv)
			if !isStr {
				return PublishFormat{}, pubErr(pn + " contains 'body-bin' with wrong type")
			}
			decoded, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return PublishFormat{}, pubErr(pn + " contains 'body-bin' with invalid base64")
			}
			f.Body = decoded
		} else if bv, ok := m["body"]; ok {
			b, isBytes := variantBytes(bv, jsonInput)
			if !isBytes {
				return PublishFormat{}, pubErr(pn + " contains 'body' with wrong type")
			}
			f.Body = b
		} else if pv, ok := m["body-patch"]; ok {
			list, isList := pv.([]interface{})
			if !isList {
				return PublishFormat{}, pubErr(pn + " contains 'body-patch' with wrong type")
			}
			f.BodyPatch = list
		} else {
			return PublishFormat{}, pubErr(pn + " does not contain 'body', 'body-bin', or 'body-patch'")
		}

	case FormatHTTPStream:
		if av, ok := m["action"]; ok {
			s, isStr := variantString(av)
			if !isStr {
				return PublishFormat{}, pubErr(pn + " contains 'action' with wrong type")
			}
			f.Close = s == "close"
		}
		if !f.Close {
			if cv, ok := m["content-bin"]; jsonInput && ok {
				s, isStr := variantString(cv)
				if !isStr {
					return PublishFormat{}, pubErr(pn + " contains 'content-bin' with wrong type")
				}
				decoded, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return PublishFormat{}, pubErr(pn + " contains 'content-bin' with invalid base64")
				}
				f.Body = decoded
			} else if cv, ok := m["content"]; ok {
				b, isBytes := variantBytes(cv, jsonInput)
				if !isBytes {
					return PublishFormat{}, pubErr(pn + " contains 'content' with wrong type")
				}
				f.Body = b
			} else {
				return PublishFormat{}, pubErr(pn + " does not contain 'content'")
			}
		}

	case FormatWebSocketMessage:
		if cv, ok := m["content-bin"]; ok {
			if jsonInput {
				s, isStr := variantString(cv)
				if !isStr {
					return PublishFormat{}, pubErr(pn + " contains 'content-bin' with wrong type")
				}
				decoded, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return PublishFormat{}, pubErr(pn + " contains 'content-bin' with invalid base64")
				}
				f.Body = decoded
			} else {
				b, isBytes := cv.([]byte)
				if !isBytes {
					return PublishFormat{}, pubErr(pn + " contains 'content-bin' with wrong type")
				}
				f.Body = b
			}
			f.Binary = true
		} else if cv, ok := m["content"]; ok {
			b, isBytes := variantBytes(cv, jsonInput)
			if !isBytes {
				return PublishFormat{}, pubErr(pn + " contains 'content' with wrong type")
			}
			f.Body = b
		} else if av, ok := m["action"]; ok {
			s, _ := variantString(av)
			if s != "close" {
				return PublishFormat{}, pubErr(pn + " contains unknown 'action'")
			}
			f.Close = true
		} else {
			return PublishFormat{}, pubErr(pn + " does not contain 'content' or 'content-bin'")
		}
	}

	return f, nil
}

func parseVariantHeaders(v interface{}) (Headers, error) {
	var out Headers
	switch t := v.(type) {
	case []interface{}:
		for _, el := range t {
			pair, ok := el.([]interface{})
			if !ok || len(pair) != 2 {
				return nil, pubErr("headers contains element with wrong type")
			}
			name, nok := variantString(pair[0])
			val, vok := variantString(pair[1])
			if !nok || !vok {
				return nil, pubErr("headers contains element with wrong type")
			}
			out = append(out, Header{Name: name, Value: val})
		}
	case map[string]interface{}:
		for k, vv := range t {
			val, ok := variantString(vv)
			if !ok {
				return nil, pubErr("headers contains '" + k + "' with wrong type")
			}
			out = append(out, Header{Name: k, Value: val})
		}
	default:
		return nil, pubErr("headers with wrong type")
	}
	return out, nil
}

// ParsePublishItem builds an item from its variant object. If channel is
// non-empty it overrides any channel named in the object.
func ParsePublishItem(v interface{}, channel string, jsonInput bool) (*PublishItem, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, pubErr("publish item is not an object")
	}

	item := &PublishItem{
		Channel: channel,
		Formats: map[FormatType]PublishFormat{},
		Meta:    map[string]string{},
	}

	if item.Channel == "" {
		cv, ok := m["channel"]
		if !ok {
			return nil, pubErr("publish item does not contain 'channel'")
		}
		s, isStr := variantString(cv)
		if !isStr {
			return nil, pubErr("publish item contains 'channel' with wrong type")
		}
		item.Channel = s
	}

	if iv, ok := m["id"]; ok {
		s, isStr := variantString(iv)
		if !isStr {
			return nil, pubErr("publish item contains 'id' with wrong type")
		}
		item.ID = s
	}
	if pv, ok := m["prev-id"]; ok {
		s, isStr := variantString(pv)
		if !isStr {
			return nil, pubErr("publish item contains 'prev-id' with wrong type")
		}
		item.PrevID = s
	}

	formats, haveFormats := m["formats"].(map[string]interface{})
	if !haveFormats {
		formats = map[string]interface{}{}
		for _, name := range []string{"http-response", "http-stream", "ws-message"} {
			if fv, ok := m[name]; ok {
				formats[name] = fv
			}
		}
	}
	if len(formats) == 0 {
		return nil, pubErr("no formats specified")
	}

	for name, ftype := range map[string]FormatType{
		"http-response": FormatHTTPResponse,
		"http-stream":   FormatHTTPStream,
		"ws-message":    FormatWebSocketMessage,
	} {
		if fv, ok := formats[name]; ok {
			f, err := ParsePublishFormat(ftype, fv, jsonInput)
			if err != nil {
				return nil, err
			}
			item.Formats[ftype] = f
		}
	}

	if mv, ok := m["meta"].(map[string]interface{}); ok {
		for k, vv := range mv {
			s, isStr := variantString(vv)
			if !isStr {
				return nil, pubErr("'meta' contains '" + k + "' with wrong type")
			}
			item.Meta[k] = s
		}
	}

	return item, nil
}

// ParsePublishItemJSON decodes a JSON publish document.
func ParsePublishItemJSON(data []byte) (*PublishItem, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, pubErr("document is not valid JSON")
	}
	return ParsePublishItem(v, "", true)
}
