package p8

import "github.com/pkg/errors"

// RequestState is the retained client-side state a handler needs to
// continue a paused session.
type RequestState struct {
	Rid            Rid
	PeerAddress    string
	ReceiveCredits int
	ResponseCode   int // nonzero if response headers already went out
}

// AcceptData is the bundle handed from proxy to handler when a session
// is retained.
type AcceptData struct {
	Requests     []RequestState
	Request      RequestData
	Response     ResponseData
	Route        string
	ChannelPrefix string
	AutoCrossOrigin bool
	JsonpCallback string
	SigIss        string
	SigKey        []byte
	Trusted       bool
	Debug         bool
	ResponseSent  bool
}

// RequestData is the origin-facing request of a retained session.
type RequestData struct {
	Method  string
	URI     string
	Headers Headers
	Body    []byte
}

// MarshalAccept encodes accept data as a variant map for the RPC layer.
func MarshalAccept(a *AcceptData) map[string]interface{} {
	var reqs []interface{}
	for _, r := range a.Requests {
		reqs = append(reqs, map[string]interface{}{
			"sender":          []byte(r.Rid.Sender),
			"id":              []byte(r.Rid.ID),
			"peer-address":    []byte(r.PeerAddress),
			"receive-credits": int64(r.ReceiveCredits),
			"response-code":   int64(r.ResponseCode),
		})
	}

	var reqHeaders []interface{}
	for _, h := range a.Request.Headers {
		reqHeaders = append(reqHeaders, []interface{}{[]byte(h.Name), []byte(h.Value)})
	}
	var resHeaders []interface{}
	for _, h := range a.Response.Headers {
		resHeaders = append(resHeaders, []interface{}{[]byte(h.Name), []byte(h.Value)})
	}

	m := map[string]interface{}{
		"requests": reqs,
		"request-data": map[string]interface{}{
			"method":  []byte(a.Request.Method),
			"uri":     []byte(a.Request.URI),
			"headers": reqHeaders,
			"body":    a.Request.Body,
		},
		"response-data": map[string]interface{}{
			"code":    int64(a.Response.Code),
			"reason":  []byte(a.Response.Reason),
			"headers": resHeaders,
			"body":    a.Response.Body,
		},
		"route":          []byte(a.Route),
		"channel-prefix": []byte(a.ChannelPrefix),
		"trusted":        a.Trusted,
		"response-sent":  a.ResponseSent,
	}
	if a.AutoCrossOrigin {
		m["auto-cross-origin"] = true
	}
	if a.JsonpCallback != "" {
		m["jsonp-callback"] = []byte(a.JsonpCallback)
	}
	if a.SigIss != "" {
		m["sig-iss"] = []byte(a.SigIss)
	}
	if len(a.SigKey) > 0 {
		m["sig-key"] = a.SigKey
	}
	if a.Debug {
		m["debug"] = true
	}
	return m
}

// UnmarshalAccept decodes the RPC variant map back into accept data.
func UnmarshalAccept(m map[string]interface{}) (*AcceptData, error) {
	a := &AcceptData{}

	reqs, ok := m["requests"].([]interface{})
	if !ok || len(reqs) == 0 {
		return nil, errors.WithStack(ErrPacketField{Name: "requests"})
	}
	for _, rv := range reqs {
		rm, ok := rv.(map[string]interface{})
		if !ok {
			return nil, errors.WithStack(ErrPacketField{Name: "requests"})
		}
		var rs RequestState
		var err error
		if rs.Rid.Sender, err = optString(rm, "sender"); err != nil {
			return nil, err
		}
		if rs.Rid.ID, err = optString(rm, "id"); err != nil {
			return nil, err
		}
		if rs.PeerAddress, err = optString(rm, "peer-address"); err != nil {
			return nil, err
		}
		if rs.ReceiveCredits, err = optInt(rm, "receive-credits"); err != nil {
			return nil, err
		}
		if rs.ResponseCode, err = optInt(rm, "response-code"); err != nil {
			return nil, err
		}
		a.Requests = append(a.Requests, rs)
	}

	if rd, ok := m["request-data"].(map[string]interface{}); ok {
		a.Request.Method, _ = optString(rd, "method")
		a.Request.URI, _ = optString(rd, "uri")
		a.Request.Headers = variantHeaderPairs(rd["headers"])
		if b, ok := rd["body"].([]byte); ok {
			a.Request.Body = b
		}
	}
	if rd, ok := m["response-data"].(map[string]interface{}); ok {
		a.Response.Code, _ = optInt(rd, "code")
		a.Response.Reason, _ = optString(rd, "reason")
		a.Response.Headers = variantHeaderPairs(rd["headers"])
		if b, ok := rd["body"].([]byte); ok {
			a.Response.Body = b
		}
	}

	a.Route, _ = optString(m, "route")
	a.ChannelPrefix, _ = optString(m, "channel-prefix")
	a.Trusted, _ = optBool(m, "trusted")
	a.ResponseSent, _ = optBool(m, "response-sent")
	a.AutoCrossOrigin, _ = optBool(m, "auto-cross-origin")
	a.JsonpCallback, _ = optString(m, "jsonp-callback")
	a.SigIss, _ = optString(m, "sig-iss")
	if b, ok := m["sig-key"].([]byte); ok {
		a.SigKey = b
	}
	a.Debug, _ = optBool(m, "debug")

	return a, nil
}

func variantHeaderPairs(v interface{}) Headers {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out Headers
	for _, el := range list {
		pair, ok := el.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		name, nok := pair[0].([]byte)
		val, vok := pair[1].([]byte)
		if nok && vok {
			out = append(out, Header{Name: string(name), Value: string(val)})
		}
	}
	return out
}
