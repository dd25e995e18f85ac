package p8

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseInstructionHeaders(t *testing.T) {
	res := ResponseData{
		Code:   200,
		Reason: "OK",
		Headers: Headers{
			{Name: "Grip-Hold", Value: "stream"},
			{Name: "Grip-Channel", Value: "room; prev-id=a1; filter=skip-self"},
			{Name: "Grip-Channel", Value: "alerts"},
			{Name: "Grip-Keep-Alive", Value: "ping\\n; timeout=30"},
			{Name: "Content-Type", Value: "text/plain"},
		},
		Body: []byte("stream open\n"),
	}

	inst, err := ParseInstruction(res, nil)
	assert.NoError(t, err)
	assert.Equal(t, StreamHold, inst.HoldMode)
	assert.Len(t, inst.Channels, 2)
	assert.Equal(t, "room", inst.Channels[0].Name)
	assert.Equal(t, "a1", inst.Channels[0].PrevID)
	assert.Equal(t, []string{"skip-self"}, inst.Channels[0].Filters)
	assert.Equal(t, "alerts", inst.Channels[1].Name)
	assert.Equal(t, 30*time.Second, inst.KeepAliveTimeout)
	assert.Equal(t, []byte("stream open\n"), inst.Response.Body)
	// grip headers are consumed, the rest pass through
	assert.False(t, inst.Response.Headers.Contains("Grip-Hold"))
	assert.True(t, inst.Response.Headers.Contains("Content-Type"))
}

func TestParseInstructionKeepAliveBase64(t *testing.T) {
	res := ResponseData{
		Code: 200,
		Headers: Headers{
			{Name: "Grip-Hold", Value: "stream"},
			{Name: "Grip-Keep-Alive", Value: "base64,cGluZw=="},
		},
	}
	inst, err := ParseInstruction(res, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("ping"), inst.KeepAliveData)
	assert.Equal(t, DefaultKeepAliveTimeout, inst.KeepAliveTimeout)
}

func TestParseInstructionTimeoutClamping(t *testing.T) {
	res := ResponseData{
		Code: 200,
		Headers: Headers{
			{Name: "Grip-Hold", Value: "response"},
			{Name: "Grip-Channel", Value: "c"},
			{Name: "Grip-Timeout", Value: "5"},
		},
	}
	inst, err := ParseInstruction(res, nil)
	assert.NoError(t, err)
	assert.Equal(t, MinHoldTimeout, inst.Timeout)

	res.Headers = Headers{
		{Name: "Grip-Hold", Value: "response"},
		{Name: "Grip-Channel", Value: "c"},
	}
	inst, err = ParseInstruction(res, nil)
	assert.NoError(t, err)
	assert.Equal(t, DefaultHoldTimeout, inst.Timeout)
}

func TestParseInstructionResponseHoldNeedsChannels(t *testing.T) {
	res := ResponseData{
		Code:    200,
		Headers: Headers{{Name: "Grip-Hold", Value: "response"}},
	}
	_, err := ParseInstruction(res, nil)
	assert.Error(t, err)
}

func TestParseInstructionJSONBody(t *testing.T) {
	body := `{
		"hold": {
			"mode": "response",
			"channels": [{"name": "c", "prev-id": "x9"}],
			"timeout": 55
		},
		"response": {
			"code": 200,
			"headers": {"Content-Type": "text/plain"},
			"body": "timeout\n"
		}
	}`
	res := ResponseData{
		Code:    200,
		Headers: Headers{{Name: "Content-Type", Value: "application/grip-instruct"}},
		Body:    []byte(body),
	}

	inst, err := ParseInstruction(res, nil)
	assert.NoError(t, err)
	assert.Equal(t, ResponseHold, inst.HoldMode)
	assert.Len(t, inst.Channels, 1)
	assert.Equal(t, "x9", inst.Channels[0].PrevID)
	assert.Equal(t, 55*time.Second, inst.Timeout)
	assert.Equal(t, 200, inst.Response.Code)
	assert.Equal(t, "text/plain", inst.Response.Headers.Get("Content-Type"))
	assert.Equal(t, []byte("timeout\n"), inst.Response.Body)
}

func TestParseInstructionJSONPrecedence(t *testing.T) {
	// the JSON document wins over the headers on conflict
	body := `{"hold": {"mode": "stream", "channels": [{"name": "json-chan"}]}}`
	res := ResponseData{
		Code: 200,
		Headers: Headers{
			{Name: "Grip-Hold", Value: "response"},
			{Name: "Grip-Channel", Value: "header-chan"},
			{Name: "Content-Type", Value: "application/grip-instruct; charset=utf-8"},
		},
		Body: []byte(body),
	}

	inst, err := ParseInstruction(res, nil)
	assert.NoError(t, err)
	assert.Equal(t, StreamHold, inst.HoldMode)
	assert.Len(t, inst.Channels, 1)
	assert.Equal(t, "json-chan", inst.Channels[0].Name)
}

func TestParseInstructionNextLink(t *testing.T) {
	base, _ := url.Parse("http://origin.example/feed/live")
	res := ResponseData{
		Code: 200,
		Headers: Headers{
			{Name: "Grip-Hold", Value: "stream"},
			{Name: "Grip-Link", Value: "</feed/archive?page=2>; rel=next"},
		},
	}
	inst, err := ParseInstruction(res, base)
	assert.NoError(t, err)
	assert.NotNil(t, inst.NextLink)
	assert.Equal(t, "http://origin.example/feed/archive?page=2", inst.NextLink.String())
}

func TestParseInstructionNoHoldNeedsNextLink(t *testing.T) {
	res := ResponseData{
		Code:    200,
		Headers: Headers{{Name: "Grip-Hold", Value: "none"}},
	}
	_, err := ParseInstruction(res, nil)
	assert.Error(t, err)
}

func TestParseInstructionSetMeta(t *testing.T) {
	res := ResponseData{
		Code: 200,
		Headers: Headers{
			{Name: "Grip-Hold", Value: "stream"},
			{Name: "Grip-Set-Meta", Value: "user=alice, role=admin"},
		},
	}
	inst, err := ParseInstruction(res, nil)
	assert.NoError(t, err)
	assert.Equal(t, "alice", inst.Meta["user"])
	assert.Equal(t, "admin", inst.Meta["role"])
}

func TestParseContentType(t *testing.T) {
	ct, params := ParseContentType("application/grip-instruct; charset=utf-8")
	assert.Equal(t, "application/grip-instruct", ct)
	assert.Equal(t, "charset=utf-8", params)

	ct, params = ParseContentType("text/plain")
	assert.Equal(t, "text/plain", ct)
	assert.Empty(t, params)
}
