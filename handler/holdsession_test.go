package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	p8 "github.com/P-8-project/P-8"
)

type reqConnStub struct {
	packets []*p8.Packet
	gone    int
}

func (s *reqConnStub) SessionWrite(_ *p8.ZhttpSession, p *p8.Packet) error {
	s.packets = append(s.packets, p)
	return nil
}

func (s *reqConnStub) SessionGone(p8.Rid) { s.gone++ }

func (s *reqConnStub) Instance() string { return "handler-test" }

func testAccept(uri string) *p8.AcceptData {
	return &p8.AcceptData{
		Requests: []p8.RequestState{{Rid: p8.Rid{Sender: "edge", ID: "1"}}},
		Request: p8.RequestData{
			Method: "GET",
			URI:    uri,
			Headers: p8.Headers{
				{Name: "Host", Value: "example.com"},
			},
		},
		Route: "example.com",
	}
}

func newTestHold(t *testing.T, inst *p8.Instruction) (*HoldSession, *reqConnStub, *Engine) {
	engine := NewEngine(EngineConfig{})
	t.Cleanup(engine.Stop)

	conn := &reqConnStub{}
	req := p8.NewSessionWith(conn, p8.Rid{Sender: "edge", ID: "1"})
	req.SkipSeq = true

	h := NewHoldSession(engine, testAccept("http://example.com/x"), inst, req)
	engine.sessions[h] = struct{}{}
	return h, conn, engine
}

func TestResponseHoldTimeout(t *testing.T) {
	inst := &p8.Instruction{
		HoldMode: p8.ResponseHold,
		Channels: []p8.Channel{{Name: "c"}},
		Timeout:  time.Millisecond * 20,
		Response: p8.ResponseData{
			Code:    200,
			Reason:  "OK",
			Headers: p8.Headers{{Name: "Content-Type", Value: "text/plain"}},
			Body:    []byte("timeout\n"),
		},
	}

	h, conn, engine := newTestHold(t, inst)
	h.Start()

	// nothing goes to the client while holding
	assert.Empty(t, conn.packets)
	assert.Equal(t, 1, engine.Registry().SubscriberCount("c"))

	assert.Eventually(t, func() bool {
		return h.State() == HoldFinished
	}, time.Second, time.Millisecond*5)

	assert.Len(t, conn.packets, 1)
	p := conn.packets[0]
	assert.Equal(t, 200, p.Code)
	assert.Equal(t, []byte("timeout\n"), p.Body)
	assert.Equal(t, "text/plain", p.Headers.Get("Content-Type"))
	assert.False(t, p.More)
	assert.Equal(t, 0, engine.Registry().SubscriberCount("c"))
}

func TestResponseHoldPublish(t *testing.T) {
	inst := &p8.Instruction{
		HoldMode: p8.ResponseHold,
		Channels: []p8.Channel{{Name: "c"}},
		Timeout:  time.Minute,
		ExposeHeaders: []string{"X-Secret"},
		Response: p8.ResponseData{
			Code: 200,
			Headers: p8.Headers{
				{Name: "Content-Type", Value: "text/plain"},
				{Name: "X-Secret", Value: "internal"},
			},
			Body: []byte("unused"),
		},
	}

	h, conn, _ := newTestHold(t, inst)
	h.Start()

	h.Publish(&p8.PublishItem{
		Channel: "c",
		ID:      "m1",
		Formats: map[p8.FormatType]p8.PublishFormat{
			p8.FormatHTTPResponse: {
				Type: p8.FormatHTTPResponse,
				Code: 200,
				Headers: p8.Headers{{Name: "X-Published", Value: "yes"}},
				Body: []byte("pushed\n"),
			},
		},
	})

	assert.Len(t, conn.packets, 1)
	p := conn.packets[0]
	assert.Equal(t, []byte("pushed\n"), p.Body)
	assert.Equal(t, "yes", p.Headers.Get("X-Published"))
	assert.Equal(t, "text/plain", p.Headers.Get("Content-Type"))
	// exposed headers are dropped from the instruction response
	assert.False(t, p.Headers.Contains("X-Secret"))
	assert.Equal(t, HoldFinished, h.State())
}

func TestStreamHoldPublish(t *testing.T) {
	inst := &p8.Instruction{
		HoldMode: p8.StreamHold,
		Channels: []p8.Channel{{Name: "c", PrevID: "a1"}},
		Response: p8.ResponseData{
			Code:    200,
			Headers: p8.Headers{{Name: "Content-Type", Value: "text/plain"}},
			Body:    []byte("stream open\n"),
		},
	}

	h, conn, _ := newTestHold(t, inst)
	h.Start()

	// the initial response goes out immediately, held open
	assert.Len(t, conn.packets, 1)
	assert.Equal(t, []byte("stream open\n"), conn.packets[0].Body)
	assert.True(t, conn.packets[0].More)

	h.Publish(&p8.PublishItem{
		Channel: "c",
		ID:      "a2",
		PrevID:  "a1",
		Formats: map[p8.FormatType]p8.PublishFormat{
			p8.FormatHTTPStream: {Type: p8.FormatHTTPStream, Body: []byte("X\n")},
		},
	})

	assert.Len(t, conn.packets, 2)
	assert.Equal(t, []byte("X\n"), conn.packets[1].Body)
	assert.True(t, conn.packets[1].More)
	assert.Equal(t, Holding, h.State())

	h.mu.Lock()
	assert.Equal(t, "a2", h.prevIds["c"])
	h.mu.Unlock()
}

func TestStreamHoldClose(t *testing.T) {
	inst := &p8.Instruction{
		HoldMode: p8.StreamHold,
		Channels: []p8.Channel{{Name: "c"}},
		Response: p8.ResponseData{Code: 200},
	}

	h, conn, _ := newTestHold(t, inst)
	h.Start()

	h.Publish(&p8.PublishItem{
		Channel: "c",
		Formats: map[p8.FormatType]p8.PublishFormat{
			p8.FormatHTTPStream: {Type: p8.FormatHTTPStream, Close: true},
		},
	})

	last := conn.packets[len(conn.packets)-1]
	assert.Equal(t, p8.Data, last.Type)
	assert.False(t, last.More)
	assert.Equal(t, HoldFinished, h.State())
}

func TestStreamHoldBudgetDrop(t *testing.T) {
	inst := &p8.Instruction{
		HoldMode: p8.StreamHold,
		Channels: []p8.Channel{{Name: "c"}},
		Response: p8.ResponseData{Code: 200},
	}

	h, conn, _ := newTestHold(t, inst)
	h.Start()
	before := len(conn.packets)

	h.mu.Lock()
	h.writeBudget = 1
	h.mu.Unlock()

	h.Publish(&p8.PublishItem{
		Channel: "c",
		ID:      "big",
		Formats: map[p8.FormatType]p8.PublishFormat{
			p8.FormatHTTPStream: {Type: p8.FormatHTTPStream, Body: []byte("too large")},
		},
	})

	// dropped, session still holding
	assert.Len(t, conn.packets, before)
	assert.Equal(t, Holding, h.State())
}

func TestBodyPatch(t *testing.T) {
	h := &HoldSession{}

	patched := h.applyBodyPatch([]byte("{\"count\":1}\n"), []interface{}{
		map[string]interface{}{"op": "replace", "path": "/count", "value": float64(2)},
	})
	assert.JSONEq(t, `{"count":2}`, string(patched))
	// trailing newline style is preserved
	assert.Equal(t, byte('\n'), patched[len(patched)-1])
}

func TestBodyPatchNonJSONBody(t *testing.T) {
	// a non-JSON instruction body passes through unpatched
	h := &HoldSession{}
	body := []byte("plain text")
	patched := h.applyBodyPatch(body, []interface{}{
		map[string]interface{}{"op": "replace", "path": "/x", "value": float64(1)},
	})
	assert.Equal(t, body, patched)
}

func TestWsPublishFragmentation(t *testing.T) {
	inst := &p8.Instruction{
		HoldMode: p8.StreamHold,
		Channels: []p8.Channel{{Name: "c"}},
		Response: p8.ResponseData{Code: 200},
	}

	engine := NewEngine(EngineConfig{})
	t.Cleanup(engine.Stop)

	conn := &reqConnStub{}
	req := p8.NewSessionWith(conn, p8.Rid{Sender: "edge", ID: "1"})
	h := NewHoldSession(engine, testAccept("ws://example.com/sock"), inst, req)
	assert.True(t, h.isWs)
	h.Start()
	before := len(conn.packets)

	body := make([]byte, p8.WSMaxFrame+100)
	h.Publish(&p8.PublishItem{
		Channel: "c",
		Formats: map[p8.FormatType]p8.PublishFormat{
			p8.FormatWebSocketMessage: {Type: p8.FormatWebSocketMessage, Body: body},
		},
	})

	assert.Len(t, conn.packets, before+2)
	assert.Len(t, conn.packets[before].Body, p8.WSMaxFrame)
	assert.Len(t, conn.packets[before+1].Body, 100)
}

func TestRegistryDispatch(t *testing.T) {
	inst := &p8.Instruction{
		HoldMode: p8.StreamHold,
		Channels: []p8.Channel{{Name: "room"}},
		Response: p8.ResponseData{Code: 200},
	}

	h, conn, engine := newTestHold(t, inst)
	h.Start()
	before := len(conn.packets)

	engine.HandlePublish(&p8.PublishItem{
		Channel: "room",
		ID:      "1",
		Formats: map[p8.FormatType]p8.PublishFormat{
			p8.FormatHTTPStream: {Type: p8.FormatHTTPStream, Body: []byte("fanout\n")},
		},
	})

	assert.Len(t, conn.packets, before+1)
	assert.Equal(t, []byte("fanout\n"), conn.packets[before].Body)
}
