package handler

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pkg/errors"

	p8 "github.com/P-8-project/P-8"
)

// HoldState tracks a held session's lifecycle.
type HoldState int

const (
	NotStarted HoldState = iota
	SendingFirstInstructResponse
	SendingInitialResponse
	Holding
	Closing
	HoldFinished
)

// ErrFetchFailed reports an unrecoverable next-link fetch.
type ErrFetchFailed struct{ Condition string }

func (e ErrFetchFailed) Error() string { return "next link fetch failed: " + e.Condition }

// HoldSession drives one held client connection. It owns the underlying
// request handle from accept-handoff onward, subscribes to the
// instruction's channels, and applies published items until timeout,
// close, or client departure.
type HoldSession struct {
	engine *Engine

	mu    sync.Mutex
	state HoldState

	req    *p8.ZhttpSession
	accept *p8.AcceptData
	inst   *p8.Instruction

	currentURI *url.URL
	isWs       bool

	// per-channel prev-id state for ordering enforcement
	prevIds map[string]string
	subscribed []string

	timer       *time.Timer
	writeBudget int

	// publishes delivered during the current instruction window; a
	// next-link retry is only legal while this is false. It resets at
	// each instruction transition, not at each write.
	sentSinceInstruct bool

	rand *rand.Rand
}

// NewHoldSession takes ownership of the adopted client request and
// applies the instruction.
func NewHoldSession(engine *Engine, accept *p8.AcceptData, inst *p8.Instruction, req *p8.ZhttpSession) *HoldSession {
	h := &HoldSession{
		engine:      engine,
		accept:      accept,
		inst:        inst,
		req:         req,
		prevIds:     map[string]string{},
		writeBudget: p8.MaxStreamBuffer,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	h.currentURI, _ = url.Parse(accept.Request.URI)
	h.isWs = h.currentURI != nil && (h.currentURI.Scheme == "ws" || h.currentURI.Scheme == "wss")

	req.OnPacket = h.handleRequestPacket
	req.OnError = func(string) { h.teardown() }

	return h
}

// Start writes the initial response and enters the hold.
func (h *HoldSession) Start() {
	h.mu.Lock()
	inst := h.inst
	h.mu.Unlock()

	if !h.accept.ResponseSent && inst.HoldMode != p8.ResponseHold {
		h.mu.Lock()
		h.state = SendingFirstInstructResponse
		h.mu.Unlock()
		h.writeInstructResponse(inst)
	}

	h.applyInstruction(inst)
}

// writeInstructResponse sends the instruction's initial response to the
// client. The body keeps flowing afterward, so More stays set.
func (h *HoldSession) writeInstructResponse(inst *p8.Instruction) {
	headers := inst.Response.Headers.RemoveAll("Content-Length")
	if h.accept.AutoCrossOrigin {
		headers = p8.ApplyCORS(h.accept.Request.Headers, headers)
	}

	code := inst.Response.Code
	if code == 0 {
		code = 200
	}
	reason := inst.Response.Reason
	if reason == "" {
		reason = p8.StatusReason(code)
	}

	h.req.SendPacket(&p8.Packet{
		Type:    p8.Data,
		Code:    code,
		Reason:  reason,
		Headers: headers,
		Body:    inst.Response.Body,
		More:    true,
	})
	h.consumeBudget(len(inst.Response.Body))
}

// applyInstruction subscribes and starts the mode's timers. It is the
// instruction transition point: the retry accounting resets here.
func (h *HoldSession) applyInstruction(inst *p8.Instruction) {
	h.mu.Lock()
	h.inst = inst
	h.sentSinceInstruct = false
	h.stopTimerLocked()

	for _, ch := range inst.Channels {
		name := h.accept.ChannelPrefix + ch.Name
		if ch.PrevID != "" {
			h.prevIds[name] = ch.PrevID
		}
	}
	h.mu.Unlock()

	switch inst.HoldMode {
	case p8.NoHold:
		// a no-hold instruction must chain via next link
		go h.followNextLink(inst.NextLink)

	case p8.ResponseHold:
		h.subscribeChannels(inst)
		h.mu.Lock()
		h.state = Holding
		h.timer = time.AfterFunc(inst.Timeout, h.timeoutFired)
		h.mu.Unlock()

	case p8.StreamHold:
		h.subscribeChannels(inst)
		h.mu.Lock()
		h.state = Holding
		if inst.KeepAliveData != nil {
			h.timer = time.AfterFunc(inst.KeepAliveTimeout, h.keepAliveFired)
		}
		h.mu.Unlock()
	}
}

func (h *HoldSession) subscribeChannels(inst *p8.Instruction) {
	for _, ch := range inst.Channels {
		name := h.accept.ChannelPrefix + ch.Name

		h.mu.Lock()
		already := false
		for _, s := range h.subscribed {
			if s == name {
				already = true
				break
			}
		}
		if !already {
			h.subscribed = append(h.subscribed, name)
		}
		h.mu.Unlock()

		if !already {
			h.engine.registry.Subscribe(h, name)
		}
	}
}

func (h *HoldSession) handleRequestPacket(p *p8.Packet) {
	switch p.Type {
	case p8.Credit:
		h.mu.Lock()
		h.writeBudget += p.Credits
		h.mu.Unlock()
	case p8.Cancel, p8.Error, p8.Close:
		h.teardown()
	case p8.KeepAlive:
	}
}

func (h *HoldSession) consumeBudget(n int) {
	h.mu.Lock()
	h.writeBudget -= n
	h.mu.Unlock()
}

// timeoutFired emits the stored response of a response hold.
func (h *HoldSession) timeoutFired() {
	h.mu.Lock()
	if h.state != Holding {
		h.mu.Unlock()
		return
	}
	h.state = Closing
	inst := h.inst
	h.mu.Unlock()

	h.writeResponse(inst.Response)
	h.finish()
}

// keepAliveFired writes the keep-alive data unmodified and re-arms.
func (h *HoldSession) keepAliveFired() {
	h.mu.Lock()
	if h.state != Holding {
		h.mu.Unlock()
		return
	}
	inst := h.inst
	h.timer = time.AfterFunc(inst.KeepAliveTimeout, h.keepAliveFired)
	h.mu.Unlock()

	h.req.SendPacket(&p8.Packet{Type: p8.Data, Body: inst.KeepAliveData, More: true})
	h.consumeBudget(len(inst.KeepAliveData))
}

// Publish implements Subscriber.
func (h *HoldSession) Publish(item *p8.PublishItem) {
	h.mu.Lock()
	if h.state != Holding {
		h.mu.Unlock()
		return
	}
	mode := h.inst.HoldMode
	h.mu.Unlock()

	if h.engine.stats != nil {
		h.engine.stats.AddMessageSent(h.accept.Route)
	}

	if h.isWs {
		if f, ok := item.Formats[p8.FormatWebSocketMessage]; ok {
			h.deliverWs(f)
		}
		return
	}

	switch mode {
	case p8.ResponseHold:
		if f, ok := item.Formats[p8.FormatHTTPResponse]; ok {
			h.deliverResponse(item, f)
		}
	case p8.StreamHold:
		if f, ok := item.Formats[p8.FormatHTTPStream]; ok {
			h.deliverStream(item, f)
		}
	}
}

func (h *HoldSession) deliverResponse(item *p8.PublishItem, f p8.PublishFormat) {
	h.mu.Lock()
	if h.state != Holding {
		h.mu.Unlock()
		return
	}
	h.state = Closing
	h.stopTimerLocked()
	inst := h.inst
	h.mu.Unlock()

	// instruction headers, minus exposed ones, under the published set
	instHeaders := inst.Response.Headers
	for _, name := range inst.ExposeHeaders {
		instHeaders = instHeaders.RemoveAll(name)
	}
	headers := p8.MergeHeaders(instHeaders, f.Headers)

	body := f.Body
	if f.BodyPatch != nil {
		body = h.applyBodyPatch(inst.Response.Body, f.BodyPatch)
	}

	h.writeResponse(p8.ResponseData{
		Code:    f.Code,
		Reason:  f.Reason,
		Headers: headers,
		Body:    body,
	})
	h.finish()
}

// applyBodyPatch patches the instruction's JSON body. A non-JSON body
// passes through unpatched.
func (h *HoldSession) applyBodyPatch(instBody []byte, patchOps []interface{}) []byte {
	var doc interface{}
	if err := json.Unmarshal(instBody, &doc); err != nil {
		slog.Warn("hold: instruction body is not JSON, skipping patch")
		return instBody
	}

	patchJSON, err := json.Marshal(patchOps)
	if err != nil {
		slog.Warn("hold: unable to encode patch, skipping", "error", err)
		return instBody
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		slog.Warn("hold: invalid patch, skipping", "error", err)
		return instBody
	}

	patched, err := patch.Apply(instBody)
	if err != nil {
		slog.Warn("hold: patch did not apply, skipping", "error", err)
		return instBody
	}

	// preserve the trailing newline style of the instruction body
	if len(instBody) > 0 && instBody[len(instBody)-1] == '\n' {
		if len(patched) == 0 || patched[len(patched)-1] != '\n' {
			patched = append(patched, '\n')
		}
	}
	return patched
}

func (h *HoldSession) deliverStream(item *p8.PublishItem, f p8.PublishFormat) {
	if f.Close {
		h.mu.Lock()
		h.state = Closing
		h.stopTimerLocked()
		h.mu.Unlock()
		h.req.SendPacket(&p8.Packet{Type: p8.Data, More: false})
		h.finish()
		return
	}

	h.mu.Lock()
	stored, have := h.prevIds[item.Channel]
	if item.PrevID != "" && have && stored != item.PrevID {
		// out of order beyond the sequencer's window; recover through
		// the next link
		nextLink := h.inst.NextLink
		h.mu.Unlock()
		slog.Debug("hold: prev-id mismatch, recovering",
			"channel", item.Channel, "expected", stored, "got", item.PrevID)
		if nextLink != nil {
			h.mu.Lock()
			h.state = SendingInitialResponse
			h.stopTimerLocked()
			h.mu.Unlock()
			go h.followNextLink(nextLink)
		}
		return
	}

	if len(f.Body) > h.writeBudget {
		h.mu.Unlock()
		slog.Debug("hold: insufficient write budget, dropping publish", "channel", item.Channel)
		return
	}

	if item.ID != "" {
		h.prevIds[item.Channel] = item.ID
	}
	h.sentSinceInstruct = true

	// restart keep-alive on activity
	if h.inst.KeepAliveData != nil && h.timer != nil {
		h.timer.Stop()
		h.timer = time.AfterFunc(h.inst.KeepAliveTimeout, h.keepAliveFired)
	}
	h.mu.Unlock()

	h.req.SendPacket(&p8.Packet{Type: p8.Data, Body: f.Body, More: true})
	h.consumeBudget(len(f.Body))
}

func (h *HoldSession) deliverWs(f p8.PublishFormat) {
	if f.Close {
		h.req.SendPacket(&p8.Packet{Type: p8.Close, Code: 1000})
		h.teardown()
		return
	}
	ct := p8.ContentText
	if f.Binary {
		ct = p8.ContentBinary
	}
	body := f.Body
	for len(body) > p8.WSMaxFrame {
		h.req.SendPacket(&p8.Packet{Type: p8.Data, Body: body[:p8.WSMaxFrame], ContentType: ct, More: true})
		body = body[p8.WSMaxFrame:]
	}
	h.req.SendPacket(&p8.Packet{Type: p8.Data, Body: body, ContentType: ct, More: true})
	h.mu.Lock()
	h.sentSinceInstruct = true
	h.mu.Unlock()
}

func (h *HoldSession) writeResponse(res p8.ResponseData) {
	headers := res.Headers.RemoveAll("Content-Length")
	headers = append(headers, p8.Header{Name: "Content-Length", Value: strconv.Itoa(len(res.Body))})
	if h.accept.AutoCrossOrigin {
		headers = p8.ApplyCORS(h.accept.Request.Headers, headers)
	}

	code := res.Code
	if code == 0 {
		code = 200
	}
	reason := res.Reason
	if reason == "" {
		reason = p8.StatusReason(code)
	}

	h.req.SendPacket(&p8.Packet{
		Type:    p8.Data,
		Code:    code,
		Reason:  reason,
		Headers: headers,
		Body:    res.Body,
		More:    false,
	})
}

// followNextLink fetches the continuation URI, retrying transport
// errors with capped exponential backoff while nothing has been written
// since the last instruction transition.
func (h *HoldSession) followNextLink(nextLink *url.URL) {
	if nextLink == nil {
		h.finishBody()
		return
	}

	var inst *p8.Instruction
	var body []byte
	var err error

	for tries := 1; ; tries++ {
		inst, body, err = h.fetchLink(nextLink)
		if err == nil {
			break
		}

		h.mu.Lock()
		retryable := !h.sentSinceInstruct
		h.mu.Unlock()

		var fetchErr ErrFetchFailed
		isTransport := errors.As(err, &fetchErr) && (fetchErr.Condition == p8.ConditionRemoteConnectionFailed ||
			fetchErr.Condition == p8.ConditionConnectionTimeout ||
			fetchErr.Condition == p8.ConditionTLSError)

		if !retryable || !isTransport || tries >= p8.RetryMax {
			slog.Warn("hold: next link fetch failed, ending session", "uri", nextLink.String(), "error", err)
			h.finishBody()
			return
		}

		delay := p8.RetryTimeout
		for i := 1; i < tries; i++ {
			delay *= 2
		}
		delay += time.Duration(h.rand.Int63n(int64(p8.RetryRandMax)))
		time.Sleep(delay)
	}

	if inst == nil {
		// a plain continuation: stream its body and finish
		if len(body) > 0 {
			h.req.SendPacket(&p8.Packet{Type: p8.Data, Body: body, More: true})
			h.consumeBudget(len(body))
		}
		h.finishBody()
		return
	}

	if inst.HoldMode == p8.ResponseHold {
		slog.Warn("hold: next link returned response hold, ending session", "uri", nextLink.String())
		h.finishBody()
		return
	}

	h.mu.Lock()
	h.currentURI = nextLink
	h.mu.Unlock()

	// stream the new instruction's body, then continue under it
	if len(inst.Response.Body) > 0 {
		h.req.SendPacket(&p8.Packet{Type: p8.Data, Body: inst.Response.Body, More: true})
		h.consumeBudget(len(inst.Response.Body))
	}
	h.applyInstruction(inst)
}

// fetchLink performs one GET of the next link over ZHTTP. The reply is
// either a new instruction or a plain body.
func (h *HoldSession) fetchLink(u *url.URL) (*p8.Instruction, []byte, error) {
	headers := p8.Headers{{Name: "Host", Value: u.Host}}

	h.mu.Lock()
	for channel, prevID := range h.prevIds {
		headers = append(headers, p8.Header{
			Name:  "Grip-Last",
			Value: channel + "; last-id=" + prevID,
		})
	}
	sameOrigin := h.currentURI != nil && u.Scheme == h.currentURI.Scheme && u.Host == h.currentURI.Host
	h.mu.Unlock()

	// sign only fetches that leave the current origin, and only when the
	// original request was trusted
	if !sameOrigin && h.accept.Trusted && h.accept.SigIss != "" {
		token, err := p8.GripSign(h.accept.SigIss, h.accept.SigKey)
		if err == nil {
			headers = append(headers, p8.Header{Name: "Grip-Sig", Value: token})
		}
	}

	z := h.engine.zclient.CreateSession()

	type fetchResult struct {
		res p8.ResponseData
		err error
	}
	done := make(chan fetchResult, 1)

	var res p8.ResponseData
	haveHeader := false
	z.OnPacket = func(p *p8.Packet) {
		switch p.Type {
		case p8.Data:
			if !haveHeader {
				haveHeader = true
				res.Code = p.Code
				res.Reason = p.Reason
				res.Headers = p.Headers
			}
			res.Body = append(res.Body, p.Body...)
			if !p.More {
				done <- fetchResult{res: res}
			}
		case p8.Error, p8.Cancel:
			done <- fetchResult{err: errors.WithStack(ErrFetchFailed{Condition: p.Condition})}
		}
	}
	z.OnError = func(condition string) {
		done <- fetchResult{err: errors.WithStack(ErrFetchFailed{Condition: condition})}
	}

	err := z.SendPacket(&p8.Packet{
		Type:    p8.Data,
		Stream:  true,
		Credits: p8.MaxAcceptResponseBody,
		Method:  "GET",
		URI:     u.String(),
		Headers: headers,
	})
	if err != nil {
		z.Finish()
		return nil, nil, err
	}

	result := <-done
	z.Finish()
	if result.err != nil {
		return nil, nil, result.err
	}

	ctype, _ := p8.ParseContentType(result.res.Headers.Get("Content-Type"))
	if ctype != p8.GripInstructType && result.res.Headers.Get("Grip-Hold") == "" &&
		result.res.Headers.Get("Grip-Link") == "" {
		return nil, result.res.Body, nil
	}

	inst, err := p8.ParseInstruction(result.res, u)
	if err != nil {
		return nil, nil, err
	}
	return inst, nil, nil
}

// finishBody ends the response body and tears down.
func (h *HoldSession) finishBody() {
	h.req.SendPacket(&p8.Packet{Type: p8.Data, More: false})
	h.finish()
}

func (h *HoldSession) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *HoldSession) finish() {
	h.mu.Lock()
	if h.state == HoldFinished {
		h.mu.Unlock()
		return
	}
	h.state = HoldFinished
	h.stopTimerLocked()
	subscribed := h.subscribed
	h.subscribed = nil
	h.mu.Unlock()

	h.engine.registry.UnsubscribeAll(h, subscribed)
	h.req.Finish()
	h.engine.sessionFinished(h)
}

// teardown handles abnormal endings: client departure or errors.
func (h *HoldSession) teardown() {
	h.mu.Lock()
	if h.state == HoldFinished {
		h.mu.Unlock()
		return
	}
	h.state = HoldFinished
	h.stopTimerLocked()
	subscribed := h.subscribed
	h.subscribed = nil
	h.mu.Unlock()

	h.engine.registry.UnsubscribeAll(h, subscribed)
	h.req.Finish()
	h.engine.sessionFinished(h)
}

// State returns the session state, for tests.
func (h *HoldSession) State() HoldState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
