package p8

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

type captureSender struct {
	mu      sync.Mutex
	packets []*StatsPacket
}

func (c *captureSender) SendStats(p *StatsPacket) {
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()
}

func (c *captureSender) byType(ptype string) []*StatsPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*StatsPacket
	for _, p := range c.packets {
		if p.Type == ptype {
			out = append(out, p)
		}
	}
	return out
}

func TestStatsConnectionLifecycle(t *testing.T) {
	defer leaktest.Check(t)()

	sender := &captureSender{}
	e := NewStatsEngine(sender, false)
	defer e.Stop()

	e.AddConnection("c1", "route1", ConnHTTP, "10.0.0.1", false)
	e.AddConnection("c2", "route1", ConnWebSocket, "10.0.0.2", true)
	assert.Equal(t, 2, e.ConnectionCount())

	conns := sender.byType("conn")
	assert.Len(t, conns, 2)
	assert.Equal(t, ConnectionTTL, conns[0].TTL)

	e.RemoveConnection("c1")
	assert.Equal(t, 1, e.ConnectionCount())
	assert.Len(t, sender.byType("conn-disc"), 1)

	// removing twice is harmless
	e.RemoveConnection("c1")
	assert.Equal(t, 1, e.ConnectionCount())
}

func TestStatsSubscriptionLinger(t *testing.T) {
	defer leaktest.Check(t)()

	sender := &captureSender{}
	e := NewStatsEngine(sender, false)
	defer e.Stop()

	e.AddSubscription("http", "room", 1)
	assert.Len(t, sender.byType("sub"), 1)

	// linger keeps the entry; no unsub emitted yet
	e.RemoveSubscription("http", "room", true)
	assert.Empty(t, sender.byType("unsub"))

	// resubscribing within the linger period revives it
	e.AddSubscription("http", "room", 1)
	assert.Empty(t, sender.byType("unsub"))

	// hard removal emits immediately
	e.RemoveSubscription("http", "room", false)
	assert.Len(t, sender.byType("unsub"), 1)
}

func TestStatsExternalConnectionExpiry(t *testing.T) {
	defer leaktest.Check(t)()

	sender := &captureSender{}
	e := NewStatsEngine(sender, false)
	defer e.Stop()

	e.AddExternalConnection("x1", "route1", "other-instance", ConnHTTP, time.Millisecond)
	time.Sleep(time.Millisecond * 10)
	e.processBuckets()

	e.mu.Lock()
	_, present := e.external["x1"]
	e.mu.Unlock()
	assert.False(t, present)
}

func TestMarshalStats(t *testing.T) {
	data, err := MarshalStats(&StatsPacket{
		Type:         "conn",
		ConnectionID: "c1",
		RouteID:      "r1",
		ConnType:     ConnWebSocket,
		PeerAddress:  "10.0.0.1",
		TTL:          ConnectionTTL,
	})
	assert.NoError(t, err)
	assert.Equal(t, "conn T", string(data[:6]))

	v, _, err := TnetDecode(data[6:])
	assert.NoError(t, err)
	m := v.(map[string]interface{})
	assert.Equal(t, []byte("c1"), m["id"])
	assert.Equal(t, []byte("ws"), m["type"])
	assert.Equal(t, int64(120), m["ttl"])
}

func TestStatsReport(t *testing.T) {
	defer leaktest.Check(t)()

	sender := &captureSender{}
	e := NewStatsEngine(sender, true)
	defer e.Stop()

	e.AddConnection("c1", "route1", ConnHTTP, "", false)
	e.AddMessageReceived("route1")
	e.AddMessageSent("route1")
	e.AddMessageSent("route1")

	e.emitReports()
	reports := sender.byType("report")
	assert.Len(t, reports, 1)
	assert.Equal(t, "route1", reports[0].RouteID)
	assert.Equal(t, 1, reports[0].ConnectionsMax)
	assert.Equal(t, 1, reports[0].MessagesReceived)
	assert.Equal(t, 2, reports[0].MessagesSent)
}
