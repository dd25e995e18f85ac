package p8

import (
	"sync"
	"time"
)

// Stats defaults.
const (
	statsRefreshInterval = time.Second
	ConnectionTTL        = time.Second * 120
	SubscriptionTTL      = time.Second * 60
	ReportInterval       = time.Second * 10
	statsLinger          = time.Second * 60
)

// shouldProcessTime is how long a full refresh pass over a table may
// take: three quarters of the TTL, so entries are always refreshed
// before expiring.
func shouldProcessTime(ttl time.Duration) time.Duration {
	return ttl * 3 / 4
}

// StatsConnType distinguishes connection transports in reports.
type StatsConnType int

const (
	ConnHTTP StatsConnType = iota
	ConnWebSocket
)

func (t StatsConnType) String() string {
	if t == ConnWebSocket {
		return "ws"
	}
	return "http"
}

// StatsPacket is one emitted stats event.
type StatsPacket struct {
	Type         string // "conn", "conn-disc", "sub", "unsub", "report"
	ConnectionID string
	RouteID      string
	ConnType     StatsConnType
	PeerAddress  string
	SSL          bool
	TTL          time.Duration

	Mode    string
	Channel string
	SubscriberCount int

	// report fields
	ConnectionsMax    int
	ConnectionMinutes int
	MessagesReceived  int
	MessagesSent      int
}

// StatsSender carries packets out, normally over the stats PUB socket.
type StatsSender interface {
	SendStats(p *StatsPacket)
}

type statsConnection struct {
	id          string
	routeID     string
	connType    StatsConnType
	peerAddress string
	ssl         bool
	bucket      int
	isNew       bool

	// external records only
	from       string
	ttl        time.Duration
	lastActive time.Time
}

type statsSubscription struct {
	mode    string
	channel string
	subscriberCount int
	bucket  int
	linger  bool
	lingerUntil time.Time
}

type routeActivity struct {
	maxConnections    int
	connectionSeconds int
	messagesReceived  int
	messagesSent      int
	connections       int
}

// StatsEngine tracks live connections and subscriptions, refreshing
// each within its TTL window and aggregating per-route reports.
type StatsEngine struct {
	mu     sync.Mutex
	sender StatsSender

	connections   map[string]*statsConnection
	subscriptions map[string]*statsSubscription // key: mode + "\x00" + channel
	external      map[string]*statsConnection

	connBuckets int
	subBuckets  int
	connCursor  int
	subCursor   int

	activity map[string]*routeActivity

	lastControlRequest time.Time
	reportsEnabled     bool

	ticker *time.Ticker
	done   chan struct{}
}

// NewStatsEngine returns a running engine emitting through sender.
func NewStatsEngine(sender StatsSender, reportsEnabled bool) *StatsEngine {
	e := &StatsEngine{
		sender:        sender,
		connections:   map[string]*statsConnection{},
		subscriptions: map[string]*statsSubscription{},
		external:      map[string]*statsConnection{},
		connBuckets:   int(shouldProcessTime(ConnectionTTL) / statsRefreshInterval),
		subBuckets:    int(shouldProcessTime(SubscriptionTTL) / statsRefreshInterval),
		activity:      map[string]*routeActivity{},
		reportsEnabled: reportsEnabled,
		ticker:        time.NewTicker(statsRefreshInterval),
		done:          make(chan struct{}),
	}
	go e.run()
	return e
}

// Stop halts refresh processing.
func (e *StatsEngine) Stop() {
	close(e.done)
	e.ticker.Stop()
}

func subKey(mode, channel string) string { return mode + "\x00" + channel }

// AddConnection records a live connection and emits a conn packet.
func (e *StatsEngine) AddConnection(id, routeID string, connType StatsConnType, peerAddress string, ssl bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &statsConnection{
		id:          id,
		routeID:     routeID,
		connType:    connType,
		peerAddress: peerAddress,
		ssl:         ssl,
		bucket:      e.connCursor,
		isNew:       true,
	}
	e.connections[id] = c

	a := e.routeActivityLocked(routeID)
	a.connections++
	if a.connections > a.maxConnections {
		a.maxConnections = a.connections
	}

	e.sender.SendStats(&StatsPacket{
		Type:         "conn",
		ConnectionID: id,
		RouteID:      routeID,
		ConnType:     connType,
		PeerAddress:  peerAddress,
		SSL:          ssl,
		TTL:          ConnectionTTL,
	})
}

// RemoveConnection drops a connection and emits a conn-disc packet.
func (e *StatsEngine) RemoveConnection(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.connections[id]
	if !ok {
		return
	}
	delete(e.connections, id)

	if a, ok := e.activity[c.routeID]; ok && a.connections > 0 {
		a.connections--
	}

	e.sender.SendStats(&StatsPacket{
		Type:         "conn-disc",
		ConnectionID: id,
		RouteID:      c.routeID,
	})
}

// ConnectionCount returns the number of live local connections.
func (e *StatsEngine) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connections)
}

// AddSubscription records a subscription, emitting a sub packet.
func (e *StatsEngine) AddSubscription(mode, channel string, subscriberCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := subKey(mode, channel)
	s, ok := e.subscriptions[key]
	if !ok {
		s = &statsSubscription{mode: mode, channel: channel, bucket: e.subCursor}
		e.subscriptions[key] = s
	}
	s.subscriberCount = subscriberCount
	s.linger = false

	e.sender.SendStats(&StatsPacket{
		Type:    "sub",
		Mode:    mode,
		Channel: channel,
		SubscriberCount: subscriberCount,
		TTL:     SubscriptionTTL,
	})
}

// RemoveSubscription drops a subscription. With linger, the entry stays
// alive briefly to absorb a quick resubscribe.
func (e *StatsEngine) RemoveSubscription(mode, channel string, linger bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := subKey(mode, channel)
	s, ok := e.subscriptions[key]
	if !ok {
		return
	}

	if linger {
		s.linger = true
		s.lingerUntil = time.Now().Add(statsLinger)
		return
	}

	delete(e.subscriptions, key)
	e.sender.SendStats(&StatsPacket{Type: "unsub", Mode: mode, Channel: channel})
}

// AddMessageReceived counts an inbound publish for routeID's report.
func (e *StatsEngine) AddMessageReceived(routeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routeActivityLocked(routeID).messagesReceived++
}

// AddMessageSent counts an outbound delivery for routeID's report.
func (e *StatsEngine) AddMessageSent(routeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routeActivityLocked(routeID).messagesSent++
}

// AddExternalConnection tracks a connection owned by another instance.
// External records are not refreshed locally; they expire on lastActive.
func (e *StatsEngine) AddExternalConnection(id, routeID, from string, connType StatsConnType, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.external[id] = &statsConnection{
		id:         id,
		routeID:    routeID,
		connType:   connType,
		from:       from,
		ttl:        ttl,
		lastActive: time.Now(),
	}
}

// RefreshExternalConnection marks an external record as still alive.
func (e *StatsEngine) RefreshExternalConnection(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.external[id]; ok {
		c.lastActive = time.Now()
	}
}

// SetLastControlRequest records the time of the latest control snapshot
// request. Refresh does not consult it: every connection starts flagged
// new and loses the flag at its first refresh, whatever this time is.
func (e *StatsEngine) SetLastControlRequest(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastControlRequest = t
}

func (e *StatsEngine) routeActivityLocked(routeID string) *routeActivity {
	a, ok := e.activity[routeID]
	if !ok {
		a = &routeActivity{}
		e.activity[routeID] = a
	}
	return a
}

func (e *StatsEngine) run() {
	lastReport := time.Now()
	for {
		select {
		case <-e.done:
			return
		case <-e.ticker.C:
			e.processBuckets()
			if e.reportsEnabled && time.Since(lastReport) >= ReportInterval {
				e.emitReports()
				lastReport = time.Now()
			}
		}
	}
}

// processBuckets refreshes one bucket of connections and one of
// subscriptions per tick, and expires stale records.
func (e *StatsEngine) processBuckets() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.connections {
		if c.bucket != e.connCursor {
			continue
		}
		c.isNew = false
		e.sender.SendStats(&StatsPacket{
			Type:         "conn",
			ConnectionID: c.id,
			RouteID:      c.routeID,
			ConnType:     c.connType,
			PeerAddress:  c.peerAddress,
			SSL:          c.ssl,
			TTL:          ConnectionTTL,
		})
	}
	e.connCursor = (e.connCursor + 1) % e.connBuckets

	now := time.Now()
	for key, s := range e.subscriptions {
		if s.linger && now.After(s.lingerUntil) {
			delete(e.subscriptions, key)
			e.sender.SendStats(&StatsPacket{Type: "unsub", Mode: s.mode, Channel: s.channel})
			continue
		}
		if s.bucket != e.subCursor {
			continue
		}
		e.sender.SendStats(&StatsPacket{
			Type:    "sub",
			Mode:    s.mode,
			Channel: s.channel,
			SubscriberCount: s.subscriberCount,
			TTL:     SubscriptionTTL,
		})
	}
	e.subCursor = (e.subCursor + 1) % e.subBuckets

	for id, c := range e.external {
		if now.Sub(c.lastActive) > c.ttl {
			delete(e.external, id)
		}
	}

	// connection-minutes accumulate one second at a time
	for _, a := range e.activity {
		a.connectionSeconds += a.connections
	}
}

func (e *StatsEngine) emitReports() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for routeID, a := range e.activity {
		e.sender.SendStats(&StatsPacket{
			Type:              "report",
			RouteID:           routeID,
			ConnectionsMax:    a.maxConnections,
			ConnectionMinutes: a.connectionSeconds / 60,
			MessagesReceived:  a.messagesReceived,
			MessagesSent:      a.messagesSent,
		})
		a.maxConnections = a.connections
		a.connectionSeconds = 0
		a.messagesReceived = 0
		a.messagesSent = 0
		if a.connections == 0 {
			delete(e.activity, routeID)
		}
	}
}

// MarshalStats encodes a stats packet for the PUB socket, prefixed with
// the packet type word.
func MarshalStats(p *StatsPacket) ([]byte, error) {
	m := map[string]interface{}{}
	switch p.Type {
	case "conn", "conn-disc":
		m["id"] = []byte(p.ConnectionID)
		m["route"] = []byte(p.RouteID)
		if p.Type == "conn" {
			m["type"] = []byte(p.ConnType.String())
			if p.PeerAddress != "" {
				m["peer-address"] = []byte(p.PeerAddress)
			}
			m["ssl"] = p.SSL
			m["ttl"] = int64(p.TTL / time.Second)
		}
	case "sub", "unsub":
		m["mode"] = []byte(p.Mode)
		m["channel"] = []byte(p.Channel)
		if p.Type == "sub" {
			m["subscribers"] = int64(p.SubscriberCount)
			m["ttl"] = int64(p.TTL / time.Second)
		}
	case "report":
		m["route"] = []byte(p.RouteID)
		m["connections-max"] = int64(p.ConnectionsMax)
		m["connection-minutes"] = int64(p.ConnectionMinutes)
		m["received"] = int64(p.MessagesReceived)
		m["sent"] = int64(p.MessagesSent)
	}

	buf := append([]byte(p.Type), ' ', 'T')
	return TnetEncode(buf, m)
}
