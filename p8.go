// Package p8 implements the core of the P-8 realtime proxy: the ZHTTP
// wire protocol, the message transport, GRIP instruction handling, publish
// sequencing and the shared route and stats machinery used by the edge,
// proxy and handler components.
package p8

import "time"

const (
	// SessionExpire is how long a ZHTTP session may stay idle before it
	// is cancelled and destroyed.
	SessionExpire = time.Second * 60
	// SessionKeepAlive is the interval between ZHTTP keep-alive packets.
	SessionKeepAlive = SessionExpire / 2
	// ExternalKeepAlive is the interval between keep-alive control
	// messages sent to the external web server.
	ExternalKeepAlive = time.Second * 90
	// ControlPollInterval is how often the edge adapter polls the external
	// web server for confirmed-written byte counts.
	ControlPollInterval = time.Millisecond * 250
	// ClientBufferSize is the per-request credit window advertised toward
	// the origin side.
	ClientBufferSize = 200000
	// MaxAcceptRequestBody is the most request body bytes buffered for a
	// possible accept handoff. One byte more and the request loses accept
	// capability but keeps streaming.
	MaxAcceptRequestBody = 100000
	// MaxAcceptResponseBody is the most response body bytes buffered while
	// deciding whether a response carries a GRIP instruction.
	MaxAcceptResponseBody = 100000
	// MaxInitialBuffer bounds the buffered initial response of a hold.
	MaxInitialBuffer = 100000
	// MaxStreamBuffer bounds the unwritten stream data of a held session.
	// Publishes that do not fit are dropped.
	MaxStreamBuffer = 100000
	// WSMaxFrame is the fragmentation point for published WebSocket
	// messages.
	WSMaxFrame = 16384
	// DefaultHWM is the high-water mark for transport sockets.
	DefaultHWM = 1000
	// StatsHWM is the high-water mark for the stats PUB socket.
	StatsHWM = 200000
)

const (
	// ChannelPendingMax is the most out-of-order publishes held back per
	// channel. Insertion beyond this drops the item.
	ChannelPendingMax = 100
	// PendingExpire is how long an out-of-order publish waits for its
	// prev-id before being released anyway.
	PendingExpire = time.Second * 10
	// RetryTimeout is the base delay before retrying a failed next-link
	// fetch. It doubles per attempt.
	RetryTimeout = time.Second
	// RetryRandMax is the upper bound of the uniform jitter added to each
	// next-link retry delay.
	RetryRandMax = time.Second
	// RetryMax is the number of next-link fetch attempts before giving up.
	RetryMax = 5
)

const (
	// DefaultHoldTimeout applies when a response hold names no timeout.
	DefaultHoldTimeout = time.Second * 55
	// MinHoldTimeout is the floor applied to origin-supplied hold timeouts.
	MinHoldTimeout = time.Second * 20
	// MaxHoldTimeout is the cap applied to origin-supplied hold timeouts.
	MaxHoldTimeout = time.Second * 1800
	// DefaultKeepAliveTimeout applies when a stream hold names no
	// keep-alive timeout.
	DefaultKeepAliveTimeout = time.Second * 55
)

// Version is the release version string reported by --version.
const Version = "1.0.0"
