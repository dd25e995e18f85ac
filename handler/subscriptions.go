// Package handler drives held client connections: it accepts paused
// sessions from the proxy, subscribes them to channels, and applies
// published items until timeout or departure.
package handler

import (
	"sync"

	p8 "github.com/P-8-project/P-8"
)

// Subscriber receives published items for channels it subscribed to.
type Subscriber interface {
	Publish(item *p8.PublishItem)
}

// SubscriptionRegistry maps channels to held sessions. It relates and
// looks up sessions but never owns them; a session unregisters itself
// when it goes away.
type SubscriptionRegistry struct {
	mu    sync.Mutex
	subs  map[string]map[Subscriber]struct{}
	stats *p8.StatsEngine
	mode  string
}

// NewSubscriptionRegistry returns an empty registry reporting under the
// given stats mode.
func NewSubscriptionRegistry(stats *p8.StatsEngine, mode string) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs:  map[string]map[Subscriber]struct{}{},
		stats: stats,
		mode:  mode,
	}
}

// Subscribe adds s to channel.
func (r *SubscriptionRegistry) Subscribe(s Subscriber, channel string) {
	r.mu.Lock()
	set := r.subs[channel]
	if set == nil {
		set = map[Subscriber]struct{}{}
		r.subs[channel] = set
	}
	set[s] = struct{}{}
	count := len(set)
	r.mu.Unlock()

	if r.stats != nil {
		r.stats.AddSubscription(r.mode, channel, count)
	}
}

// Unsubscribe removes s from channel. The stats entry lingers briefly
// to absorb a quick resubscribe.
func (r *SubscriptionRegistry) Unsubscribe(s Subscriber, channel string) {
	r.mu.Lock()
	empty := false
	if set := r.subs[channel]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(r.subs, channel)
			empty = true
		}
	}
	r.mu.Unlock()

	if empty && r.stats != nil {
		r.stats.RemoveSubscription(r.mode, channel, true)
	}
}

// UnsubscribeAll removes s from every channel in channels.
func (r *SubscriptionRegistry) UnsubscribeAll(s Subscriber, channels []string) {
	for _, ch := range channels {
		r.Unsubscribe(s, ch)
	}
}

// Dispatch delivers item to every subscriber of its channel.
func (r *SubscriptionRegistry) Dispatch(item *p8.PublishItem) {
	r.mu.Lock()
	var targets []Subscriber
	for s := range r.subs[item.Channel] {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Publish(item)
	}
}

// SubscriberCount returns the number of sessions on channel.
func (r *SubscriptionRegistry) SubscriberCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[channel])
}
