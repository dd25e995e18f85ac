package p8

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PublishLastIds caches the last published id per channel, evicting the
// least recently used channel at capacity.
type PublishLastIds struct {
	cache *lru.Cache[string, string]
}

// NewPublishLastIds returns a cache holding up to capacity channels.
func NewPublishLastIds(capacity int) *PublishLastIds {
	cache, _ := lru.New[string, string](capacity)
	return &PublishLastIds{cache: cache}
}

// Set stores id as the last id for channel and promotes the entry.
func (p *PublishLastIds) Set(channel, id string) {
	p.cache.Add(channel, id)
}

// Remove deletes the entry for channel.
func (p *PublishLastIds) Remove(channel string) {
	p.cache.Remove(channel)
}

// Value returns the last id for channel, or "" if unknown.
func (p *PublishLastIds) Value(channel string) string {
	v, _ := p.cache.Get(channel)
	return v
}

const sequencerExpireInterval = time.Second

type pendingItem struct {
	time time.Time
	item *PublishItem
}

// Sequencer reorders publishes per channel so that subscribers observe
// them in prev-id order. An item whose prev-id does not match the
// channel's last known id is held back until the matching item arrives,
// or until PendingExpire passes, whichever is first.
type Sequencer struct {
	mu        sync.Mutex
	lastIds   *PublishLastIds
	itemReady func(*PublishItem)

	pendingByChannel map[string]map[string]*pendingItem // channel -> prev-id -> item
	pendingByTime    []*pendingItem
	expireTimer      *time.Timer
	closed           bool
}

// NewSequencer returns a sequencer that invokes itemReady for each item
// in release order.
func NewSequencer(lastIds *PublishLastIds, itemReady func(*PublishItem)) *Sequencer {
	return &Sequencer{
		lastIds:          lastIds,
		itemReady:        itemReady,
		pendingByChannel: map[string]map[string]*pendingItem{},
	}
}

// AddItem accepts a publish for ordering.
func (s *Sequencer) AddItem(item *PublishItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastID := s.lastIds.Value(item.Channel)

	if lastID != "" && item.PrevID != "" && lastID != item.PrevID {
		channelPending := s.pendingByChannel[item.Channel]
		if channelPending == nil {
			channelPending = map[string]*pendingItem{}
			s.pendingByChannel[item.Channel] = channelPending
		}

		if _, ok := channelPending[item.PrevID]; ok {
			slog.Debug("sequencer: already have item depending on prev-id, dropping",
				"channel", item.Channel, "prev-id", item.PrevID)
			return
		}
		if len(channelPending) >= ChannelPendingMax {
			slog.Debug("sequencer: too many pending items, dropping", "channel", item.Channel)
			return
		}

		pi := &pendingItem{time: time.Now(), item: item}
		channelPending[item.PrevID] = pi
		s.pendingByTime = append(s.pendingByTime, pi)

		if s.expireTimer == nil && !s.closed {
			s.expireTimer = time.AfterFunc(sequencerExpireInterval, s.expire)
		}
		return
	}

	s.sendItemLocked(item)
}

// ClearPending drops any held-back items for channel.
func (s *Sequencer) ClearPending(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channelPending := s.pendingByChannel[channel]
	if channelPending == nil {
		return
	}
	for _, pi := range channelPending {
		s.removeByTimeLocked(pi)
	}
	delete(s.pendingByChannel, channel)
}

// Stop stops the expire timer. Pending items are discarded.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.expireTimer != nil {
		s.expireTimer.Stop()
		s.expireTimer = nil
	}
}

func (s *Sequencer) removeByTimeLocked(pi *pendingItem) {
	for i, other := range s.pendingByTime {
		if other == pi {
			s.pendingByTime = append(s.pendingByTime[:i], s.pendingByTime[i+1:]...)
			return
		}
	}
}

func (s *Sequencer) sendItemLocked(item *PublishItem) {
	if item.ID != "" {
		s.lastIds.Set(item.Channel, item.ID)
	} else {
		s.lastIds.Remove(item.Channel)
	}

	s.itemReady(item)

	// release anything chained on the id we just advanced to
	channelPending := s.pendingByChannel[item.Channel]
	id := item.ID
	for id != "" && len(channelPending) > 0 {
		pi, ok := channelPending[id]
		if !ok {
			break
		}
		delete(channelPending, id)
		s.removeByTimeLocked(pi)

		next := pi.item
		if next.ID != "" {
			s.lastIds.Set(next.Channel, next.ID)
		} else {
			s.lastIds.Remove(next.Channel)
		}
		s.itemReady(next)
		id = next.ID
	}

	if channelPending != nil && len(channelPending) == 0 {
		delete(s.pendingByChannel, item.Channel)
	}
}

func (s *Sequencer) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	threshold := time.Now().Add(-PendingExpire)

	for len(s.pendingByTime) > 0 {
		pi := s.pendingByTime[0]
		if pi.time.After(threshold) {
			break
		}

		slog.Debug("sequencer: timing out item", "channel", pi.item.Channel, "id", pi.item.ID)

		s.pendingByTime = s.pendingByTime[1:]
		channelPending := s.pendingByChannel[pi.item.Channel]
		delete(channelPending, pi.item.PrevID)
		if len(channelPending) == 0 {
			delete(s.pendingByChannel, pi.item.Channel)
		}

		s.sendItemLocked(pi.item)
	}

	if len(s.pendingByTime) > 0 {
		s.expireTimer = time.AfterFunc(sequencerExpireInterval, s.expire)
	} else {
		s.expireTimer = nil
	}
}
