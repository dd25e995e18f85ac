package p8

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func streamItem(channel, id, prevID, body string) *PublishItem {
	return &PublishItem{
		Channel: channel,
		ID:      id,
		PrevID:  prevID,
		Formats: map[FormatType]PublishFormat{
			FormatHTTPStream: {Type: FormatHTTPStream, Body: []byte(body)},
		},
	}
}

func TestPublishLastIds(t *testing.T) {
	ids := NewPublishLastIds(10)

	assert.Empty(t, ids.Value("c"))
	ids.Set("c", "x1")
	assert.Equal(t, "x1", ids.Value("c"))
	ids.Set("c", "x1")
	assert.Equal(t, "x1", ids.Value("c"))
	ids.Remove("c")
	assert.Empty(t, ids.Value("c"))
}

func TestPublishLastIdsEviction(t *testing.T) {
	ids := NewPublishLastIds(2)
	ids.Set("a", "1")
	ids.Set("b", "2")
	ids.Set("a", "3") // promote a
	ids.Set("c", "4") // evicts b
	assert.Equal(t, "3", ids.Value("a"))
	assert.Empty(t, ids.Value("b"))
	assert.Equal(t, "4", ids.Value("c"))
}

func TestSequencerInOrder(t *testing.T) {
	ids := NewPublishLastIds(100)
	var out []string
	s := NewSequencer(ids, func(item *PublishItem) {
		out = append(out, item.ID)
	})
	defer s.Stop()

	ids.Set("c", "a1")
	s.AddItem(streamItem("c", "a2", "a1", "X\n"))
	s.AddItem(streamItem("c", "a3", "a2", "Y\n"))

	assert.Equal(t, []string{"a2", "a3"}, out)
	assert.Equal(t, "a3", ids.Value("c"))
}

func TestSequencerReorders(t *testing.T) {
	// a3 arrives before a2; both must come out in prev-id order
	ids := NewPublishLastIds(100)
	var out []string
	s := NewSequencer(ids, func(item *PublishItem) {
		out = append(out, string(item.Formats[FormatHTTPStream].Body))
	})
	defer s.Stop()

	ids.Set("c", "a1")
	s.AddItem(streamItem("c", "a3", "a2", "Y\n"))
	assert.Empty(t, out)

	s.AddItem(streamItem("c", "a2", "a1", "X\n"))
	assert.Equal(t, []string{"X\n", "Y\n"}, out)
	assert.Equal(t, "a3", ids.Value("c"))
}

func TestSequencerNoOrderingWithoutPrevId(t *testing.T) {
	ids := NewPublishLastIds(100)
	var out []string
	s := NewSequencer(ids, func(item *PublishItem) {
		out = append(out, item.ID)
	})
	defer s.Stop()

	ids.Set("c", "a1")
	s.AddItem(streamItem("c", "a9", "", "Z\n"))
	assert.Equal(t, []string{"a9"}, out)
	assert.Equal(t, "a9", ids.Value("c"))
}

func TestSequencerUnknownChannelPassesThrough(t *testing.T) {
	ids := NewPublishLastIds(100)
	var out []string
	s := NewSequencer(ids, func(item *PublishItem) {
		out = append(out, item.ID)
	})
	defer s.Stop()

	s.AddItem(streamItem("new", "b1", "b0", "first\n"))
	assert.Equal(t, []string{"b1"}, out)
}

func TestSequencerDuplicateDependencyDropped(t *testing.T) {
	ids := NewPublishLastIds(100)
	var out []string
	s := NewSequencer(ids, func(item *PublishItem) {
		out = append(out, item.ID)
	})
	defer s.Stop()

	ids.Set("c", "a1")
	s.AddItem(streamItem("c", "a3", "a2", "Y\n"))
	s.AddItem(streamItem("c", "a4", "a2", "Z\n")) // same dependency, dropped

	s.AddItem(streamItem("c", "a2", "a1", "X\n"))
	assert.Equal(t, []string{"a2", "a3"}, out)
}

func TestSequencerPendingCap(t *testing.T) {
	ids := NewPublishLastIds(1000)
	var out []string
	s := NewSequencer(ids, func(item *PublishItem) {
		out = append(out, item.ID)
	})
	defer s.Stop()

	ids.Set("c", "known")
	for i := 0; i < ChannelPendingMax+1; i++ {
		s.AddItem(streamItem("c", fmt.Sprintf("id%d", i), fmt.Sprintf("dep%d", i), "x"))
	}

	s.mu.Lock()
	pending := len(s.pendingByChannel["c"])
	s.mu.Unlock()
	assert.Equal(t, ChannelPendingMax, pending)
	assert.Empty(t, out)

	// clearing the channel drops every held-back item
	s.ClearPending("c")
	s.mu.Lock()
	assert.Empty(t, s.pendingByChannel)
	s.mu.Unlock()
}

func TestSequencerNullIdClearsLastId(t *testing.T) {
	ids := NewPublishLastIds(100)
	s := NewSequencer(ids, func(*PublishItem) {})
	defer s.Stop()

	ids.Set("c", "a1")
	s.AddItem(streamItem("c", "", "a1", "x"))
	assert.Empty(t, ids.Value("c"))
}
