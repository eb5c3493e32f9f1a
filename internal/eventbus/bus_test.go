package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "conn.added", Data: map[string]any{"user_id": "u1"}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, "conn.added", e.Type)
		assert.False(t, e.Time.IsZero())
		assert.Equal(t, "u1", e.Data["user_id"])
	}
}

func TestSubscribeTypeFilter(t *testing.T) {
	b := New()
	conns, unsub := b.Subscribe(4, "conn.")
	defer unsub()
	exact, unsub2 := b.Subscribe(4, "message.dropped")
	defer unsub2()

	b.Publish(Event{Type: "conn.removed"})
	b.Publish(Event{Type: "message.queued"})
	b.Publish(Event{Type: "message.dropped"})

	require.Len(t, conns, 1)
	assert.Equal(t, "conn.removed", (<-conns).Type)
	require.Len(t, exact, 1)
	assert.Equal(t, "message.dropped", (<-exact).Type)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})

	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
	assert.Zero(t, b.Dropped())
}
