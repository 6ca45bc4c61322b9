package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, n int) (Handler, func() []Event) {
	t.Helper()
	var (
		mu     sync.Mutex
		events []Event
		wg     sync.WaitGroup
	)
	wg.Add(n)
	h := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		wg.Done()
	}
	wait := func() []Event {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
	return h, wait
}

func TestBus_DeliversInTopicOrder(t *testing.T) {
	b := NewWithConfig(4, 64)
	defer b.Close(context.Background())

	h, wait := collect(t, 20)
	b.Subscribe(DeviceTopic("12"), h)

	for i := 0; i < 20; i++ {
		b.Publish(Event{Topic: DeviceTopic("12"), Data: i})
	}

	events := wait()
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, i, e.Data)
	}
}

func TestBus_OnlyMatchingTopic(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	h, wait := collect(t, 1)
	b.Subscribe(TopicSystemReady, h)
	b.Subscribe(DeviceTopic("1"), func(Event) { t.Error("device handler must not be called") })

	b.Publish(Event{Topic: TopicSystemReady})

	events := wait()
	assert.Equal(t, TopicSystemReady, events[0].Topic)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	sub := b.Subscribe(DeviceTopic("1"), func(Event) {})
	other := b.Subscribe(DeviceTopic("1"), func(Event) {})
	assert.Equal(t, 2, b.SubscriberCount(DeviceTopic("1")))

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 1, b.SubscriberCount(DeviceTopic("1")))

	b.Unsubscribe(other)
	assert.Equal(t, 0, b.SubscriberCount(DeviceTopic("1")))
	assert.Equal(t, DeviceTopic("1"), other.Topic())
}

func TestBus_RecoversFromPanic(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	h, wait := collect(t, 1)
	b.Subscribe(TopicConnectionOpened, func(Event) { panic("boom") })
	b.Subscribe(TopicConnectionOpened, h)

	b.Publish(Event{Topic: TopicConnectionOpened})
	assert.Len(t, wait(), 1)
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New()
	b.Subscribe(TopicConnectionClosed, func(Event) { t.Error("handler must not run after close") })
	b.Close(context.Background())

	assert.NotPanics(t, func() {
		b.Publish(Event{Topic: TopicConnectionClosed})
	})
}
