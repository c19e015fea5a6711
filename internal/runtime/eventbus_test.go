package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	var got1, got2 []Event
	bus.Subscribe(func(e Event) { got1 = append(got1, e) })
	bus.Subscribe(func(e Event) { got2 = append(got2, e) })

	bus.Publish(Event{Kind: EventBackendFailed, Backend: "alpha"})

	assert.Len(t, got1, 1)
	assert.Len(t, got2, 1)
	assert.Equal(t, "alpha", got1[0].Backend)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	var count int
	unsub := bus.Subscribe(func(e Event) { count++ })

	bus.Publish(Event{Kind: EventBackendRestarting})
	unsub()
	bus.Publish(Event{Kind: EventBackendRestarting})

	assert.Equal(t, 1, count)
}
