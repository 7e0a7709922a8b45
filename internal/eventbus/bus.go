// Package eventbus implements the engine's single typed broadcast stream.
// The core publishes; independent subscribers each get their own bounded,
// oldest-drop buffer so a slow consumer can never block the core loop.
package eventbus

import (
	"sync"
	"time"
)

// Type enumerates the recognized event names carried on the bus.
type Type string

const (
	TypeLocation          Type = "location"
	TypeMotionChange       Type = "motionchange"
	TypeActivityChange     Type = "activitychange"
	TypeHeartbeat          Type = "heartbeat"
	TypeGeofence           Type = "geofence"
	TypeGeofencesChange    Type = "geofenceschange"
	TypeProviderChange     Type = "providerchange"
	TypeConnectivityChange Type = "connectivitychange"
	TypePowerSaveChange    Type = "powersavechange"
	TypeSchedule           Type = "schedule"
	TypeTripStart          Type = "tripstart"
	TypeTripUpdate         Type = "tripupdate"
	TypeTripEnd            Type = "tripend"
	TypeDwell              Type = "dwell"
	TypeRouteDeviation     Type = "routedeviation"
	TypeHTTP               Type = "http"
	TypeError              Type = "error"
	TypeWorkflowAdvance    Type = "workflow_advance"
	TypeWorkflowTimeout    Type = "workflow_timeout"
	TypeWorkflowComplete   Type = "workflow_complete"
)

// Event is a single typed message placed on the bus. Payload is whatever
// concrete struct the publisher built for this Type (e.g. a Location for
// TypeLocation) — subscribers type-assert on it.
type Event struct {
	Type      Type
	Payload   any
	Timestamp time.Time
}

// DefaultSubscriptionBuffer is the per-subscriber channel capacity used when
// a subscriber doesn't request a specific size.
const DefaultSubscriptionBuffer = 256

// Subscription is a single subscriber's view of the bus: a receive channel
// plus a running count of events dropped because the subscriber fell
// behind.
type Subscription struct {
	C       <-chan Event
	dropped *uint64
	mu      *sync.Mutex
}

// Dropped returns the number of events this subscription has lost to
// backpressure since it was created.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.dropped
}

type subscriber struct {
	ch      chan Event
	dropped uint64
	mu      sync.Mutex
}

// Bus is the engine's single broadcast stream. The zero value is not usable;
// construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	now         func() time.Time
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]*subscriber), now: time.Now}
}

// Subscribe registers a new subscriber with the given buffer size (falling
// back to DefaultSubscriptionBuffer for a non-positive size) and returns a
// Subscription plus an unsubscribe function.
func (b *Bus) Subscribe(bufferSize int) (*Subscription, func()) {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriptionBuffer
	}
	sub := &subscriber{ch: make(chan Event, bufferSize)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}

	return &Subscription{C: sub.ch, dropped: &sub.dropped, mu: &sub.mu}, unsubscribe
}

// Publish fans an event out to every current subscriber. A subscriber whose
// buffer is full has its oldest buffered event dropped (not the new one) so
// that recent state always wins; write-only from the core's perspective,
// this call never blocks.
func (b *Bus) Publish(eventType Type, payload any) {
	evt := Event{Type: eventType, Payload: payload, Timestamp: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Buffer is full: drop the oldest queued event to make room, per the
	// bounded-buffer oldest-drop policy, then retry once.
	select {
	case <-sub.ch:
		sub.mu.Lock()
		sub.dropped++
		sub.mu.Unlock()
	default:
	}

	select {
	case sub.ch <- evt:
	default:
		// Another publisher raced us; count this event as dropped too.
		sub.mu.Lock()
		sub.dropped++
		sub.mu.Unlock()
	}
}

// SubscriberCount returns the number of currently-registered subscribers,
// mainly for admin/metrics surfaces.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
