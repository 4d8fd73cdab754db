package server

import (
	"sync"

	"github.com/CorvidWorks/quillsync/backend/internal/collab"
)

// Dispatcher fans broadcasts out to every subscriber of a document room.
// Rooms are keyed per tenant and document so same-named documents in different
// tenants never share a broadcast domain. Delivery is non-blocking: a
// subscriber whose stream is full misses that message rather than stalling the
// room. Delivery happens under the dispatcher mutex, so every subscriber of a
// room observes broadcasts in the same order.
type Dispatcher struct {
	mu     sync.Mutex
	rooms  map[collab.DocumentKey]map[int64]*roomSubscriber
	nextID int64
}

type roomSubscriber struct {
	id     int64
	stream chan<- ServerMessage
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		rooms: make(map[collab.DocumentKey]map[int64]*roomSubscriber),
	}
}

// Subscribe registers the stream on the document's room and returns the
// subscription id used for exclusion and removal.
func (d *Dispatcher) Subscribe(key collab.DocumentKey, stream chan<- ServerMessage) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	subscriber := &roomSubscriber{id: d.nextID, stream: stream}
	room := d.rooms[key]
	if room == nil {
		room = make(map[int64]*roomSubscriber)
		d.rooms[key] = room
	}
	room[subscriber.id] = subscriber
	return subscriber.id
}

// Unsubscribe removes the subscription from the document's room. Unknown ids
// are a no-op.
func (d *Dispatcher) Unsubscribe(key collab.DocumentKey, subscriptionID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room := d.rooms[key]
	if room == nil {
		return
	}
	delete(room, subscriptionID)
	if len(room) == 0 {
		delete(d.rooms, key)
	}
}

// Publish delivers the message to every subscriber of the document except the
// excluded subscription. Pass 0 to reach everyone.
func (d *Dispatcher) Publish(key collab.DocumentKey, message ServerMessage, excludeSubscriptionID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, subscriber := range d.rooms[key] {
		if subscriber.id == excludeSubscriptionID {
			continue
		}
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers reports the current room size, used by sweep broadcasts to skip
// empty rooms.
func (d *Dispatcher) Subscribers(key collab.DocumentKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms[key])
}
