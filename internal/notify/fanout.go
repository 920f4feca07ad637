// Package notify pushes best-effort activity notifications to long-lived
// per-user streams. Notifications are not persisted or replayed.
package notify

import (
	"sync"
)

const DefaultBufferSize = 64

type Notification struct {
	// AddresseeNickname carries the nickname of the user who sent the
	// message; the field name is kept for client compatibility.
	AddresseeNickname string `json:"addressee_nickname"`
	Message           string `json:"message"`
}

type Subscription struct {
	UserId int
	ch     chan Notification
	once   sync.Once
}

// C returns the stream of notifications. It is closed when the
// subscription is replaced, unsubscribed or the fan-out shuts down.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

type Fanout struct {
	mu         sync.RWMutex
	subs       map[int]*Subscription
	bufferSize int
	closed     bool
}

func NewFanout(bufferSize int) *Fanout {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Fanout{
		subs:       make(map[int]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe creates the stream for userId, closing any stream it replaces.
func (f *Fanout) Subscribe(userId int) *Subscription {
	sub := &Subscription{
		UserId: userId,
		ch:     make(chan Notification, f.bufferSize),
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		sub.close()
		return sub
	}

	if old, ok := f.subs[userId]; ok {
		old.close()
	}
	f.subs[userId] = sub

	return sub
}

// Unsubscribe removes sub if it is still the current stream for its user.
func (f *Fanout) Unsubscribe(sub *Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.subs[sub.UserId]
	if !ok || cur != sub {
		return false
	}

	delete(f.subs, sub.UserId)
	sub.close()
	return true
}

// Publish never blocks. It reports whether the notification was queued.
func (f *Fanout) Publish(userId int, n Notification) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sub, ok := f.subs[userId]
	if !ok {
		return false
	}

	select {
	case sub.ch <- n:
		return true
	default:
		return false
	}
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.subs)
}

// Close ends every stream. Subscriptions made afterwards are closed
// immediately.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	for id, sub := range f.subs {
		sub.close()
		delete(f.subs, id)
	}
}
