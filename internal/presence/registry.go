// Package presence tracks which users hold a live chat session and routes
// deliveries to them.
package presence

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

var (
	// ErrOffline is returned by Route when the user has no live session. It
	// is the normal outcome for a disconnected peer.
	ErrOffline = errors.New("user is offline")
	// ErrEndpointFull is returned by Route when the session is not draining
	// its endpoint fast enough.
	ErrEndpointFull = errors.New("delivery endpoint is full")
)

// Delivery is one message routed to a live session.
type Delivery struct {
	// MessageId is zero when the message could not be persisted.
	MessageId   int
	Payload     string
	SenderId    int
	AddresseeId int
	IsSender    bool
}

// Token identifies one registration so that a stale session cannot remove
// the entry of the session that replaced it.
type Token string

type entry struct {
	token    Token
	endpoint chan<- Delivery
}

type Registry struct {
	mu      sync.RWMutex
	entries map[int]entry
	seq     atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int]entry),
	}
}

func (r *Registry) newToken() Token {
	if id, err := shortid.Generate(); err == nil {
		return Token(id)
	}
	return Token("seq-" + strconv.FormatUint(r.seq.Add(1), 10))
}

// Register inserts or overwrites the endpoint for userId.
func (r *Registry) Register(userId int, endpoint chan<- Delivery) Token {
	token := r.newToken()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userId] = entry{token: token, endpoint: endpoint}

	return token
}

// Deregister removes the entry for userId only if it still belongs to token.
func (r *Registry) Deregister(userId int, token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userId]
	if !ok || e.token != token {
		return false
	}

	delete(r.entries, userId)
	return true
}

// Route hands d to the live session of userId without blocking.
func (r *Registry) Route(userId int, d Delivery) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userId]
	if !ok {
		return ErrOffline
	}

	select {
	case e.endpoint <- d:
		return nil
	default:
		return ErrEndpointFull
	}
}

func (r *Registry) IsOnline(userId int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[userId]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
