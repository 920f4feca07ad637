package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmrelay/internal/config"
	"github.com/npezzotti/go-dmrelay/internal/database"
	"github.com/npezzotti/go-dmrelay/internal/notify"
	"github.com/npezzotti/go-dmrelay/internal/presence"
	"github.com/npezzotti/go-dmrelay/internal/stats"
	"github.com/npezzotti/go-dmrelay/internal/types"
	"go.uber.org/zap"
)

// ChatServer hosts chat sessions and owns the state they share.
type ChatServer struct {
	log              *zap.SugaredLogger
	db               database.DMRepository
	presence         *presence.Registry
	notifications    *notify.Fanout
	stats            stats.StatsProvider
	handshakeTimeout time.Duration

	sessions     map[*Session]struct{}
	sessionsLock sync.Mutex
	closed       bool
	wg           sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewChatServer(
	logger *zap.SugaredLogger,
	db database.DMRepository,
	registry *presence.Registry,
	fanout *notify.Fanout,
	su stats.StatsProvider,
	handshakeTimeout time.Duration,
) (*ChatServer, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = config.DefaultHandshakeTimeout
	}

	su.RegisterMetric(stats.NumActiveSessions)
	su.RegisterMetric(stats.NumNotificationStreams)
	su.RegisterMetric(stats.NumMessagesRelayed)

	ctx, cancel := context.WithCancel(context.Background())
	return &ChatServer{
		log:              logger,
		db:               db,
		presence:         registry,
		notifications:    fanout,
		stats:            su,
		handshakeTimeout: handshakeTimeout,
		sessions:         make(map[*Session]struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Serve runs a chat session for user on conn in its own goroutine. The
// connection is closed when the session ends.
func (cs *ChatServer) Serve(conn *websocket.Conn, user types.User) {
	s := NewSession(user, conn, cs, cs.log.With("user", user.Nickname, "user_id", user.Id))
	if !cs.addSession(s) {
		cs.log.Infow("rejecting session during shutdown", "user", user.Nickname)
		conn.Close()
		return
	}

	go func() {
		defer cs.wg.Done()
		defer cs.removeSession(s)
		s.Run(cs.ctx)
	}()
}

func (cs *ChatServer) addSession(s *Session) bool {
	cs.sessionsLock.Lock()
	defer cs.sessionsLock.Unlock()

	if cs.closed {
		return false
	}

	cs.sessions[s] = struct{}{}
	cs.wg.Add(1)
	cs.stats.Incr(stats.NumActiveSessions)
	return true
}

func (cs *ChatServer) removeSession(s *Session) {
	cs.sessionsLock.Lock()
	defer cs.sessionsLock.Unlock()

	if _, ok := cs.sessions[s]; ok {
		delete(cs.sessions, s)
		cs.stats.Decr(stats.NumActiveSessions)
	}
}

func (cs *ChatServer) sessionCount() int {
	cs.sessionsLock.Lock()
	defer cs.sessionsLock.Unlock()

	return len(cs.sessions)
}

// SubscribeNotifications opens the notification stream for userId.
func (cs *ChatServer) SubscribeNotifications(userId int) *notify.Subscription {
	cs.stats.Incr(stats.NumNotificationStreams)
	return cs.notifications.Subscribe(userId)
}

func (cs *ChatServer) UnsubscribeNotifications(sub *notify.Subscription) {
	cs.notifications.Unsubscribe(sub)
	cs.stats.Decr(stats.NumNotificationStreams)
}

// Shutdown stops every session and waits for them to finish or for ctx to
// expire, whichever comes first.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.sessionsLock.Lock()
	cs.closed = true
	cs.sessionsLock.Unlock()

	cs.log.Infow("stopping chat sessions", "sessions", cs.sessionCount())
	cs.cancel()

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cs.notifications.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
