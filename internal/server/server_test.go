package server

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-dmrelay/internal/config"
	"github.com/npezzotti/go-dmrelay/internal/database"
	"github.com/npezzotti/go-dmrelay/internal/notify"
	"github.com/npezzotti/go-dmrelay/internal/presence"
	"github.com/npezzotti/go-dmrelay/internal/stats"
	"github.com/npezzotti/go-dmrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.DMRepository, su *stats.MockStatsUpdater, handshakeTimeout time.Duration) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Times(3)

	cs, err := NewChatServer(testutil.TestLogger(t), db, presence.NewRegistry(), notify.NewFanout(8), su, handshakeTimeout)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockDMRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.NumActiveSessions).Once()
	su.On("RegisterMetric", stats.NumNotificationStreams).Once()
	su.On("RegisterMetric", stats.NumMessagesRelayed).Once()

	logger := testutil.TestLogger(t)
	registry := presence.NewRegistry()
	fanout := notify.NewFanout(4)
	cs, err := NewChatServer(logger, db, registry, fanout, su, 0)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.Same(t, registry, cs.presence, "expected presence registry to be shared")
	assert.Same(t, fanout, cs.notifications, "expected notification fan-out to be shared")
	assert.Equal(t, config.DefaultHandshakeTimeout, cs.handshakeTimeout, "expected default handshake timeout")
	assert.NotNil(t, cs.sessions, "expected sessions map to be initialized")
}

func TestChatServer_addSession_removeSession(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveSessions).Once()
	su.On("Decr", stats.NumActiveSessions).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &database.MockDMRepository{}, su, time.Second)
	s := &Session{}

	assert.True(t, cs.addSession(s))
	assert.Equal(t, 1, cs.sessionCount())

	cs.removeSession(s)
	assert.Equal(t, 0, cs.sessionCount())

	// removing twice must not decrement again
	cs.removeSession(s)
	cs.wg.Done()
}

func TestChatServer_Notifications(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumNotificationStreams).Once()
	su.On("Decr", stats.NumNotificationStreams).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &database.MockDMRepository{}, su, time.Second)

	sub := cs.SubscribeNotifications(2)
	assert.Equal(t, 1, cs.notifications.Len())

	cs.UnsubscribeNotifications(sub)
	assert.Equal(t, 0, cs.notifications.Len())
	_, open := <-sub.C()
	assert.False(t, open, "expected stream to be closed")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown with no sessions", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockDMRepository{}, &stats.MockStatsUpdater{}, time.Second)
		sub := cs.notifications.Subscribe(1)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")

		_, open := <-sub.C()
		assert.False(t, open, "expected notification streams to be closed on shutdown")

		su := cs.stats.(*stats.MockStatsUpdater)
		su.AssertNotCalled(t, "Incr", stats.NumActiveSessions)
		assert.False(t, cs.addSession(&Session{}), "expected new sessions to be rejected after shutdown")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.NumActiveSessions).Once()
		cs := newTestChatServer(t, &database.MockDMRepository{}, su, time.Second)

		// a session that never finishes
		assert.True(t, cs.addSession(&Session{}))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
		cs.wg.Done()
	})
}
