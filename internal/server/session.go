package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmrelay/internal/database"
	"github.com/npezzotti/go-dmrelay/internal/notify"
	"github.com/npezzotti/go-dmrelay/internal/presence"
	"github.com/npezzotti/go-dmrelay/internal/stats"
	"github.com/npezzotti/go-dmrelay/internal/types"
	"go.uber.org/zap"
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingInterval       = (pongWait * 9) / 10
	maxMessageSize     = 4096
	deliveryBufferSize = 256
	storeTimeout       = 5 * time.Second
)

type State int

const (
	StateHandshaking State = iota
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session drives one chat connection: handshake, then two relay loops that
// end together.
type Session struct {
	conn      *websocket.Conn
	cs        *ChatServer
	log       *zap.SugaredLogger
	user      types.User
	addressee types.User

	deliveries chan presence.Delivery
	token      presence.Token
	// ids replayed during the handshake; live copies of them are dropped
	replayed map[int]struct{}

	stateLock sync.Mutex
	state     State
}

func NewSession(user types.User, conn *websocket.Conn, cs *ChatServer, l *zap.SugaredLogger) *Session {
	return &Session{
		conn:       conn,
		cs:         cs,
		log:        l,
		user:       user,
		deliveries: make(chan presence.Delivery, deliveryBufferSize),
		replayed:   make(map[int]struct{}),
		state:      StateHandshaking,
	}
}

func (s *Session) State() State {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.state = state
}

// Run blocks until the session is closed. Cancelling ctx closes the
// connection, which unblocks every pending read and write.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})
	defer stop()

	defer s.teardown()

	if !s.handshake(ctx) {
		return
	}

	s.setState(StateRelaying)
	s.log.Infow("relaying", "addressee", s.addressee.Nickname)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.deliveryLoop(ctx)
		s.log.Debug("delivery loop exiting")
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.ingressLoop(ctx)
		s.log.Debug("ingress loop exiting")
	}()
	wg.Wait()
}

func (s *Session) teardown() {
	if s.token != "" {
		if !s.cs.presence.Deregister(s.user.Id, s.token) {
			s.log.Debug("presence entry already replaced by a newer session")
		}
	}

	s.conn.Close()
	s.setState(StateClosed)
	s.log.Info("session closed")
}

// handshake waits for an init_chat frame and binds the addressee. It
// reports whether the session may start relaying.
func (s *Session) handshake(ctx context.Context) bool {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cs.handshakeTimeout))

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Infow("handshake timed out", "timeout", s.cs.handshakeTimeout)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Infow("connection closed during handshake", "error", err)
			}
			return false
		}

		if msgType != websocket.TextMessage {
			s.log.Debugw("ignoring non-text frame during handshake", "frame_type", msgType)
			continue
		}

		msg, err := DecodeClientMessage(raw)
		if err != nil {
			s.log.Warnw("invalid handshake frame", "error", err)
			continue
		}

		if msg.InitChat == nil {
			s.log.Warnw("unexpected frame during handshake, expected init_chat", "type", msg.Type())
			continue
		}

		return s.initChat(ctx, msg.InitChat.AddresseeNickname)
	}
}

func (s *Session) initChat(ctx context.Context, nickname string) bool {
	if nickname == s.user.Nickname {
		s.rejectHandshake(ReasonSelfChat)
		return false
	}

	dbCtx, cancel := s.storeContext(ctx)
	addressee, err := s.cs.db.GetAccountByNickname(dbCtx, nickname)
	cancel()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.rejectHandshake(ReasonAddresseeNotFound)
		} else {
			s.log.Errorw("failed to look up addressee", "addressee", nickname, "error", err)
			s.rejectHandshake(ReasonInternalError)
		}
		return false
	}

	if addressee.Id == s.user.Id {
		s.rejectHandshake(ReasonSelfChat)
		return false
	}

	s.addressee = types.User{Id: addressee.Id, Nickname: addressee.Nickname}
	s.log = s.log.With("addressee", addressee.Nickname)
	s.token = s.cs.presence.Register(s.user.Id, s.deliveries)

	if !s.writeFrame(ChatInitSuccessMessage()) {
		return false
	}

	if !s.replay(ctx) {
		return false
	}

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return true
}

func (s *Session) rejectHandshake(reason string) {
	s.log.Infow("rejecting chat", "reason", reason)
	if !s.writeFrame(ChatInitFailureMessage(reason)) {
		return
	}

	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
}

// replay writes every pending message from the addressee, marking each one
// received after it reaches the socket.
func (s *Session) replay(ctx context.Context) bool {
	dbCtx, cancel := s.storeContext(ctx)
	pending, err := s.cs.db.GetUnreceived(dbCtx, s.user.Id, s.addressee.Id)
	cancel()
	if err != nil {
		// the messages stay pending and are offered again next handshake
		s.log.Errorw("failed to load unreceived messages", "error", err)
		return true
	}

	for _, m := range pending {
		if !s.writeFrame(MsgMessage(m.Payload, false)) {
			return false
		}
		s.replayed[m.Id] = struct{}{}
		s.markReceived(ctx, m.Id)
	}

	if len(pending) > 0 {
		s.log.Infow("replayed unreceived messages", "count", len(pending))
	}

	return true
}

func (s *Session) deliveryLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case d := <-s.deliveries:
			if !s.deliver(ctx, d) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// belongs reports whether d is part of this session's conversation. A user
// chatting with someone else keeps the message pending for later replay.
func (s *Session) belongs(d presence.Delivery) bool {
	if d.IsSender {
		return d.SenderId == s.user.Id && d.AddresseeId == s.addressee.Id
	}
	return d.SenderId == s.addressee.Id && d.AddresseeId == s.user.Id
}

func (s *Session) deliver(ctx context.Context, d presence.Delivery) bool {
	if !s.belongs(d) {
		s.log.Debugw("skipping delivery for another conversation", "message_id", d.MessageId)
		return true
	}

	if !d.IsSender && d.MessageId != 0 {
		if _, ok := s.replayed[d.MessageId]; ok {
			s.log.Debugw("skipping live copy of replayed message", "message_id", d.MessageId)
			return true
		}
	}

	if !s.writeFrame(MsgMessage(d.Payload, d.IsSender)) {
		return false
	}

	if d.IsSender {
		if !s.cs.notifications.Publish(s.addressee.Id, notify.Notification{
			AddresseeNickname: s.user.Nickname,
			Message:           d.Payload,
		}) {
			s.log.Debug("no notification stream for addressee")
		}
	} else {
		s.markReceived(ctx, d.MessageId)
	}

	return true
}

func (s *Session) ingressLoop(ctx context.Context) {
	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Infow("read failed", "error", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			s.log.Debugw("ignoring non-text frame", "frame_type", msgType)
			continue
		}

		msg, err := DecodeClientMessage(raw)
		if err != nil {
			s.log.Warnw("invalid frame", "error", err)
			continue
		}

		if msg.Msg == nil {
			s.log.Warnw("unexpected frame while relaying, expected msg", "type", msg.Type())
			continue
		}

		s.relayMessage(ctx, msg.Msg.Msg)
	}
}

// relayMessage persists payload and routes it to both ends of the
// conversation. Routing happens even when persisting fails.
func (s *Session) relayMessage(ctx context.Context, payload string) {
	dbCtx, cancel := s.storeContext(ctx)
	stored, err := s.cs.db.CreateMessage(dbCtx, database.CreateMessageParams{
		Payload:     payload,
		SenderId:    s.user.Id,
		AddresseeId: s.addressee.Id,
	})
	cancel()
	if err != nil {
		s.log.Errorw("failed to store message, delivering live only", "error", err)
	}

	d := presence.Delivery{
		MessageId:   stored.Id,
		Payload:     payload,
		SenderId:    s.user.Id,
		AddresseeId: s.addressee.Id,
	}

	echo := d
	echo.IsSender = true
	if err := s.cs.presence.Route(s.user.Id, echo); err != nil {
		s.log.Warnw("failed to route echo", "error", err)
	}

	if err := s.cs.presence.Route(s.addressee.Id, d); err != nil {
		if errors.Is(err, presence.ErrOffline) {
			s.log.Infow("addressee offline, message kept for replay", "message_id", d.MessageId)
		} else {
			s.log.Warnw("failed to route message to addressee", "message_id", d.MessageId, "error", err)
		}
	}

	s.cs.stats.Incr(stats.NumMessagesRelayed)
}

func (s *Session) markReceived(ctx context.Context, id int) {
	if id == 0 {
		return
	}

	dbCtx, cancel := s.storeContext(ctx)
	defer cancel()

	ok, err := s.cs.db.MarkMessageReceived(dbCtx, id)
	if err != nil {
		s.log.Errorw("failed to mark message received", "message_id", id, "error", err)
		return
	}
	if !ok {
		s.log.Debugw("message was already received", "message_id", id)
	}
}

// storeContext detaches store calls from session cancellation so a teardown
// does not abort a write half way.
func (s *Session) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

func (s *Session) writeFrame(msg *ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		s.log.Errorw("failed to serialize message", "error", err)
		return true
	}

	return s.write(websocket.TextMessage, bytes)
}

func (s *Session) write(msgType int, data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Infow("write failed", "error", err)
		}
		return false
	}

	return true
}
