package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmrelay/internal/database"
	"github.com/npezzotti/go-dmrelay/internal/types"
)

const sseKeepAliveInterval = 15 * time.Second

func (s *DMRelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("json encode", "error", err)
	}
}

func (s *DMRelayApp) lookupError(err error) *ApiError {
	if errors.Is(err, database.ErrNotFound) {
		return NewNotFoundError()
	}

	s.log.Errorw("database lookup failed", "error", err)
	return NewInternalServerError(err)
}

func (s *DMRelayApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Errorw("health check failed", "error", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *DMRelayApp) signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := validate.Struct(req); err != nil {
		errResp := NewValidationError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(r.Context(), database.CreateAccountParams{
		Nickname:     req.Nickname,
		PasswordHash: pwdHash,
	})
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNicknameTaken) {
			errResp = NewConflictError()
		} else {
			s.log.Errorw("create account", "error", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.log.Infow("account created", "user", newUser.Nickname, "user_id", newUser.Id)
	s.writeJson(w, http.StatusCreated, types.User{
		Id:        newUser.Id,
		Nickname:  newUser.Nickname,
		CreatedAt: newUser.CreatedAt,
	})
}

func (s *DMRelayApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := validate.Struct(lr); err != nil {
		errResp := NewValidationError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByNickname(r.Context(), lr.Nickname)
	if err != nil {
		errResp := s.lookupError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(types.User{
		Id:       dbUser.Id,
		Nickname: dbUser.Nickname,
	}, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, LoginResponse{Jwt: token})
}

func (s *DMRelayApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *DMRelayApp) account(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountById(r.Context(), user.Id)
	if err != nil {
		errResp := s.lookupError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:        dbUser.Id,
		Nickname:  dbUser.Nickname,
		CreatedAt: dbUser.CreatedAt,
	})
}

// conversation returns the history between the caller and the user named
// in the path, oldest first.
func (s *DMRelayApp) conversation(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	nickname := r.PathValue("nickname")
	if nickname == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	peer, err := s.db.GetAccountByNickname(r.Context(), nickname)
	if err != nil {
		errResp := s.lookupError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.db.GetConversation(r.Context(), user.Id, peer.Id)
	if err != nil {
		s.log.Errorw("get conversation", "error", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	history := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		history = append(history, types.Message{
			Id:          m.Id,
			Payload:     m.Payload,
			SenderId:    m.SenderId,
			AddresseeId: m.AddresseeId,
			IsSender:    m.SenderId == user.Id,
			Received:    m.Received,
			Timestamp:   m.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, history)
}

func (s *DMRelayApp) serveChat(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountById(r.Context(), user.Id)
	if err != nil {
		errResp := s.lookupError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Infow("error upgrading connection", "error", err)
		return
	}

	s.cs.Serve(conn, types.User{Id: dbUser.Id, Nickname: dbUser.Nickname})
}

// notifications streams message notifications for the caller as
// server-sent events until the client goes away.
func (s *DMRelayApp) notifications(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errResp := NewInternalServerError(errors.New("streaming unsupported"))
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.cs.SubscribeNotifications(user.Id)
	defer s.cs.UnsubscribeNotifications(sub)

	log := s.log.With("user", user.Nickname, "user_id", user.Id)
	log.Info("notification stream opened")
	defer log.Info("notification stream closed")

	ticker := time.NewTicker(sseKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}

			data, err := json.Marshal(n)
			if err != nil {
				log.Errorw("failed to encode notification", "error", err)
				continue
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
