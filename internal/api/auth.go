package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-dmrelay/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultJwtExpiration = 90 * 24 * time.Hour
	tokenCookieKey       = "token"
	bearerPrefix         = "Bearer "

	userIdClaim   = "user-id"
	nicknameClaim = "nickname"
	expClaim      = "exp"
)

var (
	errMissingToken  = errors.New("missing token")
	errInvalidClaims = errors.New("invalid token claims")
)

var validate = validator.New()

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user stored by authMiddleware.
func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}

type SignupRequest struct {
	Nickname string `json:"nickname" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type LoginRequest struct {
	Nickname string `json:"nickname" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Jwt string `json:"jwt"`
}

func hashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func verifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}

func (s *DMRelayApp) createJwtForSession(user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   user.Id,
		nicknameClaim: user.Nickname,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *DMRelayApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

// extractToken reads the bearer token, falling back to the session cookie.
func extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || token == "" {
			return "", errMissingToken
		}
		return token, nil
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errMissingToken, err)
	}

	return cookie.Value, nil
}

func (s *DMRelayApp) userFromRequest(r *http.Request) (types.User, error) {
	tokenString, err := extractToken(r)
	if err != nil {
		return types.User{}, err
	}

	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.User{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, errInvalidClaims
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return types.User{}, fmt.Errorf("%w: user id", errInvalidClaims)
	}

	nickname, ok := claims[nicknameClaim].(string)
	if !ok || nickname == "" {
		return types.User{}, fmt.Errorf("%w: nickname", errInvalidClaims)
	}

	return types.User{Id: int(userId), Nickname: nickname}, nil
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
