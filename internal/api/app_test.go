package api

import (
	"net/http"
	"testing"

	"github.com/npezzotti/go-dmrelay/internal/config"
	"github.com/npezzotti/go-dmrelay/internal/database"
	"github.com/npezzotti/go-dmrelay/internal/server"
	"github.com/npezzotti/go-dmrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
)

var testSigningKey = []byte("test-signing-key")

// newTestApp creates an app without a chat server for handlers that do not
// need one.
func newTestApp(t *testing.T, db database.DMRepository) *DMRelayApp {
	return NewDMRelayApp(http.NewServeMux(), testutil.TestLogger(t), nil, db, &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
}

func TestNewDMRelayApp(t *testing.T) {
	mux := http.NewServeMux()
	logger := testutil.TestLogger(t)
	cs := &server.ChatServer{}
	db := &database.MockDMRepository{}
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     []byte("secret"),
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	app := NewDMRelayApp(mux, logger, cs, db, cfg)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.NotNil(t, app.Handler(), "expected handler to be set")
	assert.Equal(t, logger, app.log, "expected logger to be set")
	assert.Equal(t, db, app.db, "expected db to be set")
	assert.Equal(t, cs, app.cs, "expected chat server to be set")
	assert.Equal(t, cfg.SigningKey, app.signingKey, "expected signing key to be set")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins, "expected allowed origins to be set")
	assert.Equal(t, cfg.ServerAddr, app.srv.Addr, "expected server address to match config")
}
