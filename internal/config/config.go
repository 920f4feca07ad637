package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite3"

	DefaultHandshakeTimeout = 60 * time.Second

	defaultAddr       = "localhost:8000"
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	envPrefix         = "DMRELAY"
)

type Config struct {
	ServerAddr       string
	DatabaseDriver   string
	DatabaseDSN      string
	SigningKey       []byte
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	LogLevel         string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret decoded to an empty key")
	}

	return key, nil
}

func NewConfig(serverAddr, databaseDriver, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDriver != DriverPostgres && databaseDriver != DriverSqlite {
		return nil, fmt.Errorf("unsupported database driver %q", databaseDriver)
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:       serverAddr,
		DatabaseDriver:   databaseDriver,
		DatabaseDSN:      databaseDSN,
		SigningKey:       signingKey,
		AllowedOrigins:   allowedOrigins,
		HandshakeTimeout: DefaultHandshakeTimeout,
		LogLevel:         "info",
	}, nil
}

// Load builds a Config from an optional YAML file overlaid with DMRELAY_*
// environment variables. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.dsn", defaultDSN)
	v.SetDefault("signing_key", defaultSigningKey)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("handshake_timeout", DefaultHandshakeTimeout)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	cfg, err := NewConfig(
		v.GetString("addr"),
		v.GetString("database.driver"),
		v.GetString("database.dsn"),
		v.GetString("signing_key"),
		stringSlice(v.Get("allowed_origins")),
	)
	if err != nil {
		return nil, err
	}

	if timeout := v.GetDuration("handshake_timeout"); timeout > 0 {
		cfg.HandshakeTimeout = timeout
	}
	cfg.LogLevel = v.GetString("log_level")

	return cfg, nil
}

// stringSlice accepts a YAML list or a comma-separated string (env vars).
func stringSlice(val any) []string {
	var out []string
	switch vv := val.(type) {
	case string:
		for _, s := range strings.Split(vv, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, vv...)
	case []any:
		for _, s := range vv {
			out = append(out, fmt.Sprint(s))
		}
	}

	return out
}
