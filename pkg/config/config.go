// Package config loads and validates the environment surface of the three
// daemons. A missing or malformed value is a fatal boot error; daemons
// exit 1 rather than run half-configured. An optional YAML profile named
// by ALCOVE_PROFILE supplies defaults for values absent from the
// environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/alcovelabs/alcove/pkg/api"
)

// Shared is the configuration every daemon carries.
type Shared struct {
	LogLevel     string
	LogFormat    string
	OTelEnabled  bool
	OTelEndpoint string
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (s Shared) Logger() *slog.Logger {
	var level slog.Level
	switch s.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if s.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Identity is the server key quartet the wallet and app daemons load.
type Identity struct {
	SigningPublicHex     string
	SigningPrivatePEM    string
	EncryptionPublicHex  string
	EncryptionPrivatePEM string
}

// Node is the record-store daemon's environment surface.
type Node struct {
	Shared
	Port           int
	StorageBackend string
	DatabaseURL    string
	TablePrefix    string
	PoolSize       int
	ConnectTimeout time.Duration
	SQLitePath     string
	RedisURL       string
	RedisPrefix    string
	S3Bucket       string
	S3Prefix       string
	AWSRegion      string
	SchemaModule   string
	AllowedOrigins []string
}

// Wallet is the credential daemon's environment surface.
type Wallet struct {
	Shared
	Port              int
	CredentialNodeURL string
	ProxyNodeURL      string
	Identity          Identity
	JWTSecret         string
	JWTExpiration     time.Duration
	ResetTokenTTL     time.Duration
	RedisURL          string
	AllowedOrigins    []string
}

// App is the app-backend daemon's environment surface.
type App struct {
	Shared
	Port           int
	DataNodeURL    string
	Identity       Identity
	AllowedOrigins []string
}

// source resolves keys against the process environment first, then the
// optional profile.
type source struct {
	profile map[string]string
}

func newSource() (*source, error) {
	// A .env file is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	s := &source{}
	if path := os.Getenv("ALCOVE_PROFILE"); path != "" {
		profile, err := loadProfile(path)
		if err != nil {
			return nil, err
		}
		s.profile = profile.Env
	}
	return s, nil
}

func (s *source) get(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v, ok := s.profile[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (s *source) require(key string) (string, error) {
	if v := s.get(key, ""); v != "" {
		return v, nil
	}
	return "", api.Errorf(api.CodeConfigError, "%s is required", key)
}

func (s *source) getInt(key string, fallback int) (int, error) {
	v := s.get(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, api.Errorf(api.CodeConfigError, "%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func (s *source) requireInt(key string) (int, error) {
	if _, err := s.require(key); err != nil {
		return 0, err
	}
	return s.getInt(key, 0)
}

func (s *source) shared() Shared {
	return Shared{
		LogLevel:     s.get("LOG_LEVEL", "info"),
		LogFormat:    s.get("LOG_FORMAT", "json"),
		OTelEnabled:  s.get("OTEL_ENABLED", "") == "true",
		OTelEndpoint: s.get("OTEL_ENDPOINT", ""),
	}
}

func (s *source) identity() (Identity, error) {
	id := Identity{}
	var err error
	if id.SigningPublicHex, err = s.require("SERVER_IDENTITY_PUBLIC_KEY_HEX"); err != nil {
		return id, err
	}
	if id.SigningPrivatePEM, err = s.require("SERVER_IDENTITY_PRIVATE_KEY_PEM"); err != nil {
		return id, err
	}
	if id.EncryptionPublicHex, err = s.require("SERVER_ENCRYPTION_PUBLIC_KEY_HEX"); err != nil {
		return id, err
	}
	if id.EncryptionPrivatePEM, err = s.require("SERVER_ENCRYPTION_PRIVATE_KEY_PEM"); err != nil {
		return id, err
	}
	return id, nil
}

// LoadNode reads and validates the node daemon's environment.
func LoadNode() (*Node, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}

	cfg := &Node{
		Shared:         src.shared(),
		StorageBackend: src.get("STORAGE_BACKEND", "memory"),
		DatabaseURL:    src.get("DATABASE_URL", ""),
		TablePrefix:    src.get("TABLE_PREFIX", ""),
		SQLitePath:     src.get("SQLITE_PATH", ""),
		RedisURL:       src.get("REDIS_URL", ""),
		RedisPrefix:    src.get("REDIS_PREFIX", ""),
		S3Bucket:       src.get("S3_BUCKET", ""),
		S3Prefix:       src.get("S3_PREFIX", ""),
		AWSRegion:      src.get("AWS_REGION", ""),
		SchemaModule:   src.get("SCHEMA_MODULE", ""),
		AllowedOrigins: api.SplitOrigins(src.get("ALLOWED_ORIGINS", "")),
	}
	if cfg.Port, err = src.getInt("PORT", 4000); err != nil {
		return nil, err
	}

	switch cfg.StorageBackend {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, api.E(api.CodeConfigError, "DATABASE_URL is required for the postgres backend")
		}
		if cfg.PoolSize, err = src.requireInt("POOL_SIZE"); err != nil {
			return nil, err
		}
		seconds, err := src.requireInt("CONNECT_TIMEOUT_SECONDS")
		if err != nil {
			return nil, err
		}
		cfg.ConnectTimeout = time.Duration(seconds) * time.Second
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, api.E(api.CodeConfigError, "SQLITE_PATH is required for the sqlite backend")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return nil, api.E(api.CodeConfigError, "REDIS_URL is required for the redis backend")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, api.E(api.CodeConfigError, "S3_BUCKET is required for the s3 backend")
		}
		if cfg.AWSRegion == "" {
			return nil, api.E(api.CodeConfigError, "AWS_REGION is required for the s3 backend")
		}
	default:
		return nil, api.Errorf(api.CodeConfigError,
			"STORAGE_BACKEND must be one of memory, postgres, sqlite, redis, s3; got %q", cfg.StorageBackend)
	}
	return cfg, nil
}

// LoadWallet reads and validates the wallet daemon's environment.
func LoadWallet() (*Wallet, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}

	cfg := &Wallet{
		Shared:         src.shared(),
		RedisURL:       src.get("REDIS_URL", ""),
		AllowedOrigins: api.SplitOrigins(src.get("ALLOWED_ORIGINS", "")),
	}
	if cfg.Port, err = src.getInt("PORT", 4500); err != nil {
		return nil, err
	}
	if cfg.CredentialNodeURL, err = src.require("CREDENTIAL_NODE_URL"); err != nil {
		return nil, err
	}
	if cfg.ProxyNodeURL, err = src.require("PROXY_NODE_URL"); err != nil {
		return nil, err
	}
	if cfg.Identity, err = src.identity(); err != nil {
		return nil, err
	}
	if cfg.JWTSecret, err = src.require("JWT_SECRET"); err != nil {
		return nil, err
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, api.E(api.CodeConfigError, "JWT_SECRET must be at least 32 characters")
	}
	expSeconds, err := src.getInt("JWT_EXPIRATION_SECONDS", 86400)
	if err != nil {
		return nil, err
	}
	cfg.JWTExpiration = time.Duration(expSeconds) * time.Second
	ttlSeconds, err := src.getInt("PASSWORD_RESET_TOKEN_TTL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	cfg.ResetTokenTTL = time.Duration(ttlSeconds) * time.Second
	return cfg, nil
}

// LoadApp reads and validates the app daemon's environment.
func LoadApp() (*App, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}

	cfg := &App{
		Shared:         src.shared(),
		AllowedOrigins: api.SplitOrigins(src.get("ALLOWED_ORIGINS", "")),
	}
	if cfg.Port, err = src.getInt("APP_PORT", 4600); err != nil {
		return nil, err
	}
	if cfg.DataNodeURL, err = src.require("DATA_NODE_URL"); err != nil {
		return nil, err
	}
	if cfg.Identity, err = src.identity(); err != nil {
		return nil, err
	}
	return cfg, nil
}
