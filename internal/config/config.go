package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアのバックエンド種別。
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMongo    = "mongo"
	StoreBackendMemory   = "memory"
)

// アイデンティティプロバイダーの種別。
const (
	IdentityBackendRemote = "remote"
	IdentityBackendLocal  = "local"
)

// defaultIdentityEndpoint はIdentity Toolkit互換REST APIのデフォルトエンドポイント。
const defaultIdentityEndpoint = "https://identitytoolkit.googleapis.com"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string

	// Mongo
	MongoURI        string
	MongoDBName     string
	MongoCollection string

	// Postgres LISTEN/NOTIFY
	ListenerMinReconnect time.Duration
	ListenerMaxReconnect time.Duration

	// Identity
	IdentityBackend    string
	IdentityAPIKey     string
	IdentityEndpoint   string
	IdentityTimeout    time.Duration
	BreakerMaxFailures int
	BreakerTimeout     time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Logging
	LogLevel string
	LogFile  string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	CookieSecure      bool
	CookieDomain      string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envファイルがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendPostgres))
	cfg.IdentityBackend = strings.ToLower(getEnvString("IDENTITY_BACKEND", IdentityBackendRemote))

	// Required fields
	var missing []string

	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreBackendMongo:
		cfg.MongoURI = os.Getenv("MONGO_URI")
		if cfg.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
	case StoreBackendMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND: %q", cfg.StoreBackend)
	}

	switch cfg.IdentityBackend {
	case IdentityBackendRemote:
		cfg.IdentityAPIKey = os.Getenv("IDENTITY_API_KEY")
		if cfg.IdentityAPIKey == "" {
			missing = append(missing, "IDENTITY_API_KEY")
		}
	case IdentityBackendLocal:
	default:
		return nil, fmt.Errorf("unsupported IDENTITY_BACKEND: %q", cfg.IdentityBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MongoDBName = getEnvString("MONGO_DB_NAME", "taskman")
	cfg.MongoCollection = getEnvString("MONGO_COLLECTION", "tasks")
	cfg.ListenerMinReconnect = getEnvDuration("LISTENER_MIN_RECONNECT", 10*time.Second)
	cfg.ListenerMaxReconnect = getEnvDuration("LISTENER_MAX_RECONNECT", time.Minute)
	cfg.IdentityEndpoint = strings.TrimRight(getEnvString("IDENTITY_ENDPOINT", defaultIdentityEndpoint), "/")
	cfg.IdentityTimeout = getEnvDuration("IDENTITY_TIMEOUT", 10*time.Second)
	cfg.BreakerMaxFailures = getEnvInt("BREAKER_MAX_FAILURES", 3)
	cfg.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", 5*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFile = getEnvString("LOG_FILE", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", false)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
