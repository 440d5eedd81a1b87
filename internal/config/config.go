package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppName string
	Env     string
	Server  ServerConfig
	Store   StoreConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Crypto  CryptoConfig
	Chat    ChatConfig

	UploadDir   string
	CORSOrigins []string
	LogLevel    string
	Debug       bool
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type StoreConfig struct {
	Driver   string
	DSN      string
	MaxConns int
}

// RedisConfig selects the presence backend. An empty Addr keeps presence in process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	BcryptCost int
}

type CryptoConfig struct {
	Key        string
	LegacyKeys []string
}

type ChatConfig struct {
	MaxMessageLength int
	DefaultPageSize  int
	MaxPageSize      int
	PresenceTTL      time.Duration
	TypingTTL        time.Duration
	GroupingGap      time.Duration
	CommandTimeout   time.Duration
	MaxUploadBytes   int64
	SendQueueSize    int
}

func Load() (*Config, error) {
	// A missing .env is fine; the environment wins over the file.
	_ = godotenv.Load()

	cfg := &Config{
		AppName: getEnv("APP_NAME", "portalchat"),
		Env:     getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:         getEnv("HTTP_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("HTTP_PORT", 8000),
			ReadTimeout:  getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Store: StoreConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 20),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:  os.Getenv("JWT_SECRET"),
			AccessTTL:  getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL: getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			BcryptCost: getEnvAsInt("BCRYPT_COST", 0),
		},
		Crypto: CryptoConfig{
			Key:        os.Getenv("ENCRYPTION_KEY"),
			LegacyKeys: getEnvAsList("ENCRYPTION_LEGACY_KEYS", nil),
		},
		Chat: ChatConfig{
			MaxMessageLength: getEnvAsInt("CHAT_MAX_MESSAGE_LENGTH", 5000),
			DefaultPageSize:  getEnvAsInt("CHAT_PAGE_SIZE", 50),
			MaxPageSize:      getEnvAsInt("CHAT_MAX_PAGE_SIZE", 200),
			PresenceTTL:      getEnvAsDuration("CHAT_PRESENCE_TTL", 30*time.Second),
			TypingTTL:        getEnvAsDuration("CHAT_TYPING_TTL", 3*time.Second),
			GroupingGap:      getEnvAsDuration("CHAT_GROUPING_GAP", 5*time.Minute),
			CommandTimeout:   getEnvAsDuration("CHAT_COMMAND_TIMEOUT", 10*time.Second),
			MaxUploadBytes:   int64(getEnvAsInt("CHAT_MAX_UPLOAD_BYTES", 5<<20)),
			SendQueueSize:    getEnvAsInt("WS_SEND_QUEUE", 256),
		},
		UploadDir:   getEnv("UPLOAD_DIR", "uploads"),
		CORSOrigins: getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Debug:       getEnvAsBool("DEBUG", false),
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	cfg.Store.DSN = getEnv("DB_DSN", "")
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = defaultDSN(cfg.Store.Driver)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Crypto.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.Chat.MaxPageSize < c.Chat.DefaultPageSize {
		return fmt.Errorf("CHAT_MAX_PAGE_SIZE must be >= CHAT_PAGE_SIZE")
	}
	if c.Chat.TypingTTL <= 0 || c.Chat.PresenceTTL <= 0 {
		return fmt.Errorf("presence and typing TTLs must be positive")
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaultDSN(driver string) string {
	if driver != "postgres" {
		return getEnv("SQLITE_PATH", "portalchat.db")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("POSTGRES_USER", "postgres"), getEnv("POSTGRES_PASSWORD", "postgres")),
		Host:     fmt.Sprintf("%s:%s", getEnv("POSTGRES_HOST", "localhost"), getEnv("POSTGRES_PORT", "5432")),
		Path:     getEnv("POSTGRES_DB", "portalchat"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
