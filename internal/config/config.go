package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Auth      AuthConfig
	Telegram  TelegramConfig
	Directory DirectoryConfig
	Bereke    BerekeConfig
	Cryptomus CryptomusConfig
	SMTP      SMTPConfig
	Archive   ArchiveConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	MiniAppDir            string
	PublicBaseURL         string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines session token and OTP parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	OTPTTLMinutes         int
	BcryptCost            int
}

// TelegramConfig holds chat platform credentials and routing targets.
type TelegramConfig struct {
	BotToken              string
	APIBaseURL            string
	SupportChatID         int64
	OwnerChatID           int64
	RatingsThreadID       int64
	PollTimeoutSeconds    int
	RequestTimeoutSeconds int
}

// DirectoryConfig points at the backend subscription directory.
type DirectoryConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// BerekeConfig holds bank gateway credentials.
type BerekeConfig struct {
	BaseURL        string
	Username       string
	Password       string
	TimeoutSeconds int
}

// CryptomusConfig holds crypto gateway credentials.
type CryptomusConfig struct {
	BaseURL        string
	Merchant       string
	APIKey         string
	TimeoutSeconds int
}

// SMTPConfig holds outbound mail settings for OTP delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// ArchiveConfig controls the inactivity sweep.
type ArchiveConfig struct {
	AfterHours           int
	SweepIntervalMinutes int
	OriginRetentionHours int
}

// ErrMissingBotToken is returned when the chat platform credential is absent.
var ErrMissingBotToken = errors.New("TELEGRAM_BOT_TOKEN is not set")

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	supportChatID, err := getEnvAsInt64("SUPPORT_CHAT_ID", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid SUPPORT_CHAT_ID: %w", err)
	}
	ownerChatID, err := getEnvAsInt64("OWNER_CHAT_ID", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid OWNER_CHAT_ID: %w", err)
	}
	ratingsThreadID, err := getEnvAsInt64("RATINGS_NOTIFICATIONS_THREAD_ID", 1)
	if err != nil {
		return nil, fmt.Errorf("invalid RATINGS_NOTIFICATIONS_THREAD_ID: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "support-relay"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			MiniAppDir:            getEnv("MINIAPP_DIR", "miniapp"),
			PublicBaseURL:         getEnv("PUBLIC_BASE_URL", ""),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			OTPTTLMinutes:         getEnvAsInt("AUTH_OTP_TTL_MINUTES", 10),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 10),
		},
		Telegram: TelegramConfig{
			BotToken:              os.Getenv("TELEGRAM_BOT_TOKEN"),
			APIBaseURL:            getEnv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
			SupportChatID:         supportChatID,
			OwnerChatID:           ownerChatID,
			RatingsThreadID:       ratingsThreadID,
			PollTimeoutSeconds:    getEnvAsInt("TELEGRAM_POLL_TIMEOUT_SECONDS", 30),
			RequestTimeoutSeconds: getEnvAsInt("TELEGRAM_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Directory: DirectoryConfig{
			BaseURL:        getEnv("BACKEND_API_URL", ""),
			APIKey:         os.Getenv("BACKEND_API_KEY"),
			TimeoutSeconds: getEnvAsInt("BACKEND_API_TIMEOUT_SECONDS", 10),
		},
		Bereke: BerekeConfig{
			BaseURL:        getEnv("PAYMENT_GATEWAY_URL", "https://3dsec.berekebank.kz"),
			Username:       os.Getenv("PAYMENT_GATEWAY_USERNAME"),
			Password:       os.Getenv("PAYMENT_GATEWAY_PASSWORD"),
			TimeoutSeconds: getEnvAsInt("PAYMENT_GATEWAY_TIMEOUT_SECONDS", 30),
		},
		Cryptomus: CryptomusConfig{
			BaseURL:        getEnv("CRYPTOMUS_API_URL", "https://api.cryptomus.com"),
			Merchant:       os.Getenv("CRYPTOMUS_MERCHANT"),
			APIKey:         os.Getenv("CRYPTOMUS_API_KEY"),
			TimeoutSeconds: getEnvAsInt("CRYPTOMUS_TIMEOUT_SECONDS", 30),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", "noreply@example.com"),
		},
		Archive: ArchiveConfig{
			AfterHours:           getEnvAsInt("ARCHIVE_AFTER_HOURS", 72),
			SweepIntervalMinutes: getEnvAsInt("ARCHIVE_SWEEP_INTERVAL_MINUTES", 60),
			OriginRetentionHours: getEnvAsInt("ORIGIN_RETENTION_HOURS", 168),
		},
	}

	if cfg.Telegram.BotToken == "" {
		return nil, ErrMissingBotToken
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Threshold returns the inactivity window after which threads are archived.
func (a ArchiveConfig) Threshold() time.Duration {
	return time.Duration(a.AfterHours) * time.Hour
}

// SweepInterval returns how often the archival sweep runs.
func (a ArchiveConfig) SweepInterval() time.Duration {
	if a.SweepIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(a.SweepIntervalMinutes) * time.Minute
}

// OriginRetention returns how long origin mappings are kept.
func (a ArchiveConfig) OriginRetention() time.Duration {
	if a.OriginRetentionHours <= 0 {
		return a.Threshold()
	}
	return time.Duration(a.OriginRetentionHours) * time.Hour
}

// ForumMode reports whether routing targets a support forum chat.
func (t TelegramConfig) ForumMode() bool {
	return t.SupportChatID != 0
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsInt64(key string, fallback int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	return strconv.ParseInt(val, 10, 64)
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
