package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Dismissal DismissalConfig
	Scheduler SchedulerConfig
	Realtime  RealtimeConfig
	Reports   ReportsConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLMode       string
	MaxOpenConns  int
	MaxIdleConns  int
	RetryAttempts int
	RetryBackoff  time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds the verification side of externally issued access tokens.
type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// DismissalConfig tunes the queue engine.
type DismissalConfig struct {
	DefaultBatchSize int
	MaxBatchSize     int
	OperationTimeout time.Duration
	SeedOnStart      bool
}

// SchedulerConfig controls the automatic session opener/starter.
type SchedulerConfig struct {
	Enabled      bool
	PollInterval time.Duration
	OpenLead     time.Duration
	Workers      int
	Retries      int
}

// RealtimeConfig governs fan-out buffers and the cross-replica relay.
type RealtimeConfig struct {
	SubscriberBuffer int
	Heartbeat        time.Duration
	RelayEnabled     bool
	RelayChannel     string
}

// ReportsConfig toggles session activity exports.
type ReportsConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:          v.GetString("DB_HOST"),
		Port:          v.GetInt("DB_PORT"),
		User:          v.GetString("DB_USER"),
		Password:      v.GetString("DB_PASSWORD"),
		Name:          v.GetString("DB_NAME"),
		SSLMode:       v.GetString("DB_SSL_MODE"),
		MaxOpenConns:  v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:  v.GetInt("DB_MAX_IDLE_CONNS"),
		RetryAttempts: v.GetInt("DB_RETRY_ATTEMPTS"),
		RetryBackoff:  parseDuration(v.GetString("DB_RETRY_BACKOFF"), 25*time.Millisecond),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Dismissal = DismissalConfig{
		DefaultBatchSize: v.GetInt("DISMISSAL_DEFAULT_BATCH_SIZE"),
		MaxBatchSize:     v.GetInt("DISMISSAL_MAX_BATCH_SIZE"),
		OperationTimeout: parseDuration(v.GetString("DISMISSAL_OPERATION_TIMEOUT"), 5*time.Second),
		SeedOnStart:      v.GetBool("DISMISSAL_SEED_ON_START"),
	}

	cfg.Scheduler = SchedulerConfig{
		Enabled:      v.GetBool("ENABLE_SCHEDULER"),
		PollInterval: parseDuration(v.GetString("SCHEDULER_POLL_INTERVAL"), 30*time.Second),
		OpenLead:     parseDuration(v.GetString("SCHEDULER_OPEN_LEAD"), 2*time.Hour),
		Workers:      v.GetInt("SCHEDULER_WORKERS"),
		Retries:      v.GetInt("SCHEDULER_RETRIES"),
	}

	cfg.Realtime = RealtimeConfig{
		SubscriberBuffer: v.GetInt("REALTIME_SUBSCRIBER_BUFFER"),
		Heartbeat:        parseDuration(v.GetString("REALTIME_HEARTBEAT"), 15*time.Second),
		RelayEnabled:     v.GetBool("REALTIME_RELAY_ENABLED"),
		RelayChannel:     v.GetString("REALTIME_RELAY_CHANNEL"),
	}

	cfg.Reports = ReportsConfig{
		Enabled: v.GetBool("ENABLE_REPORTS"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "dismissal")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_RETRY_ATTEMPTS", 3)
	v.SetDefault("DB_RETRY_BACKOFF", "25ms")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DISMISSAL_DEFAULT_BATCH_SIZE", 5)
	v.SetDefault("DISMISSAL_MAX_BATCH_SIZE", 50)
	v.SetDefault("DISMISSAL_OPERATION_TIMEOUT", "5s")
	v.SetDefault("DISMISSAL_SEED_ON_START", true)

	v.SetDefault("ENABLE_SCHEDULER", false)
	v.SetDefault("SCHEDULER_POLL_INTERVAL", "30s")
	v.SetDefault("SCHEDULER_OPEN_LEAD", "2h")
	v.SetDefault("SCHEDULER_WORKERS", 2)
	v.SetDefault("SCHEDULER_RETRIES", 3)

	v.SetDefault("REALTIME_SUBSCRIBER_BUFFER", 64)
	v.SetDefault("REALTIME_HEARTBEAT", "15s")
	v.SetDefault("REALTIME_RELAY_ENABLED", false)
	v.SetDefault("REALTIME_RELAY_CHANNEL", "dismissal:events")

	v.SetDefault("ENABLE_REPORTS", true)
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
