// Package config loads application configuration from the environment, with
// optional .env support for local development.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the whole application configuration.
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Auth      AuthConfig
	S3        S3Config
	Redis     RedisConfig
	Persist   PersistConfig
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WebSocketConfig configures websocket connections.
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// AuthConfig configures room-token signing.
type AuthConfig struct {
	JWTSecret       string
	RoomTokenExpiry time.Duration
}

// S3Config configures the object store holding room snapshots.
type S3Config struct {
	Region          string
	BucketName      string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string
}

// RedisConfig configures the optional cross-instance awareness relay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// PersistConfig configures the room persistence cycle: writes are debounced
// after mutation activity, with a ceiling so continuous editing still
// persists regularly.
type PersistConfig struct {
	Debounce    time.Duration
	MaxDebounce time.Duration
}

// Load reads configuration from the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	jwtSecret := getRequiredEnv("JWT_SECRET")
	if jwtSecret == "change-this-secret-in-production" {
		log.Fatal("🚨 CRITICAL: JWT_SECRET must be changed from default value in production!")
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize:  getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			HandshakeTimeout: getDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
			WriteTimeout:     getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			JWTSecret:       jwtSecret,
			RoomTokenExpiry: getDuration("ROOM_TOKEN_EXPIRY", 24*time.Hour),
		},
		S3: S3Config{
			Region:          getEnv("AWS_REGION", "eu-central-1"),
			BucketName:      getEnv("AWS_S3_BUCKET", ""),
			KeyPrefix:       getEnv("AWS_S3_KEY_PREFIX", "rooms/"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			Enabled:  getBool("REDIS_RELAY_ENABLED", false),
		},
		Persist: PersistConfig{
			Debounce:    getDuration("PERSIST_DEBOUNCE", 5*time.Second),
			MaxDebounce: getDuration("PERSIST_MAX_DEBOUNCE", 30*time.Second),
		},
	}
}

// getRequiredEnv exits when a required variable is missing.
func getRequiredEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("🚨 CRITICAL: Required environment variable %s is not set!", key)
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration reads a duration; a bare number is taken as seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
