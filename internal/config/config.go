package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ResponseMargin is reserved out of the write timeout for writing the
// response once a render finishes.
const ResponseMargin = 5 * time.Second

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	RateLimit RateLimitConfig
	Request   RequestConfig
	Storage   StorageConfig
	Renderer  RendererConfig
	Redis     RedisConfig
	LogLevel  string
	LogFile   string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
	TrustProxy   bool // take the client identifier from X-Forwarded-For
}

// RateLimitConfig holds per-client throttling configuration
type RateLimitConfig struct {
	Requests  int
	Window    time.Duration
	Algorithm string // sliding_counter or request_log
	Backend   string // memory or redis
}

// RequestConfig holds the bounds applied to generation requests
type RequestConfig struct {
	ScaleMin   float64
	ScaleMax   float64
	StylesFile string // empty means the embedded catalogue
}

// StorageConfig holds artifact directory configuration
type StorageConfig struct {
	Dir       string
	URLPrefix string
	MaxAge    time.Duration
}

// RendererConfig holds configuration for the external map renderer
type RendererConfig struct {
	Command      string
	Script       string
	Timeout      time.Duration
	Workers      int
	ExposeErrors bool
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (optional)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 150), // must outlive a render
			TrustProxy:   getEnvAsBool("TRUST_PROXY", false),
		},
		RateLimit: RateLimitConfig{
			Requests:  getEnvAsInt("RATE_LIMIT_REQUESTS", 10),
			Window:    getEnvAsSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
			Algorithm: getEnv("RATE_LIMIT_ALGORITHM", "sliding_counter"),
			Backend:   getEnv("RATE_LIMIT_BACKEND", "memory"),
		},
		Request: RequestConfig{
			ScaleMin:   getEnvAsFloat("SCALE_MIN", 50),
			ScaleMax:   getEnvAsFloat("SCALE_MAX", 1000),
			StylesFile: getEnv("STYLES_FILE", ""),
		},
		Storage: StorageConfig{
			Dir:       getEnv("MAPS_DIR", "public/maps"),
			URLPrefix: strings.TrimRight(getEnv("MAPS_URL_PREFIX", "/maps"), "/"),
			MaxAge:    getEnvAsSeconds("MAP_MAX_AGE_SECONDS", 3600),
		},
		Renderer: RendererConfig{
			Command:      getEnv("RENDERER_COMMAND", "python3"),
			Script:       getEnv("RENDERER_SCRIPT", "scripts/generate_map.py"),
			Timeout:      getEnvAsSeconds("RENDERER_TIMEOUT_SECONDS", 120),
			Workers:      getEnvAsInt("RENDERER_WORKERS", 4),
			ExposeErrors: getEnvAsBool("EXPOSE_RENDERER_ERRORS", false),
		},
		Redis: RedisConfig{
			Addr:     getRedisAddr(),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects combinations the service cannot run with
func (c *Config) Validate() error {
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimit.Backend)
	}
	if c.Request.ScaleMin > c.Request.ScaleMax {
		return fmt.Errorf("SCALE_MIN (%g) exceeds SCALE_MAX (%g)", c.Request.ScaleMin, c.Request.ScaleMax)
	}
	if c.Storage.MaxAge <= 0 {
		return fmt.Errorf("MAP_MAX_AGE_SECONDS must be positive")
	}
	if c.Storage.URLPrefix != "" && !strings.HasPrefix(c.Storage.URLPrefix, "/") {
		return fmt.Errorf("MAPS_URL_PREFIX must start with /, got %q", c.Storage.URLPrefix)
	}
	if c.Renderer.Command == "" {
		return fmt.Errorf("RENDERER_COMMAND is required")
	}
	if c.Renderer.Timeout < 0 {
		return fmt.Errorf("RENDERER_TIMEOUT_SECONDS must not be negative")
	}
	if c.Server.WriteTimeout > 0 {
		// A response must still fit in the write deadline after a full render
		if c.Renderer.Timeout == 0 {
			return fmt.Errorf("RENDERER_TIMEOUT_SECONDS must be set when SERVER_WRITE_TIMEOUT is")
		}
		if c.RenderQueueBudget() <= 0 {
			return fmt.Errorf("SERVER_WRITE_TIMEOUT (%ds) must exceed RENDERER_TIMEOUT_SECONDS (%s) by more than %s",
				c.Server.WriteTimeout, c.Renderer.Timeout, ResponseMargin)
		}
	}
	return nil
}

// RenderQueueBudget is how long a generation request may wait for a free
// renderer and still answer before the write deadline. Zero means unbounded.
func (c *Config) RenderQueueBudget() time.Duration {
	if c.Server.WriteTimeout <= 0 {
		return 0
	}
	return time.Duration(c.Server.WriteTimeout)*time.Second - c.Renderer.Timeout - ResponseMargin
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsSeconds reads a whole number of seconds as a duration
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

// getRedisAddr prefers REDIS_URL (with or without the redis:// scheme) over REDIS_ADDR
func getRedisAddr() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return strings.TrimPrefix(url, "redis://")
	}
	return getEnv("REDIS_ADDR", "localhost:6379")
}
