// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port         int
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Authentication
	APIPassword string

	// Outbound fetch settings
	GlobalProxies   []string
	TransportRoutes []TransportRoute
	UTLSDomains     []string
	FetchTimeout    time.Duration

	// Decryption
	MaxInputSize   int64 // bytes, accepts "64MiB" style values
	DecryptWorkers int

	// Logging
	LogLevel string
	LogJSON  bool
}

// TransportRoute defines URL-specific proxy routing.
type TransportRoute struct {
	URLPattern string
	Proxy      string
	DisableSSL bool
	Direct     bool // If true, bypass global proxy and connect directly
}

// DefaultMaxInputSize bounds request bodies and fetched inputs.
const DefaultMaxInputSize = 512 << 20

// Load reads a .env file when present, then configuration from environment
// variables with sensible defaults. Variables already set in the environment
// win over the .env file.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// LoadFile is like Load with an explicit .env path.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return FromEnv(), nil
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	port := getEnvInt("PORT", 7860)
	cfg := &Config{
		Port:           port,
		BaseURL:        getEnvString("BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		APIPassword:    os.Getenv("API_PASSWORD"),
		GlobalProxies:  getEnvStringSlice("GLOBAL_PROXIES", nil),
		UTLSDomains:    getEnvStringSlice("UTLS_DOMAINS", nil),
		FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 60*time.Second),
		MaxInputSize:   getEnvBytes("MAX_INPUT_SIZE", DefaultMaxInputSize),
		DecryptWorkers: getEnvInt("DECRYPT_WORKERS", runtime.GOMAXPROCS(0)),
		LogLevel:       getEnvString("LOG_LEVEL", "info"),
		LogJSON:        getEnvBool("LOG_JSON", false),
	}
	if cfg.DecryptWorkers < 1 {
		cfg.DecryptWorkers = 1
	}

	cfg.TransportRoutes = parseTransportRoutes(os.Getenv("TRANSPORT_ROUTES"))

	// Legacy single proxy support
	if globalProxy := os.Getenv("GLOBAL_PROXY"); globalProxy != "" && len(cfg.GlobalProxies) == 0 {
		cfg.GlobalProxies = []string{globalProxy}
	}

	return cfg
}

// parseTransportRoutes parses the TRANSPORT_ROUTES env var.
// Format: {URL=pattern, PROXY=url, DISABLE_SSL=true}, {URL=pattern2}
func parseTransportRoutes(s string) []TransportRoute {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var routes []TransportRoute
	for _, part := range strings.Split(s, "}, {") {
		part = strings.Trim(part, "{} ")
		if part == "" {
			continue
		}

		route := TransportRoute{}
		for _, field := range strings.Split(part, ", ") {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)

			switch strings.ToUpper(strings.TrimSpace(key)) {
			case "URL":
				route.URLPattern = value
			case "PROXY":
				route.Proxy = value
			case "DISABLE_SSL":
				route.DisableSSL = strings.EqualFold(value, "true")
			case "DIRECT":
				route.Direct = strings.EqualFold(value, "true")
			}
		}
		if route.URLPattern != "" {
			routes = append(routes, route)
		}
	}

	return routes
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Try parsing as seconds first
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvBytes accepts plain byte counts as well as "64MB" or "1GiB".
func getEnvBytes(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := humanize.ParseBytes(val); err == nil && n > 0 && n <= 1<<62 {
			return int64(n)
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultVal
}
