// Package config provides runtime configuration values for the service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration knobs for the HTTP bridge, hub connection, storage and bus.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	APIBaseURL string
	APITimeout time.Duration

	HubURL               string
	HandshakeTimeout     time.Duration
	InvokeTimeout        time.Duration
	PingInterval         time.Duration
	ReconnectBackoff     []time.Duration
	MaxReconnectAttempts int

	StorageBackend string
	SQLitePath     string
	RedisAddr      string
	RedisPrefix    string
	CartKey        string

	BusBuffer        int
	BusHighWatermark int

	OTLPEndpoint string
}

// DefaultBackoff is the reconnect schedule used when RECONNECT_BACKOFF_MS is unset.
var DefaultBackoff = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

// durlistenvms parses a comma-separated list of milliseconds. Any malformed or negative
// entry makes the whole value fall back to def.
func durlistenvms(key string, def []time.Duration) []time.Duration {
	v := getenv(key, "")
	if v == "" {
		return append([]time.Duration(nil), def...)
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return append([]time.Duration(nil), def...)
		}
		out = append(out, time.Duration(n)*time.Millisecond)
	}
	return out
}

// Load collects configuration from environment with defaults.
func Load() Config {
	return Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout:      durenvs("SHUTDOWN_TIMEOUT", 15),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		APIBaseURL:           getenv("API_BASE_URL", "http://localhost:5000/api"),
		APITimeout:           durenvs("API_TIMEOUT", 30),
		HubURL:               getenv("HUB_URL", "ws://localhost:5000/hubs/notifications"),
		HandshakeTimeout:     durenvs("HUB_HANDSHAKE_TIMEOUT", 15),
		InvokeTimeout:        durenvs("HUB_INVOKE_TIMEOUT", 10),
		PingInterval:         durenvms("HUB_PING_INTERVAL_MS", 15000),
		ReconnectBackoff:     durlistenvms("RECONNECT_BACKOFF_MS", DefaultBackoff),
		MaxReconnectAttempts: atoienv("RECONNECT_MAX_ATTEMPTS", 5),
		StorageBackend:       getenv("STORAGE_BACKEND", "sqlite"),
		SQLitePath:           getenv("SQLITE_PATH", "storefront.db"),
		RedisAddr:            getenv("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:          getenv("REDIS_PREFIX", "storefront"),
		CartKey:              getenv("CART_STORAGE_KEY", "cart"),
		BusBuffer:            atoienv("BUS_BUFFER", 128),
		BusHighWatermark:     atoienv("BUS_HIGH_WATERMARK", 5000),
		OTLPEndpoint:         getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}
