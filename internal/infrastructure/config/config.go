package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string
	PeerSocket      string
	AuthSecret      string
	LogLevel        string
	CORSAllowOrigin string

	// Optional TLS for the remote browser surface.
	TLSAddr     string
	TLSCertFile string
	TLSKeyFile  string

	// Relay timing; deliberately configuration, not constants.
	RequestTimeout     time.Duration
	SweepInterval      time.Duration
	SessionIdleTimeout time.Duration
	IdleSweepInterval  time.Duration

	// Upper bound on the session table. Only one session may ever be
	// Active; values above 1 merely bound Created sessions awaiting
	// activation.
	MaxSessions int

	TelemetryEndpoint string
}

func FromEnv() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr:               getEnv("ADDR", ":9090"),
		PeerSocket:         getEnv("PEER_SOCKET", defaultPeerSocket()),
		AuthSecret:         getEnv("AUTH_SECRET", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowOrigin:    getEnv("CORS_ALLOW_ORIGIN", "*"),
		TLSAddr:            getEnv("TLS_ADDR", ""),
		TLSCertFile:        getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:         getEnv("TLS_KEY_FILE", ""),
		RequestTimeout:     getEnvDurationMs("REQUEST_TIMEOUT_MS", 30*time.Second),
		SweepInterval:      getEnvDurationMs("SWEEP_INTERVAL_MS", 2*time.Second),
		SessionIdleTimeout: getEnvDurationMs("SESSION_IDLE_TIMEOUT_MS", 10*time.Minute),
		IdleSweepInterval:  getEnvDurationMs("IDLE_SWEEP_INTERVAL_MS", 30*time.Second),
		MaxSessions:        getEnvInt("MAX_SESSIONS", 1),
	}
	cfg.TelemetryEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	return cfg
}

func defaultPeerSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/screen-relay-peer.sock"
	}
	return os.TempDir() + "/screen-relay-peer.sock"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDurationMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
