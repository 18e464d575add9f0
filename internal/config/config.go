package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the whole server configuration. It is read from the
// environment once at startup and treated as immutable afterwards.
type Config struct {
	// Server
	ListenAddr string
	InstanceID string
	// PeerAddrs lists the other serving instances the failover
	// controller probes, as "id=host:port" pairs.
	PeerAddrs map[string]string

	// Stores
	RedisAddr   string
	DatabaseURL string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Game
	HandsToWin     int
	ReconnectGrace time.Duration

	// Lease / failover
	LeaseTTL       time.Duration
	ProbeInterval  time.Duration
	ProbeFailures  int
	LeaseRenewFrac float64

	// Circuit breaker
	BreakerFailures int
	BreakerCooldown time.Duration

	// Logging
	LogLevel string
}

// Load reads the configuration from environment variables, applying
// defaults for everything except JWT_SECRET, which must be set.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		InstanceID:  getEnv("INSTANCE_ID", "primary"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required environment variable JWT_SECRET")
	}

	var err error
	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.HandsToWin, err = getInt("GAME_HANDS_TO_WIN", 7); err != nil {
		return nil, err
	}
	if cfg.HandsToWin < 1 || cfg.HandsToWin%2 == 0 {
		return nil, fmt.Errorf("GAME_HANDS_TO_WIN must be a positive odd number, got %d", cfg.HandsToWin)
	}
	if cfg.ReconnectGrace, err = getDuration("RECONNECT_GRACE", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.LeaseTTL, err = getDuration("LEASE_TTL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProbeInterval, err = getDuration("PROBE_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProbeFailures, err = getInt("PROBE_FAILURES", 3); err != nil {
		return nil, err
	}
	if cfg.BreakerFailures, err = getInt("BREAKER_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerCooldown, err = getDuration("BREAKER_COOLDOWN", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.LeaseRenewFrac, err = getFloat("LEASE_RENEW_FRAC", 0.5); err != nil {
		return nil, err
	}
	if cfg.LeaseRenewFrac <= 0 || cfg.LeaseRenewFrac >= 1 {
		return nil, fmt.Errorf("LEASE_RENEW_FRAC must be between 0 and 1 exclusive, got %g", cfg.LeaseRenewFrac)
	}

	cfg.PeerAddrs, err = parsePeers(os.Getenv("PEER_ADDRS"))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// parsePeers parses "secondary=10.0.0.2:8080,spare=10.0.0.3:8080".
func parsePeers(raw string) (map[string]string, error) {
	peers := make(map[string]string)
	if raw == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("PEER_ADDRS entry %q is not id=addr", pair)
		}
		peers[id] = addr
	}
	return peers, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
