package config

import (
	"os"
	"strings"
	"time"
)

// Server captures process-level configuration for the federation hub.
type Server struct {
	Addr          string
	InstanceCode  string
	CertFile      string
	KeyFile       string
	TrustRootFile string

	JWTSigningKey string
	AdminToken    string

	PostgresDSN string
	Redis       RedisConfig

	KafkaBrokers []string
	KafkaTopic   string

	SweepInterval time.Duration
	PendingTTL    time.Duration
}

// RedisConfig holds connection settings for the nonce replay cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	cfg := Server{
		Addr:          envOr("FEDHUB_ADDR", ":8080"),
		InstanceCode:  envOr("FEDHUB_INSTANCE_CODE", "HUB"),
		CertFile:      os.Getenv("FEDHUB_CERT_FILE"),
		KeyFile:       os.Getenv("FEDHUB_KEY_FILE"),
		TrustRootFile: os.Getenv("FEDHUB_TRUST_ROOT_FILE"),
		JWTSigningKey: envOr("FEDHUB_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		AdminToken:    os.Getenv("FEDHUB_ADMIN_TOKEN"),
		PostgresDSN:   os.Getenv("FEDHUB_POSTGRES_DSN"),
		Redis: RedisConfig{
			URL:          os.Getenv("FEDHUB_REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		KafkaTopic:    envOr("FEDHUB_KAFKA_TOPIC", "federation.enrollment.events"),
		SweepInterval: durationOr("FEDHUB_SWEEP_INTERVAL", time.Hour),
		PendingTTL:    durationOr("FEDHUB_PENDING_TTL", 72*time.Hour),
	}
	if brokers := os.Getenv("FEDHUB_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
