// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Index backend selectors.
const (
	IndexBackendMemory   = "memory"
	IndexBackendPinecone = "pinecone"
)

// Config holds every runtime setting. Defaults match the docker-compose
// development topology.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseDSN string `envconfig:"DATABASE_DSN" default:"host=postgres user=postgres password=postgres dbname=cattleid port=5432 sslmode=disable"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"redis:6379"`

	ExtractorURL   string `envconfig:"EXTRACTOR_URL" default:"http://tf-serving:8501"`
	ExtractorModel string `envconfig:"EXTRACTOR_MODEL" default:"muzzle-resnet50"`

	IndexBackend   string `envconfig:"INDEX_BACKEND" default:"memory"`
	PineconeHost   string `envconfig:"PINECONE_HOST"`
	PineconeAPIKey string `envconfig:"PINECONE_API_KEY"`

	JWTSecret   string `envconfig:"JWT_SECRET" default:"dev-secret"`
	JWTAudience string `envconfig:"JWT_AUDIENCE"`

	AutoApproveThreshold  float64 `envconfig:"AUTO_APPROVE_THRESHOLD" default:"85.0"`
	ManualReviewThreshold float64 `envconfig:"MANUAL_REVIEW_THRESHOLD" default:"75.0"`
	MaxDistanceKM         float64 `envconfig:"MAX_DISTANCE_KM" default:"5.0"`
	VerifyThreshold       float64 `envconfig:"VERIFY_THRESHOLD" default:"0.85"`
}

// Load reads an optional .env file, then the environment, and validates
// the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.IndexBackend {
	case IndexBackendMemory:
	case IndexBackendPinecone:
		if c.PineconeHost == "" || c.PineconeAPIKey == "" {
			return fmt.Errorf("config: pinecone backend requires PINECONE_HOST and PINECONE_API_KEY")
		}
	default:
		return fmt.Errorf("config: unknown index backend %q", c.IndexBackend)
	}

	if c.ManualReviewThreshold > c.AutoApproveThreshold {
		return fmt.Errorf("config: MANUAL_REVIEW_THRESHOLD (%.1f) must not exceed AUTO_APPROVE_THRESHOLD (%.1f)",
			c.ManualReviewThreshold, c.AutoApproveThreshold)
	}
	if c.MaxDistanceKM <= 0 {
		return fmt.Errorf("config: MAX_DISTANCE_KM must be positive")
	}
	if c.VerifyThreshold <= 0 || c.VerifyThreshold > 1 {
		return fmt.Errorf("config: VERIFY_THRESHOLD must be in (0, 1]")
	}
	return nil
}
