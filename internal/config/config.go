package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process settings read from the environment plus the station
// layout read from the stations file.
type Config struct {
	Port              int
	APIKey            string
	DatabasePath      string
	ImageDirectory    string
	ReportDirectory   string
	LogDirectory      string
	LogLevel          string
	StationsFile      string
	CamerasPort       int           // UDP port of the JPEG frame feed, 0 disables it
	EvaluationTimeout time.Duration // idle wait before a station re-evaluates without a new signal
	SignalQueueSize   int
	CaptureRetries    int
	CaptureBackoff    time.Duration
	MQTTBroker        string
	MQTTTopicPrefix   string
	MQTTClientID      string
	KafkaBrokers      []string
	KafkaTopic        string

	Site *SiteConfig
}

// Load reads an optional .env file, the environment and the stations file.
func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnvAsInt("PORT", 8080),
		APIKey:            getEnv("API_KEY", ""),
		DatabasePath:      getEnv("DB_PATH", filepath.Join(".", "data", "canedump.db")),
		ImageDirectory:    getEnv("IMAGE_DIR", filepath.Join(".", "results")),
		ReportDirectory:   getEnv("REPORT_DIR", filepath.Join(".", "results", "merged")),
		LogDirectory:      getEnv("LOG_DIR", filepath.Join(".", "logs")),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		StationsFile:      getEnv("STATIONS_FILE", filepath.Join(".", "stations.yaml")),
		CamerasPort:       getEnvAsInt("CAMERAS_PORT", 0),
		EvaluationTimeout: getEnvAsDuration("EVALUATION_TIMEOUT", 500*time.Millisecond),
		SignalQueueSize:   getEnvAsInt("SIGNAL_QUEUE_SIZE", 64),
		CaptureRetries:    getEnvAsInt("CAPTURE_RETRIES", 3),
		CaptureBackoff:    getEnvAsDuration("CAPTURE_BACKOFF", 200*time.Millisecond),
		MQTTBroker:        getEnv("MQTT_BROKER", ""),
		MQTTTopicPrefix:   getEnv("MQTT_TOPIC_PREFIX", "canedump"),
		MQTTClientID:      getEnv("MQTT_CLIENT_ID", "canedump-server"),
		KafkaBrokers:      getEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "dump.sessions"),
	}

	site, err := LoadSite(cfg.StationsFile)
	if err != nil {
		return nil, err
	}
	cfg.Site = site

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks process settings and the station layout.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("PORT must be positive")
	}
	if c.EvaluationTimeout <= 0 {
		return fmt.Errorf("EVALUATION_TIMEOUT must be positive")
	}
	if c.SignalQueueSize <= 0 {
		return fmt.Errorf("SIGNAL_QUEUE_SIZE must be positive")
	}
	if c.CaptureRetries < 0 {
		return fmt.Errorf("CAPTURE_RETRIES must not be negative")
	}
	if c.Site == nil {
		return fmt.Errorf("no station layout loaded")
	}
	return c.Site.Validate()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
