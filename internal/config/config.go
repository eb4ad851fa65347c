package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

// Notifier backends.
const (
	NotifierFCM = "fcm"
	NotifierWS  = "ws"
	NotifierLog = "log"
)

// ServerConfig captures all tunable parameters for the dispatch processes.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StoreBackend  string
	PGDSN         string
	RunMigrations bool

	FirebaseProjectID       string
	FirebaseCredentialsFile string
	Notifier                string
	AuthRequired            bool

	RedisAddr       string
	RedisPassword   string
	HotspotCacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	MatchRadiusKm         float64
	MatchExpiresInSeconds int

	HotspotInterval time.Duration
	HotspotLookback time.Duration
	HotspotGridSize float64
	HotspotMinTrips int
	HotspotRadiusM  float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		StoreBackend:          StoreMemory,
		Notifier:              NotifierLog,
		HotspotCacheTTL:       5 * time.Minute,
		KafkaTopic:            "trip-events",
		KafkaGroup:            "ride-dispatch-triggers",
		MatchRadiusKm:         5,
		MatchExpiresInSeconds: 20,
		HotspotInterval:       time.Hour,
		HotspotLookback:       30 * 24 * time.Hour,
		HotspotGridSize:       0.01,
		HotspotMinTrips:       1,
		HotspotRadiusM:        2000,
		LogLevel:              "info",
	}
}

// LoadServerConfig reads ENV_FILE (default .env) when present, then the
// process environment.
func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		// variables already set in the environment win
		if err := godotenv.Load(envFile); err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", envFile, err))
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.FirebaseProjectID, "FIREBASE_PROJECT_ID")
	setStringFromEnv(&cfg.FirebaseCredentialsFile, "FIREBASE_CREDENTIALS_FILE")
	setStringFromEnv(&cfg.Notifier, "NOTIFIER")
	cfg.Notifier = strings.ToLower(cfg.Notifier)
	cfg.AuthRequired = strings.EqualFold(os.Getenv("AUTH_REQUIRED"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.HotspotCacheTTL, "HOTSPOT_CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MatchExpiresInSeconds, "MATCH_EXPIRES_IN_SECONDS", &errs)

	setDurationFromEnv(&cfg.HotspotInterval, "HOTSPOT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.HotspotLookback, "HOTSPOT_LOOKBACK", &errs)
	setFloatFromEnv(&cfg.HotspotGridSize, "HOTSPOT_GRID_SIZE", &errs)
	setIntFromEnv(&cfg.HotspotMinTrips, "HOTSPOT_MIN_TRIPS", &errs)
	setFloatFromEnv(&cfg.HotspotRadiusM, "HOTSPOT_RADIUS_M", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for STORE_BACKEND=postgres"))
		}
	case StoreFirestore:
		if c.FirebaseProjectID == "" {
			errs = append(errs, fmt.Errorf("FIREBASE_PROJECT_ID is required for STORE_BACKEND=firestore"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.Notifier {
	case NotifierLog, NotifierWS:
	case NotifierFCM:
		if c.FirebaseProjectID == "" {
			errs = append(errs, fmt.Errorf("FIREBASE_PROJECT_ID is required for NOTIFIER=fcm"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFIER %q", c.Notifier))
	}
	if c.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if c.MatchExpiresInSeconds <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_EXPIRES_IN_SECONDS must be > 0"))
	}
	if c.HotspotInterval <= 0 {
		errs = append(errs, fmt.Errorf("HOTSPOT_INTERVAL must be > 0"))
	}
	if c.HotspotGridSize <= 0 {
		errs = append(errs, fmt.Errorf("HOTSPOT_GRID_SIZE must be > 0"))
	}
	if c.HotspotMinTrips <= 0 {
		errs = append(errs, fmt.Errorf("HOTSPOT_MIN_TRIPS must be > 0"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
