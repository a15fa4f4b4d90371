package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/roadside-dispatch/internal/pricing"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN    string
	MongoURI string
	MongoDB  string

	DispatchRadiusMeters float64
	Pricing              pricing.Rules

	FuelFeedURL string
	FuelFeedKey string
	FuelFeedTTL time.Duration

	LogLevel      string
	RunMigrations bool
}

// ConsumerConfig is the configuration of the completed-request consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN    string
	MongoURI string
	MongoDB  string

	RedisAddr     string
	RedisPassword string

	StripeAPIKey string
	MetricsAddr  string
	LogLevel     string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "providers_geo",
		KafkaTopic:           "service-requests",
		MongoDB:              "roadside",
		DispatchRadiusMeters: 10000,
		Pricing:              pricing.DefaultRules(),
		FuelFeedTTL:          10 * time.Minute,
		LogLevel:             "info",
	}
}

// loadDotEnv reads an optional .env file; a missing file is not an error.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")

	setFloatFromEnv(&cfg.DispatchRadiusMeters, "DISPATCH_RADIUS_METERS", &errs)
	loadPricingRules(&cfg.Pricing, &errs)

	cfg.FuelFeedURL = strings.TrimSpace(os.Getenv("FUEL_FEED_URL"))
	cfg.FuelFeedKey = os.Getenv("FUEL_FEED_KEY")
	setDurationFromEnv(&cfg.FuelFeedTTL, "FUEL_FEED_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_METERS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func loadPricingRules(r *pricing.Rules, errs *[]error) {
	if v := os.Getenv("PEAK_WINDOWS"); v != "" {
		w, err := pricing.ParseHourWindows(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid PEAK_WINDOWS: %w", err))
		} else {
			r.PeakWindows = w
		}
	}
	if v := os.Getenv("GEOFENCE_BOX"); v != "" {
		b, err := pricing.ParseBoundingBox(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid GEOFENCE_BOX: %w", err))
		} else {
			r.Geofence = b
		}
	}
	if v := os.Getenv("PRICING_TZ"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid PRICING_TZ: %w", err))
		} else {
			r.Location = loc
		}
	}
	setFloatFromEnv(&r.PeakMultiplier, "PEAK_MULTIPLIER", errs)
	setIntFromEnv(&r.DemandThreshold, "DEMAND_THRESHOLD", errs)
	setDurationFromEnv(&r.DemandWindow, "DEMAND_WINDOW", errs)
	setFloatFromEnv(&r.DemandMultiplier, "DEMAND_MULTIPLIER", errs)
	setFloatFromEnv(&r.GeofenceMultiplier, "GEOFENCE_MULTIPLIER", errs)
	setFloatFromEnv(&r.FraudRatio, "FRAUD_RATIO", errs)

	if r.FraudRatio < 0 || r.FraudRatio > 1 {
		*errs = append(*errs, fmt.Errorf("FRAUD_RATIO must be within [0,1]"))
	}
	if r.PeakMultiplier <= 0 || r.DemandMultiplier <= 0 || r.GeofenceMultiplier <= 0 {
		*errs = append(*errs, fmt.Errorf("pricing multipliers must be > 0"))
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "service-requests",
		KafkaGroup:   "roadside-earnings",
		MongoDB:      "roadside",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.PGDSN == "" && cfg.MongoURI == "" {
		errs = append(errs, fmt.Errorf("PG_DSN or MONGO_URI is required: earnings need a persistent store"))
	}
	return cfg, errors.Join(errs...)
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
