package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from environment variables over defaults so the binary
// runs locally with no backing services at all.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	MongoURI      string
	MongoDatabase string
	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	OSRMURL         string
	DefaultSpeedMps float64

	StripeAPIKey string
	FareCurrency string

	RideIDPrefix  string
	RideIDBase    int64
	RideIDCeiling int64

	DriverStaleAfter   time.Duration
	UserStaleAfter     time.Duration
	SweepInterval      time.Duration
	StatusInterval     time.Duration
	CompletedRideGrace time.Duration
	AcceptResendDelay  time.Duration
	BookingDedupWindow time.Duration
	NearbyRadiusM      float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		MongoDatabase:      "ride_dispatch",
		RedisGeoKey:        "drivers_geo",
		KafkaTopic:         "driver-locations",
		DefaultSpeedMps:    10,
		FareCurrency:       "inr",
		RideIDPrefix:       "RID",
		RideIDBase:         100000,
		RideIDCeiling:      999999,
		DriverStaleAfter:   5 * time.Minute,
		UserStaleAfter:     30 * time.Minute,
		SweepInterval:      60 * time.Second,
		StatusInterval:     10 * time.Second,
		CompletedRideGrace: 5 * time.Second,
		AcceptResendDelay:  time.Second,
		BookingDedupWindow: 30 * time.Second,
		NearbyRadiusM:      5000,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")

	setStringFromEnv(&cfg.RideIDPrefix, "RIDE_ID_PREFIX")
	setInt64FromEnv(&cfg.RideIDBase, "RIDE_ID_BASE", &errs)
	setInt64FromEnv(&cfg.RideIDCeiling, "RIDE_ID_CEILING", &errs)

	setDurationFromEnv(&cfg.DriverStaleAfter, "DRIVER_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.UserStaleAfter, "USER_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.StatusInterval, "STATUS_INTERVAL", &errs)
	setDurationFromEnv(&cfg.CompletedRideGrace, "COMPLETED_RIDE_GRACE", &errs)
	setDurationFromEnv(&cfg.AcceptResendDelay, "ACCEPT_RESEND_DELAY", &errs)
	setDurationFromEnv(&cfg.BookingDedupWindow, "BOOKING_DEDUP_WINDOW", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusM, "NEARBY_DEFAULT_RADIUS_M", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.RideIDBase < 0 || c.RideIDBase >= c.RideIDCeiling {
		errs = append(errs, fmt.Errorf("RIDE_ID_BASE (%d) must be >= 0 and below RIDE_ID_CEILING (%d)", c.RideIDBase, c.RideIDCeiling))
	}
	positive := []struct {
		key string
		d   time.Duration
	}{
		{"DRIVER_STALE_AFTER", c.DriverStaleAfter},
		{"USER_STALE_AFTER", c.UserStaleAfter},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"STATUS_INTERVAL", c.StatusInterval},
		{"COMPLETED_RIDE_GRACE", c.CompletedRideGrace},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.key))
		}
	}
	if c.AcceptResendDelay < 0 || c.BookingDedupWindow < 0 {
		errs = append(errs, fmt.Errorf("ACCEPT_RESEND_DELAY and BOOKING_DEDUP_WINDOW must not be negative"))
	}
	if c.NearbyRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_DEFAULT_RADIUS_M must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_DEFAULT_SPEED_MPS must be > 0"))
	}
	return errs
}

// ConsumerConfig configures the telemetry consumer that mirrors driver
// locations from Kafka into the shared Redis GEO index.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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
