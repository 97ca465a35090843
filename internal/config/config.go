package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch gateway.
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

	PGDSN         string
	RunMigrations bool

	AMQPURL        string
	AMQPExchange   string
	PushWebhookURL string

	StripeAPIKey string
	Currency     string

	OfferTTL time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "couriers_geo",
		KafkaTopic:      "courier-locations",
		AMQPExchange:    "courier_events",
		Currency:        "brl",
		OfferTTL:        60 * time.Second,
		LogLevel:        "info",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	cfg.PushWebhookURL = strings.TrimSpace(os.Getenv("PUSH_WEBHOOK_URL"))

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.Currency, "PAYMENT_CURRENCY")

	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// CourierConfig drives the courier runtime: one process per courier.
type CourierConfig struct {
	CourierID      string
	GatewayURL     string
	GatewayToken   string
	GatewayTimeout time.Duration

	NotifyTransport string
	NotifyURL       string
	AMQPURL         string
	AMQPExchange    string

	StoreRadiusM    float64
	CustomerRadiusM float64

	OfferTick time.Duration

	CadenceIdle          time.Duration
	CadenceActive        time.Duration
	CadenceNear          time.Duration
	ServerUpdateInterval time.Duration

	RetryAttempts int
	RetryDelay    time.Duration

	OSRMURL  string
	SpeedMps float64

	LocalAddr       string
	ShutdownTimeout time.Duration
	LogLevel        string
}

func defaultCourierConfig() CourierConfig {
	return CourierConfig{
		GatewayTimeout:       5 * time.Second,
		NotifyTransport:      "ws",
		AMQPExchange:         "courier_events",
		StoreRadiusM:         300,
		CustomerRadiusM:      300,
		OfferTick:            time.Second,
		CadenceIdle:          2 * time.Minute,
		CadenceActive:        5 * time.Second,
		CadenceNear:          2 * time.Second,
		ServerUpdateInterval: 15 * time.Second,
		RetryAttempts:        3,
		RetryDelay:           500 * time.Millisecond,
		SpeedMps:             8,
		LocalAddr:            ":8090",
		ShutdownTimeout:      10 * time.Second,
		LogLevel:             "info",
	}
}

func LoadCourierConfig() (CourierConfig, error) {
	cfg := defaultCourierConfig()
	var errs []error

	cfg.CourierID = strings.TrimSpace(os.Getenv("COURIER_ID"))
	cfg.GatewayURL = strings.TrimSpace(os.Getenv("GATEWAY_URL"))
	cfg.GatewayToken = os.Getenv("GATEWAY_TOKEN")
	setDurationFromEnv(&cfg.GatewayTimeout, "GATEWAY_TIMEOUT", &errs)

	if v := os.Getenv("NOTIFY_TRANSPORT"); v != "" {
		cfg.NotifyTransport = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.NotifyURL, "NOTIFY_URL")
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	setFloatFromEnv(&cfg.StoreRadiusM, "STORE_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.CustomerRadiusM, "CUSTOMER_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.OfferTick, "OFFER_TICK", &errs)

	setDurationFromEnv(&cfg.CadenceIdle, "CADENCE_IDLE", &errs)
	setDurationFromEnv(&cfg.CadenceActive, "CADENCE_ACTIVE", &errs)
	setDurationFromEnv(&cfg.CadenceNear, "CADENCE_NEAR", &errs)
	setDurationFromEnv(&cfg.ServerUpdateInterval, "SERVER_UPDATE_INTERVAL", &errs)

	setIntFromEnv(&cfg.RetryAttempts, "RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "RETRY_DELAY", &errs)

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.SpeedMps, "AVG_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.LocalAddr, "LOCAL_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.GatewayURL
	}

	if cfg.CourierID == "" {
		errs = append(errs, fmt.Errorf("COURIER_ID is required"))
	}
	if cfg.GatewayURL == "" {
		errs = append(errs, fmt.Errorf("GATEWAY_URL is required"))
	}
	switch cfg.NotifyTransport {
	case "ws":
	case "amqp":
		if cfg.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("AMQP_URL is required when NOTIFY_TRANSPORT=amqp"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFY_TRANSPORT %q", cfg.NotifyTransport))
	}
	if cfg.StoreRadiusM <= 0 || cfg.CustomerRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("proximity radii must be > 0"))
	}
	if cfg.OfferTick <= 0 || cfg.CadenceIdle <= 0 || cfg.CadenceActive <= 0 || cfg.ServerUpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick and cadence intervals must be > 0"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the location consumer that mirrors courier
// positions from Kafka into the Redis GEO index.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "courier-locations",
		KafkaGroup:    "courier-locations-geo",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "couriers_geo",
		MetricsAddr:   ":2112",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is empty"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
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
