// Package config loads service settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env        string `env:"ENV,         default=development"`
	LogLevel   string `env:"LOG_LEVEL,   default=info"`
	OpsAddr    string `env:"OPS_ADDR,    default=:8080"`
	Workers    int    `env:"WORKERS,     default=16"`
	IDDigits   int    `env:"ID_DIGITS,   default=10"`
	BcryptCost int    `env:"BCRYPT_COST, default=10"`

	Topics    TopicsConfig
	Broker    BrokerConfig
	Mongo     MongoConfig
	Redis     RedisConfig
	Breaker   BreakerConfig
	Token     TokenConfig
	Mail      MailConfig
	Throttle  ThrottleConfig
	Telemetry TelemetryConfig
}

type TopicsConfig struct {
	Domain string `env:"TOPIC_DOMAIN, default=dentistimo"`
}

type BrokerConfig struct {
	Kind           string `env:"BROKER_KIND,          default=mqtt"`
	URL            string `env:"BROKER_URL,           default=tcp://localhost:1883"`
	Username       string `env:"BROKER_USERNAME"`
	Password       string `env:"BROKER_PASSWORD"`
	ClientIDPrefix string `env:"BROKER_CLIENT_PREFIX, default=identity"`
	QoS            int    `env:"BROKER_QOS,           default=2"`
	Exchange       string `env:"BROKER_EXCHANGE,      default=identity"`
}

type MongoConfig struct {
	URI      string        `env:"MONGO_URI,     default=mongodb://localhost:27017"`
	Database string        `env:"MONGO_DB,      default=dentistimo"`
	Timeout  time.Duration `env:"MONGO_TIMEOUT, default=10s"`
}

// RedisConfig is optional: an empty address disables duplicate suppression.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB,  default=0"`
	DedupTTL time.Duration `env:"DEDUP_TTL, default=10m"`
}

type BreakerConfig struct {
	FailureThreshold float64       `env:"BREAKER_THRESHOLD,    default=0.75"`
	MinRequests      uint32        `env:"BREAKER_MIN_REQUESTS, default=4"`
	Window           time.Duration `env:"BREAKER_WINDOW,       default=10s"`
	Timeout          time.Duration `env:"BREAKER_TIMEOUT,      default=7500ms"`
	Cooldown         time.Duration `env:"BREAKER_COOLDOWN,     default=30s"`
}

type TokenConfig struct {
	Secret string        `env:"JWT_SECRET"`
	Issuer string        `env:"JWT_ISSUER, default=Dentistimo-User-Management"`
	TTL    time.Duration `env:"JWT_TTL,    default=1h"`
}

// MailConfig configures SMTP delivery. Without a host, mails are logged
// instead of sent.
type MailConfig struct {
	Host      string `env:"SMTP_HOST"`
	Port      int    `env:"SMTP_PORT,       default=587"`
	Username  string `env:"SMTP_USERNAME"`
	Password  string `env:"SMTP_PASSWORD"`
	From      string `env:"SMTP_FROM,       default=no-reply@dentistimo.local"`
	SSL       bool   `env:"SMTP_SSL,        default=false"`
	TLSPolicy string `env:"SMTP_TLS_POLICY, default=opportunistic"`
}

type ThrottleConfig struct {
	ResetCodeInterval time.Duration `env:"RESET_CODE_INTERVAL, default=1m"`
	ResetCodeBurst    int           `env:"RESET_CODE_BURST,    default=3"`
	IdleTTL           time.Duration `env:"RESET_CODE_IDLE_TTL, default=30m"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE, default=true"`
	ServiceName string  `env:"OTEL_SERVICE_NAME,           default=identity-service"`
	SampleRatio float64 `env:"OTEL_SAMPLE_RATIO,           default=1"`
}

// Load reads an optional .env file, then the process environment.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom processes and validates the configuration from lookuper.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token.Secret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.IDDigits < 6 || c.IDDigits > 18 {
		errs = append(errs, fmt.Errorf("ID_DIGITS must be within [6, 18], got %d", c.IDDigits))
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("BROKER_QOS must be 0, 1 or 2, got %d", c.Broker.QoS))
	}
	switch strings.ToLower(c.Broker.Kind) {
	case "mqtt", "amqp", "memory":
	default:
		errs = append(errs, fmt.Errorf("BROKER_KIND %q is not one of mqtt, amqp, memory", c.Broker.Kind))
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		errs = append(errs, fmt.Errorf("BREAKER_THRESHOLD must be within (0, 1], got %v", c.Breaker.FailureThreshold))
	}
	if c.Breaker.MinRequests == 0 {
		errs = append(errs, errors.New("BREAKER_MIN_REQUESTS must be positive"))
	}
	if c.Breaker.Timeout <= 0 || c.Breaker.Cooldown <= 0 || c.Breaker.Window <= 0 {
		errs = append(errs, errors.New("breaker durations must be positive"))
	}
	switch strings.ToLower(c.Mail.TLSPolicy) {
	case "mandatory", "opportunistic", "none":
	default:
		errs = append(errs, fmt.Errorf("SMTP_TLS_POLICY %q is not one of mandatory, opportunistic, none", c.Mail.TLSPolicy))
	}
	if c.Throttle.ResetCodeBurst <= 0 || c.Throttle.ResetCodeInterval <= 0 {
		errs = append(errs, errors.New("reset code throttle must be positive"))
	}
	return errors.Join(errs...)
}
