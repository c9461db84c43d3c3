package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/Shopify/sarama"
	"github.com/go-playground/validator/v10"
	"github.com/meterline/meterline/internal/types"
	"github.com/spf13/viper"
)

type Configuration struct {
	Deployment DeploymentConfig `validate:"required"`
	Server     ServerConfig     `validate:"required"`
	Logging    LoggingConfig    `validate:"required"`
	Window     WindowConfig     `validate:"required"`
	Kafka      KafkaConfig      `validate:"required"`
	Postgres   PostgresConfig   `validate:"required"`
	ClickHouse ClickHouseConfig `validate:"required"`
	Cache      CacheConfig
	Sentry     SentryConfig
}

type DeploymentConfig struct {
	Mode types.RunMode `validate:"required"`
}

type ServerConfig struct {
	Address string `validate:"required"`
}

type LoggingConfig struct {
	Level types.LogLevel `validate:"required"`
}

// WindowConfig carries the event-time windowing parameters. All values are
// in milliseconds on the wire (WINDOW_SIZE_MS and friends).
type WindowConfig struct {
	SizeMS              int64 `mapstructure:"size_ms"`
	AllowedLatenessMS   int64 `mapstructure:"allowed_lateness_ms"`
	WatermarkIntervalMS int64 `mapstructure:"watermark_interval_ms"`
}

func (w WindowConfig) Size() time.Duration {
	if w.SizeMS <= 0 {
		return types.DefaultWindowSize
	}
	return time.Duration(w.SizeMS) * time.Millisecond
}

func (w WindowConfig) AllowedLateness() time.Duration {
	if w.AllowedLatenessMS <= 0 {
		return types.DefaultAllowedLateness
	}
	return time.Duration(w.AllowedLatenessMS) * time.Millisecond
}

func (w WindowConfig) WatermarkInterval() time.Duration {
	if w.WatermarkIntervalMS <= 0 {
		return types.DefaultWatermarkInterval
	}
	return time.Duration(w.WatermarkIntervalMS) * time.Millisecond
}

// KafkaConfig configures the stream transport. An empty broker list makes
// the server run on in-process streams instead of Kafka.
type KafkaConfig struct {
	Brokers       []string
	ClientID      string   `mapstructure:"client_id"`
	TLS           bool
	UseSASL       bool                 `mapstructure:"use_sasl"`
	SASLMechanism sarama.SASLMechanism `mapstructure:"sasl_mechanism"`
	SASLUser      string               `mapstructure:"sasl_user"`
	SASLPassword  string               `mapstructure:"sasl_password"`
	Topics        KafkaTopics          `validate:"required"`
	Groups        KafkaConsumerGroups  `mapstructure:"consumer_groups" validate:"required"`
}

type KafkaTopics struct {
	Events          string `validate:"required"`
	EventsLate      string `mapstructure:"events_late" validate:"required"`
	AggregatedUsage string `mapstructure:"aggregated_usage" validate:"required"`
	RatedCharges    string `mapstructure:"rated_charges" validate:"required"`
}

type KafkaConsumerGroups struct {
	Aggregator string `validate:"required"`
	Rating     string `validate:"required"`
	Rerating   string `validate:"required"`
}

type PostgresConfig struct {
	Host                   string `validate:"required"`
	Port                   int    `validate:"required"`
	User                   string `validate:"required"`
	Password               string
	DBName                 string `mapstructure:"dbname" validate:"required"`
	SSLMode                string `mapstructure:"sslmode"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	ConnMaxIdleTimeSeconds int    `mapstructure:"conn_max_idle_time_seconds"`
	ConnTimeoutSeconds     int    `mapstructure:"conn_timeout_seconds"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

type ClickHouseConfig struct {
	Address  string `validate:"required"`
	TLS      bool
	Username string
	Password string
	Database string `validate:"required"`
}

type CacheConfig struct {
	Enabled bool
}

type SentryConfig struct {
	Enabled     bool
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

func NewConfig() (*Configuration, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/meterline")

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, err
		}
	}

	var config Configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deployment.mode", string(types.ModeLocal))
	v.SetDefault("server.address", ":8080")
	v.SetDefault("logging.level", string(types.LogLevelInfo))

	v.SetDefault("window.size_ms", types.DefaultWindowSize.Milliseconds())
	v.SetDefault("window.allowed_lateness_ms", types.DefaultAllowedLateness.Milliseconds())
	v.SetDefault("window.watermark_interval_ms", types.DefaultWatermarkInterval.Milliseconds())

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "meterline")
	v.SetDefault("kafka.topics.events", "telemetry-events")
	v.SetDefault("kafka.topics.events_late", "telemetry-events-late")
	v.SetDefault("kafka.topics.aggregated_usage", "aggregated-usage")
	v.SetDefault("kafka.topics.rated_charges", "rated-charges")
	v.SetDefault("kafka.consumer_groups.aggregator", "aggregation-service-group")
	v.SetDefault("kafka.consumer_groups.rating", "rating-service-group")
	v.SetDefault("kafka.consumer_groups.rerating", "re-rating-group")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "meterline")
	v.SetDefault("postgres.dbname", "meterline")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_idle_time_seconds", 30)
	v.SetDefault("postgres.conn_timeout_seconds", 2)

	v.SetDefault("clickhouse.address", "localhost:9000")
	v.SetDefault("clickhouse.database", "meterline")
}

func (c Configuration) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// GetDefaultConfig returns a default configuration for local development
// and scripts that do not load config.yaml
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Deployment: DeploymentConfig{Mode: types.ModeLocal},
		Logging:    LoggingConfig{Level: types.LogLevelDebug},
		Window:     WindowConfig{},
		Kafka: KafkaConfig{
			Brokers:  []string{"localhost:9092"},
			ClientID: "meterline",
			Topics: KafkaTopics{
				Events:          "telemetry-events",
				EventsLate:      "telemetry-events-late",
				AggregatedUsage: "aggregated-usage",
				RatedCharges:    "rated-charges",
			},
			Groups: KafkaConsumerGroups{
				Aggregator: "aggregation-service-group",
				Rating:     "rating-service-group",
				Rerating:   "re-rating-group",
			},
		},
	}
}

func (c ClickHouseConfig) GetClientOptions() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{c.Address},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
	if c.TLS {
		options.TLS = &tls.Config{}
	}
	return options
}

func (c PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s host=%s port=%d sslmode=%s connect_timeout=%d",
		c.User,
		c.Password,
		c.DBName,
		c.Host,
		c.Port,
		c.SSLMode,
		c.ConnTimeoutSeconds,
	)
}
