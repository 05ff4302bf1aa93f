package sagastream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig,
// e.g. SAGASTREAM_GROUP.
const EnvPrefix = "SAGASTREAM"

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the engine settings.
type Config struct {
	// NodeID identifies this process as a consumer. Defaults to a random UUID.
	NodeID string `mapstructure:"node_id"`
	// Group is the consumer group shared by every node of one service.
	Group string `mapstructure:"group"`
	// KeyPrefix namespaces every stream and key the engine touches.
	KeyPrefix string `mapstructure:"key_prefix"`

	// Backpressure bounds the local delivery buffer. Deliveries arriving
	// while it is full are dropped and later reclaimed as orphans.
	Backpressure int           `mapstructure:"backpressure"`
	Workers      int           `mapstructure:"workers"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`

	// OrphanThreshold is how long a delivery may stay unacknowledged before
	// another node reclaims it.
	OrphanThreshold time.Duration `mapstructure:"orphan_threshold"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	RetryBatchSize  int           `mapstructure:"retry_batch_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// ResultTimeout is the default wait of Orchestrator.Run.
	ResultTimeout time.Duration `mapstructure:"result_timeout"`
	// RequestTTL bounds how long step inputs and unclaimed results are kept.
	// Zero keeps them forever.
	RequestTTL time.Duration `mapstructure:"request_ttl"`

	AckAttempts uint          `mapstructure:"ack_attempts"`
	AckBackoff  time.Duration `mapstructure:"ack_backoff"`

	// EarlyFailureResult publishes an orchestration's failure result as soon
	// as a step fails, before compensation has walked back. When false the
	// caller is released once compensation finished.
	EarlyFailureResult bool `mapstructure:"early_failure_result"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		NodeID:          uuid.NewString(),
		Group:           "sagastream",
		KeyPrefix:       "sagastream",
		Backpressure:    256,
		Workers:         8,
		BatchSize:       32,
		PollTimeout:     time.Second,
		OrphanThreshold: 30 * time.Second,
		RetryInterval:   10 * time.Second,
		RetryBatchSize:  64,
		ShutdownTimeout: 10 * time.Second,
		ResultTimeout:   30 * time.Second,
		RequestTTL:      24 * time.Hour,
		AckAttempts:     3,
		AckBackoff:      50 * time.Millisecond,
	}
}

// LoadConfig reads the configuration from v, falling back to environment
// variables prefixed with EnvPrefix and then to DefaultConfig. A nil v uses
// a fresh viper session.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	var defaults map[string]any
	if err := mapstructure.Decode(DefaultConfig(), &defaults); err != nil {
		return Config{}, fmt.Errorf("unable to encode default config: %w", err)
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	var errs []error
	required := map[string]string{
		"node_id":    c.NodeID,
		"group":      c.Group,
		"key_prefix": c.KeyPrefix,
	}
	for name, value := range required {
		if value == "" {
			errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalidConfig, name))
		}
	}
	positive := []struct {
		name  string
		value int64
	}{
		{"backpressure", int64(c.Backpressure)},
		{"workers", int64(c.Workers)},
		{"batch_size", int64(c.BatchSize)},
		{"poll_timeout", int64(c.PollTimeout)},
		{"orphan_threshold", int64(c.OrphanThreshold)},
		{"retry_interval", int64(c.RetryInterval)},
		{"retry_batch_size", int64(c.RetryBatchSize)},
		{"shutdown_timeout", int64(c.ShutdownTimeout)},
		{"result_timeout", int64(c.ResultTimeout)},
		{"ack_attempts", int64(c.AckAttempts)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, p.name))
		}
	}
	if c.RequestTTL < 0 || c.AckBackoff < 0 {
		errs = append(errs, fmt.Errorf("%w: request_ttl and ack_backoff must not be negative", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

func (c Config) keys() keys {
	return keys{prefix: c.KeyPrefix}
}
