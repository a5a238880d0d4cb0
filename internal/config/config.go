package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// Config represents the complete configuration of an sbmpi process
type Config struct {
	World        WorldConfig        `json:"world" yaml:"world"`
	Bus          BusConfig          `json:"bus" yaml:"bus"`
	Subscription SubscriptionConfig `json:"subscription" yaml:"subscription"`
	Comm         CommConfig         `json:"comm" yaml:"comm"`
	Setup        SetupConfig        `json:"setup" yaml:"setup"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
}

// WorldConfig describes the static roster of the run
type WorldConfig struct {
	Size int `json:"size" yaml:"size"`
	Rank int `json:"rank" yaml:"rank"`
}

// BusConfig selects the message bus backend and how to authenticate to it
type BusConfig struct {
	Backend          string `json:"backend" yaml:"backend"`         // servicebus, memory
	AuthMethod       string `json:"auth_method" yaml:"auth_method"` // SystemAssigned, UserAssigned, ConnectionString
	Host             string `json:"host,omitempty" yaml:"host,omitempty"`
	ClientID         string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Topic            string `json:"topic" yaml:"topic"`
	Subscription     string `json:"subscription" yaml:"subscription"`
	KeyVaultURL      string `json:"key_vault_url,omitempty" yaml:"key_vault_url,omitempty"`
	SecretName       string `json:"secret_name" yaml:"secret_name"`
	ConnectionEnvVar string `json:"connection_env_var" yaml:"connection_env_var"`
}

// SubscriptionConfig holds the properties used when the shared subscription
// has to be created
type SubscriptionConfig struct {
	MessageTTL       time.Duration `json:"message_ttl" yaml:"message_ttl"`
	MaxDeliveryCount int32         `json:"max_delivery_count" yaml:"max_delivery_count"`
	AutoDeleteOnIdle time.Duration `json:"auto_delete_on_idle" yaml:"auto_delete_on_idle"`
}

// CommConfig tunes the communicator receive loop
type CommConfig struct {
	ReceiveWait   time.Duration `json:"receive_wait" yaml:"receive_wait"`
	MaxMessages   int           `json:"max_messages" yaml:"max_messages"`
	MaxFaults     int           `json:"max_faults" yaml:"max_faults"`
	MaxLockLosses int           `json:"max_lock_losses" yaml:"max_lock_losses"`
	// MaxAttempts caps faults and lock losses combined. Zero disables the cap.
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	AllowedTags   []string      `json:"allowed_tags" yaml:"allowed_tags"`
	// LazyInit skips opening every channel up front in Initialize
	LazyInit      bool          `json:"lazy_init" yaml:"lazy_init"`
}

// SetupConfig tunes the cluster auto-setup handshake
type SetupConfig struct {
	// LocalAddress overrides address detection when set
	LocalAddress string `json:"local_address,omitempty" yaml:"local_address,omitempty"`
	// ShutdownTimeout bounds how long a worker waits for the head's shutdown
	// signal. Zero waits forever.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// Default returns a configuration with every section at its default
func Default() *Config {
	return &Config{
		World:        DefaultWorldConfig(),
		Bus:          DefaultBusConfig(),
		Subscription: DefaultSubscriptionConfig(),
		Comm:         DefaultCommConfig(),
		Setup:        DefaultSetupConfig(),
		Logging:      DefaultLoggingConfig(),
	}
}

// applyDefaults fills in zero-valued config fields with their defaults.
// Called after loading from YAML so partial files get sensible values.
func applyDefaults(cfg *Config) {
	if cfg.World.Size == 0 {
		cfg.World.Size = DefaultWorldSize
	}

	defaultBus := DefaultBusConfig()
	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = defaultBus.Backend
	}
	if cfg.Bus.AuthMethod == "" {
		cfg.Bus.AuthMethod = defaultBus.AuthMethod
	}
	if cfg.Bus.SecretName == "" {
		cfg.Bus.SecretName = defaultBus.SecretName
	}
	if cfg.Bus.ConnectionEnvVar == "" {
		cfg.Bus.ConnectionEnvVar = defaultBus.ConnectionEnvVar
	}

	defaultSub := DefaultSubscriptionConfig()
	if cfg.Subscription.MessageTTL == 0 {
		cfg.Subscription.MessageTTL = defaultSub.MessageTTL
	}
	if cfg.Subscription.MaxDeliveryCount == 0 {
		cfg.Subscription.MaxDeliveryCount = defaultSub.MaxDeliveryCount
	}
	if cfg.Subscription.AutoDeleteOnIdle == 0 {
		cfg.Subscription.AutoDeleteOnIdle = defaultSub.AutoDeleteOnIdle
	}

	defaultComm := DefaultCommConfig()
	if cfg.Comm.ReceiveWait == 0 {
		cfg.Comm.ReceiveWait = defaultComm.ReceiveWait
	}
	if cfg.Comm.MaxMessages == 0 {
		cfg.Comm.MaxMessages = defaultComm.MaxMessages
	}
	if cfg.Comm.MaxFaults == 0 {
		cfg.Comm.MaxFaults = defaultComm.MaxFaults
	}
	if cfg.Comm.MaxLockLosses == 0 {
		cfg.Comm.MaxLockLosses = defaultComm.MaxLockLosses
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}
}

// applyEnvOverrides applies environment variable values on top of cfg
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvWorldSize); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeConfiguration, "invalid "+EnvWorldSize, err)
		}
		cfg.World.Size = size
	}
	if v := os.Getenv(EnvWorldRank); v != "" {
		rank, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeConfiguration, "invalid "+EnvWorldRank, err)
		}
		cfg.World.Rank = rank
	}

	if v := os.Getenv(EnvBusBackend); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv(EnvBusAuth); v != "" {
		cfg.Bus.AuthMethod = v
	}
	if v := os.Getenv(EnvBusHost); v != "" {
		cfg.Bus.Host = v
	}
	if v := os.Getenv(EnvBusClientID); v != "" {
		cfg.Bus.ClientID = v
	}
	if v := os.Getenv(EnvBusTopic); v != "" {
		cfg.Bus.Topic = v
	}
	if v := os.Getenv(EnvBusSubscription); v != "" {
		cfg.Bus.Subscription = v
	}
	if v := os.Getenv(EnvBusKeyVaultURL); v != "" {
		cfg.Bus.KeyVaultURL = v
	}

	if v := os.Getenv(EnvReceiveWait); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeConfiguration, "invalid "+EnvReceiveWait, err)
		}
		cfg.Comm.ReceiveWait = d
	}
	if v := os.Getenv(EnvLocalAddress); v != "" {
		cfg.Setup.LocalAddress = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}
	return nil
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg *Config
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if _, err := types.NewWorld(c.World.Size, c.World.Rank); err != nil {
		return err
	}

	switch c.Bus.Backend {
	case BackendServiceBus:
		if c.Bus.Topic == "" {
			return types.NewError(types.ErrCodeConfiguration, "bus topic must be specified")
		}
		if c.Bus.Subscription == "" {
			return types.NewError(types.ErrCodeConfiguration, "bus subscription must be specified")
		}
		switch c.Bus.AuthMethod {
		case AuthSystemAssigned, AuthUserAssigned:
			if c.Bus.Host == "" {
				return types.NewError(types.ErrCodeConfiguration,
					fmt.Sprintf("bus host must be specified when using %s auth", c.Bus.AuthMethod))
			}
		case AuthConnectionString:
		default:
			return types.NewError(types.ErrCodeConfiguration,
				fmt.Sprintf("unknown auth method: %s", c.Bus.AuthMethod))
		}
	case BackendMemory:
	default:
		return types.NewError(types.ErrCodeConfiguration,
			fmt.Sprintf("unknown bus backend: %s (must be %s or %s)", c.Bus.Backend, BackendServiceBus, BackendMemory))
	}

	if c.Subscription.MessageTTL <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "subscription message ttl must be positive")
	}
	if c.Subscription.MaxDeliveryCount <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "subscription max delivery count must be positive")
	}
	if c.Subscription.AutoDeleteOnIdle < 5*time.Minute {
		return types.NewError(types.ErrCodeInvalidArgument, "subscription auto delete on idle must be at least 5m")
	}

	if c.Comm.ReceiveWait <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "comm receive wait must be positive")
	}
	if c.Comm.MaxMessages <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "comm max messages must be positive")
	}
	if c.Comm.MaxFaults <= 0 || c.Comm.MaxLockLosses <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "comm retry bounds must be positive")
	}
	if c.Comm.MaxAttempts < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "comm max attempts cannot be negative")
	}
	if c.Setup.ShutdownTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "setup shutdown timeout cannot be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}
	return nil
}

// Tags returns the allowed tags as typed tags. An empty list means the
// default tag only.
func (c CommConfig) Tags() []types.Tag {
	if len(c.AllowedTags) == 0 {
		return []types.Tag{types.AnyTag}
	}
	tags := make([]types.Tag, 0, len(c.AllowedTags))
	for _, t := range c.AllowedTags {
		if t == types.WildcardMarker {
			t = ""
		}
		tags = append(tags, types.Tag(t))
	}
	return tags
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// Called after loading from defaults, YAML file and environment variables.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.WorldSize != nil {
		c.World.Size = *opts.WorldSize
	}
	if opts.WorldRank != nil {
		c.World.Rank = *opts.WorldRank
	}

	if opts.Backend != "" {
		c.Bus.Backend = opts.Backend
	}
	if opts.AuthMethod != "" {
		c.Bus.AuthMethod = opts.AuthMethod
	}
	if opts.Host != "" {
		c.Bus.Host = opts.Host
	}
	if opts.Topic != "" {
		c.Bus.Topic = opts.Topic
	}
	if opts.Subscription != "" {
		c.Bus.Subscription = opts.Subscription
	}

	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
}

// OverrideOptions contains override options typically set via CLI flags.
// Pointer fields distinguish "unset" from a legitimate zero.
type OverrideOptions struct {
	WorldSize *int
	WorldRank *int

	Backend      string
	AuthMethod   string
	Host         string
	Topic        string
	Subscription string

	LogLevel  string
	LogFormat string
	LogOutput string
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{World: %s, Bus: %s, Subscription: %s, Comm: %s, Logging: %s}",
		c.World, c.Bus, c.Subscription, c.Comm, c.Logging)
}

func (c WorldConfig) String() string {
	return fmt.Sprintf("WorldConfig{Size: %d, Rank: %d}", c.Size, c.Rank)
}

// String omits secrets; only the selection is printed
func (c BusConfig) String() string {
	return fmt.Sprintf("BusConfig{Backend: %s, AuthMethod: %s, Host: %s, Topic: %s, Subscription: %s}",
		c.Backend, c.AuthMethod, c.Host, c.Topic, c.Subscription)
}

func (c SubscriptionConfig) String() string {
	return fmt.Sprintf("SubscriptionConfig{MessageTTL: %s, MaxDeliveryCount: %d, AutoDeleteOnIdle: %s}",
		c.MessageTTL, c.MaxDeliveryCount, c.AutoDeleteOnIdle)
}

func (c CommConfig) String() string {
	return fmt.Sprintf("CommConfig{ReceiveWait: %s, MaxMessages: %d, MaxFaults: %d, MaxLockLosses: %d, AllowedTags: [%s]}",
		c.ReceiveWait, c.MaxMessages, c.MaxFaults, c.MaxLockLosses, strings.Join(c.AllowedTags, ","))
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}
