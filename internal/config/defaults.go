package config

import (
	"time"
)

const (
	// Environment variable names
	EnvWorldSize       = "SB_SIZE"
	EnvWorldRank       = "SB_RANK"
	EnvBusBackend      = "SB_BACKEND"
	EnvBusAuth         = "SB_AUTH"
	EnvBusHost         = "SB_HOST"
	EnvBusClientID     = "SB_CLIENT_ID"
	EnvBusTopic        = "SB_TOPIC"
	EnvBusSubscription = "SB_SUB"
	EnvBusKeyVaultURL  = "SB_KEYVAULT_URL"
	EnvReceiveWait     = "SB_RECEIVE_WAIT"
	EnvLocalAddress    = "SB_LOCAL_ADDRESS"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvLogOutput       = "LOG_OUTPUT"
)

// Bus backends
const (
	BackendServiceBus = "servicebus"
	BackendMemory     = "memory"
)

// Authentication methods for the servicebus backend
const (
	AuthSystemAssigned   = "SystemAssigned"
	AuthUserAssigned     = "UserAssigned"
	AuthConnectionString = "ConnectionString"
)

const (
	// Default world settings
	DefaultWorldSize = 1

	// Default bus settings
	DefaultSecretName       = "SERVICEBUS_CONNSTR"
	DefaultConnectionEnvVar = "SERVICEBUS_CONNSTR"

	// Default subscription settings
	DefaultMessageTTL       = 10 * time.Minute
	DefaultMaxDeliveryCount = 2000
	DefaultAutoDeleteOnIdle = 60 * time.Minute

	// Default communicator settings
	DefaultReceiveWait   = 5 * time.Second
	DefaultMaxMessages   = 10
	DefaultMaxFaults     = 10
	DefaultMaxLockLosses = 10

	// Default logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stderr"
)

// DefaultWorldConfig returns a single-node world
func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		Size: DefaultWorldSize,
		Rank: 0,
	}
}

// DefaultBusConfig returns the default bus configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Backend:          BackendServiceBus,
		AuthMethod:       AuthSystemAssigned,
		SecretName:       DefaultSecretName,
		ConnectionEnvVar: DefaultConnectionEnvVar,
	}
}

// DefaultSubscriptionConfig returns the properties of an auto-created subscription
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		MessageTTL:       DefaultMessageTTL,
		MaxDeliveryCount: DefaultMaxDeliveryCount,
		AutoDeleteOnIdle: DefaultAutoDeleteOnIdle,
	}
}

// DefaultCommConfig returns the default communicator configuration
func DefaultCommConfig() CommConfig {
	return CommConfig{
		ReceiveWait:   DefaultReceiveWait,
		MaxMessages:   DefaultMaxMessages,
		MaxFaults:     DefaultMaxFaults,
		MaxLockLosses: DefaultMaxLockLosses,
	}
}

// DefaultSetupConfig returns the default handshake configuration
func DefaultSetupConfig() SetupConfig {
	return SetupConfig{}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}
