package servicebus

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// Credentials is a resolved way of reaching the namespace. Exactly one of
// Token and ConnectionString is set.
type Credentials struct {
	Method           string
	Namespace        string
	Token            azcore.TokenCredential
	ConnectionString string
}

// SecretFetcher reads a secret from a vault
type SecretFetcher func(ctx context.Context, vaultURL, name string) (string, error)

// ManagedIdentityFactory builds a managed identity credential. An empty
// client id selects the host-assigned identity.
type ManagedIdentityFactory func(clientID string) (azcore.TokenCredential, error)

type authOptions struct {
	fetchSecret     SecretFetcher
	lookupEnv       func(string) (string, bool)
	managedIdentity ManagedIdentityFactory
}

// AuthOption customizes credential resolution
type AuthOption func(*authOptions)

// WithSecretFetcher replaces the Key Vault lookup
func WithSecretFetcher(f SecretFetcher) AuthOption {
	return func(o *authOptions) {
		o.fetchSecret = f
	}
}

// WithEnvLookup replaces os.LookupEnv
func WithEnvLookup(f func(string) (string, bool)) AuthOption {
	return func(o *authOptions) {
		o.lookupEnv = f
	}
}

// WithManagedIdentityFactory replaces the azidentity managed identity constructor
func WithManagedIdentityFactory(f ManagedIdentityFactory) AuthOption {
	return func(o *authOptions) {
		o.managedIdentity = f
	}
}

// ResolveCredentials turns the bus configuration into credentials.
//
// SystemAssigned and UserAssigned use a managed identity and need the
// namespace host. ConnectionString reads the connection string from Key
// Vault when a vault URL is configured and falls back to an environment
// variable otherwise, logging a warning because the environment is not a
// secret store.
func ResolveCredentials(ctx context.Context, cfg config.BusConfig, log *logger.Logger, opts ...AuthOption) (*Credentials, error) {
	log = logger.OrDefault(log, "servicebus-auth")
	o := authOptions{
		fetchSecret:     fetchKeyVaultSecret,
		lookupEnv:       os.LookupEnv,
		managedIdentity: newManagedIdentity,
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.AuthMethod {
	case config.AuthSystemAssigned, config.AuthUserAssigned:
		if cfg.Host == "" {
			return nil, types.NewError(types.ErrCodeConfiguration,
				fmt.Sprintf("bus host must be specified when using %s auth", cfg.AuthMethod))
		}
		clientID := ""
		if cfg.AuthMethod == config.AuthUserAssigned {
			clientID = cfg.ClientID
		}
		cred, err := o.managedIdentity(clientID)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeConfiguration, "failed to create managed identity credential", err)
		}
		log.Debug("Using managed identity", "method", cfg.AuthMethod, "host", cfg.Host)
		return &Credentials{Method: cfg.AuthMethod, Namespace: cfg.Host, Token: cred}, nil

	case config.AuthConnectionString:
		connStr, err := resolveConnectionString(ctx, cfg, log, o)
		if err != nil {
			return nil, err
		}
		return &Credentials{Method: cfg.AuthMethod, Namespace: cfg.Host, ConnectionString: connStr}, nil

	default:
		return nil, types.NewError(types.ErrCodeConfiguration,
			fmt.Sprintf("unknown auth method: %s", cfg.AuthMethod))
	}
}

func resolveConnectionString(ctx context.Context, cfg config.BusConfig, log *logger.Logger, o authOptions) (string, error) {
	secretName := cfg.SecretName
	if secretName == "" {
		secretName = config.DefaultSecretName
	}
	envVar := cfg.ConnectionEnvVar
	if envVar == "" {
		envVar = config.DefaultConnectionEnvVar
	}

	if cfg.KeyVaultURL != "" {
		value, err := o.fetchSecret(ctx, cfg.KeyVaultURL, secretName)
		if err == nil && value != "" {
			log.Debug("Connection string read from key vault", "secret", secretName)
			return value, nil
		}
		log.Warn("Secret not found in key vault, using env var instead which is NOT SECURE",
			"secret", secretName,
			"env_var", envVar,
			"error", err)
	} else {
		log.Warn("No key vault configured, using env var for the connection string which is NOT SECURE",
			"env_var", envVar)
	}

	value, ok := o.lookupEnv(envVar)
	if !ok || value == "" {
		return "", types.NewError(types.ErrCodeConfiguration,
			fmt.Sprintf("connection string not found in key vault nor in env var %s", envVar))
	}
	return value, nil
}

func newManagedIdentity(clientID string) (azcore.TokenCredential, error) {
	opts := &azidentity.ManagedIdentityCredentialOptions{}
	if clientID != "" {
		opts.ID = azidentity.ClientID(clientID)
	}
	return azidentity.NewManagedIdentityCredential(opts)
}

func fetchKeyVaultSecret(ctx context.Context, vaultURL, name string) (string, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", err
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", err
	}
	if resp.Value == nil {
		return "", types.NewError(types.ErrCodeNotFound, "secret "+name+" has no value")
	}
	return *resp.Value, nil
}
