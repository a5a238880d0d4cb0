package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their values.
// Supports ${VAR_NAME} and ${VAR_NAME:-default_value} syntax.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) >= 4 && parts[3] != "" {
			defaultValue = parts[3]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// validateFilePath checks if the file path is valid and has the correct extension
func validateFilePath(path string) error {
	if path == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}
	return nil
}

// validateYAMLContent rejects empty documents and reports syntax errors with the file name
func validateYAMLContent(data []byte, path string) error {
	if strings.TrimSpace(string(data)) == "" {
		return types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}
	if node.Kind == 0 && len(node.Content) == 0 {
		return types.NewError(types.ErrCodeInvalid, "configuration file contains no valid YAML content: "+path)
	}
	return nil
}

// formatYAMLError formats a YAML error with file context
func formatYAMLError(err error, path string) error {
	if yamlErr, ok := err.(*yaml.TypeError); ok {
		return types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, yamlErr)
	}
	return types.WrapError(types.ErrCodeInvalid, "failed to parse YAML configuration from "+path, err)
}

// LoadFromFile loads configuration from a YAML file. Missing fields take
// their defaults. The result is not validated: CLI overrides may still
// complete it.
func LoadFromFile(path string) (*Config, error) {
	if err := validateFilePath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	if err := validateYAMLContent(data, path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, formatYAMLError(err, path)
	}

	interpolateEnvVarsInConfig(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// interpolateEnvVarsInConfig expands placeholders in every string setting
func interpolateEnvVarsInConfig(cfg *Config) {
	fields := []*string{
		&cfg.Bus.Backend,
		&cfg.Bus.AuthMethod,
		&cfg.Bus.Host,
		&cfg.Bus.ClientID,
		&cfg.Bus.Topic,
		&cfg.Bus.Subscription,
		&cfg.Bus.KeyVaultURL,
		&cfg.Bus.SecretName,
		&cfg.Bus.ConnectionEnvVar,
		&cfg.Setup.LocalAddress,
		&cfg.Logging.Level,
		&cfg.Logging.Format,
		&cfg.Logging.Output,
	}
	for i := range cfg.Comm.AllowedTags {
		fields = append(fields, &cfg.Comm.AllowedTags[i])
	}
	for _, f := range fields {
		*f = interpolateEnvVars(*f)
	}
}
