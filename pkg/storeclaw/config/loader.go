package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - 1: variable name of the braced form
//   - 2: modifier ("-" or "?")
//   - 3: default value or error message
//   - 4: variable name of the bare form
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Provider key variables.
const (
	AnthropicKeyEnv = "ANTHROPIC_API_KEY"
	OpenAIKeyEnv    = "OPENAI_API_KEY"
	GatewayTokenEnv = "STORECLAW_GATEWAY_TOKEN"
	DatabaseDSNEnv  = "STORECLAW_DATABASE_DSN"
)

// LoadConfigFromFile reads a YAML file, loading .env files and expanding
// environment variables first. STORECLAW_* variables override the file.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses YAML over DefaultConfig and applies environment
// overrides. It does not validate.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	resolveSecrets(cfg)
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML. Secrets are replaced with
// environment references and the previous file is kept as .bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Responder.Providers = make([]ProviderConfig, len(cfg.Responder.Providers))
	for i, p := range cfg.Responder.Providers {
		p.APIKey = sanitizeSecret(p.APIKey, ProviderKeyEnv(p.Name))
		sanitized.Responder.Providers[i] = p
	}
	sanitized.Gateway.AuthToken = sanitizeSecret(cfg.Gateway.AuthToken, GatewayTokenEnv)
	sanitized.Database.DSN = sanitizeSecret(cfg.Database.DSN, DatabaseDSNEnv)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// SaveSecrets merges values into the .env file at path, creating it with
// owner-only permissions.
func SaveSecrets(path string, values map[string]string) error {
	merged := map[string]string{}
	if existing, err := godotenv.Read(path); err == nil {
		merged = existing
	}
	for k, v := range values {
		if v != "" {
			merged[k] = v
		}
	}
	if err := godotenv.Write(merged, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// FindConfigFile searches the standard locations and returns "" when no
// file exists.
func FindConfigFile() string {
	candidates := []string{
		"storeclaw.yaml",
		"storeclaw.yml",
		"config.yaml",
		"config.yml",
		"configs/storeclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ProviderKeyEnv returns the conventional API key variable of a provider.
func ProviderKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return AnthropicKeyEnv
	case "openai":
		return OpenAIKeyEnv
	}
	return "STORECLAW_" + strings.ToUpper(provider) + "_API_KEY"
}

// IsEnvReference reports whether s is a ${VAR} or $VAR reference.
func IsEnvReference(s string) bool {
	return envVarPattern.MatchString(s) && envVarPattern.FindString(s) == s
}

// ---------- Internal ----------

// loadEnvFiles loads .env files next to the config and in the working
// directory. Existing variables are not overwritten.
func loadEnvFiles(configDir string) {
	files := []string{".env", ".env.local"}
	if configDir != "" && configDir != "." {
		files = append(files, filepath.Join(configDir, ".env"))
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references. An unset ${VAR:?msg}
// becomes an "ERROR:VAR:msg" marker; other unset references are kept.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars that fails on the first
// unset ${VAR:?msg}.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx == -1 {
		return result, nil
	}

	rest := result[idx+len("ERROR:"):]
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	msg := rest[colon+1:]
	if nl := strings.IndexByte(msg, '\n'); nl != -1 {
		msg = msg[:nl]
	}
	return "", fmt.Errorf("config error: %s - %s", rest[:colon], strings.TrimSpace(msg))
}

// resolveSecrets fills empty provider keys from their conventional variables.
func resolveSecrets(cfg *Config) {
	for i := range cfg.Responder.Providers {
		p := &cfg.Responder.Providers[i]
		if p.APIKey == "" || IsEnvReference(p.APIKey) {
			if key := os.Getenv(ProviderKeyEnv(p.Name)); key != "" {
				p.APIKey = key
			}
		}
	}
}

// resolveRelativePaths makes data paths relative to the config file.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, dir)
	cfg.Credentials.VaultPath = resolvePathFromConfig(cfg.Credentials.VaultPath, dir)
	cfg.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.WhatsApp.DatabasePath, dir)
}

// resolvePathFromConfig expands ~ and resolves relative paths against configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a literal secret with a reference to envVar.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	return "${" + envVar + "}"
}

// checkFilePermissions warns when the config is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		slog.Warn("config file is accessible by other users, consider chmod 600",
			"path", path, "mode", fmt.Sprintf("%04o", info.Mode().Perm()))
	}
}
