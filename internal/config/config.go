package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"farmchat/internal/domain"
)

// hubPath is appended to api.baseURL when hub.url is not set.
const hubPath = "/hubs/chat"

// Config is the root configuration for farmchat.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	API     APIConfig     `json:"api" yaml:"api"`
	Hub     HubConfig     `json:"hub" yaml:"hub"`
	Journal JournalConfig `json:"journal" yaml:"journal"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// APIConfig points at the storefront REST API. Only its base URL is used,
// to derive the hub endpoint.
type APIConfig struct {
	BaseURL string `json:"baseURL" yaml:"baseURL"`
}

// HubConfig configures the real-time chat connection.
type HubConfig struct {
	URL   string `json:"url,omitempty" yaml:"url,omitempty"` // overrides api.baseURL + /hubs/chat
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// SenderRoleCodes maps numeric senderType codes to role names
	// ("0": "Customer"). There is no built-in table: confirm the codes
	// against the server before setting them.
	SenderRoleCodes map[string]string `json:"senderRoleCodes,omitempty" yaml:"senderRoleCodes,omitempty"`

	StopWaitMs              int     `json:"stopWaitMs" yaml:"stopWaitMs"`
	SendRatePerSecond       float64 `json:"sendRatePerSecond" yaml:"sendRatePerSecond"` // 0 = unlimited
	SendBurst               int     `json:"sendBurst" yaml:"sendBurst"`
	HandshakeTimeoutSeconds int     `json:"handshakeTimeoutSeconds" yaml:"handshakeTimeoutSeconds"`
}

// JournalConfig configures the local connection journal.
type JournalConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// HubEndpoint returns hub.url, or api.baseURL with the hub path appended.
func (c *Config) HubEndpoint() string {
	if c.Hub.URL != "" {
		return c.Hub.URL
	}
	if c.API.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.API.BaseURL, "/") + hubPath
}

// DefaultConfigDir returns the default config directory (~/.farmchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".farmchat"
	}
	return filepath.Join(home, ".farmchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. Unset
// variables without a default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		fallback, hasFallback := "", len(groups) >= 3 && groups[2] != ""
		if hasFallback {
			fallback = groups[2]
		}

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasFallback {
			return fallback
		}
		return match
	})
}

// Save writes cfg as JSON, or as YAML when path ends in .yaml or .yml.
// The file is created 0600 since it may hold the hub token.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if endpoint := cfg.HubEndpoint(); endpoint == "" {
		errs = append(errs, "hub.url or api.baseURL must be set")
	} else if err := checkEndpoint(endpoint); err != nil {
		errs = append(errs, err.Error())
	}

	for code, role := range cfg.Hub.SenderRoleCodes {
		if _, err := strconv.Atoi(strings.TrimSpace(code)); err != nil {
			errs = append(errs, fmt.Sprintf("hub.senderRoleCodes: code %q is not an integer", code))
		}
		if domain.ParseSenderRole(role) == domain.SenderUnrecognized {
			errs = append(errs, fmt.Sprintf("hub.senderRoleCodes.%s: role must be Customer or Vendor, got %q", code, role))
		}
	}
	if cfg.Hub.StopWaitMs < 0 {
		errs = append(errs, "hub.stopWaitMs must be >= 0")
	}
	if cfg.Hub.SendRatePerSecond < 0 {
		errs = append(errs, "hub.sendRatePerSecond must be >= 0")
	}
	if cfg.Hub.SendRatePerSecond > 0 && cfg.Hub.SendBurst < 1 {
		errs = append(errs, "hub.sendBurst must be >= 1 when sendRatePerSecond is set")
	}
	if cfg.Hub.HandshakeTimeoutSeconds < 1 || cfg.Hub.HandshakeTimeoutSeconds > 300 {
		errs = append(errs, "hub.handshakeTimeoutSeconds must be between 1 and 300")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.DBPath == "" {
			errs = append(errs, "journal.dbPath is required when the journal is enabled")
		}
		if cfg.Journal.RetentionDays < 1 {
			errs = append(errs, "journal.retentionDays must be >= 1")
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			errs = append(errs, "metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("hub endpoint %q: %v", endpoint, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("hub endpoint %q: scheme must be http, https, ws or wss", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("hub endpoint %q: missing host", endpoint)
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
