package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"

	"model-fallback/internal/modelref"
)

// EnvConfigPath names an explicit configuration file.
const EnvConfigPath = "MODEL_FALLBACK_CONFIG"

const (
	// MinRestoreInterval is the shortest sweep interval accepted.
	MinRestoreInterval = time.Hour

	configBaseName = "model-fallback"
)

// Config represents the entire configuration structure
type Config struct {
	Enabled       bool            `json:"enabled"`
	PrimaryModel  string          `json:"primaryModel"`
	FallbackModel string          `json:"fallbackModel"`
	Licensing     LicensingConfig `json:"licensing"`
	Restore       RestoreConfig   `json:"restore"`
	Trigger       TriggerConfig   `json:"trigger"`
	Notify        NotifyConfig    `json:"notify"`
	OpenCode      OpenCodeConfig  `json:"opencode"`
	Storage       StorageConfig   `json:"storage"`
	Logging       LoggingConfig   `json:"logging"`
	Telegram      TelegramConfig  `json:"telegram"`

	// Path is the file the configuration was read from, empty when only
	// built-in defaults apply.
	Path string `json:"-"`
}

// LicensingConfig lists the providers that must be connected before a
// fallback is allowed.
type LicensingConfig struct {
	RequiredProviders []string `json:"requiredProviders"`
}

// RestoreConfig controls the periodic restore sweep
type RestoreConfig struct {
	Enabled       bool    `json:"enabled"`
	IntervalHours float64 `json:"intervalHours"`
}

// TriggerConfig holds the rules that classify an error as credit exhaustion
type TriggerConfig struct {
	OnStatus    []int    `json:"onStatus"`
	OnErrorCode []string `json:"onErrorCode"`
	OnMessage   []string `json:"onMessage"`
}

// NotifyConfig contains toast and confirmation toggles
type NotifyConfig struct {
	ToastOnFallback       bool   `json:"toastOnFallback"`
	ToastOnRestore        bool   `json:"toastOnRestore"`
	ConfirmBeforeFallback bool   `json:"confirmBeforeFallback"`
	ConfirmVia            string `json:"confirmVia"` // "", "telegram" or "terminal"
}

// OpenCodeConfig contains OpenCode API settings
type OpenCodeConfig struct {
	URL         string `json:"url"`
	Timeout     int    `json:"timeout"`
	ForwardLogs bool   `json:"forwardLogs"`
}

// StorageConfig contains state storage settings
type StorageConfig struct {
	Type string `json:"type"` // "file" or "sqlite"
	Path string `json:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"`
}

// TelegramConfig contains the optional Telegram notifier settings
type TelegramConfig struct {
	Enabled        bool   `json:"enabled"`
	Token          string `json:"token"`
	ChatID         int64  `json:"chatId"`
	PollingTimeout int    `json:"pollingTimeout"`
	ConfirmTimeout int    `json:"confirmTimeout"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Enabled: true,
		Licensing: LicensingConfig{
			RequiredProviders: []string{},
		},
		Restore: RestoreConfig{
			Enabled:       true,
			IntervalHours: 24,
		},
		Trigger: TriggerConfig{
			OnStatus: []int{402, 429},
			OnErrorCode: []string{
				"insufficient_quota",
				"credits_exhausted",
				"billing_hard_limit_reached",
				"payment_required",
			},
			OnMessage: []string{
				"insufficient credits",
				"out of credits",
				"credit balance is too low",
				"exceeded your current quota",
				"quota exceeded",
			},
		},
		Notify: NotifyConfig{
			ToastOnFallback: true,
			ToastOnRestore:  true,
		},
		OpenCode: OpenCodeConfig{
			URL:     "http://127.0.0.1:4096",
			Timeout: 30,
		},
		Storage: StorageConfig{
			Type: "file",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Telegram: TelegramConfig{
			PollingTimeout: 10,
			ConfirmTimeout: 120,
		},
	}
}

// Load reads and parses the configuration file. An empty configPath walks
// the search path; when nothing is found the defaults are returned.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv(EnvConfigPath)
	}
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if configPath == "" {
		log.Info("No configuration file found, using built-in defaults")
		cfg := Defaults()
		applyEnvOverrides(cfg)
		setDefaults(cfg)
		return cfg, nil
	}

	log.Infof("Loading configuration from: %s", configPath)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data, formatFor(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}
	cfg.Path = configPath

	applyEnvOverrides(cfg)
	setDefaults(cfg)
	return cfg, nil
}

// Parse decodes a JSON or TOML document and merges it over Defaults.
func Parse(data []byte, format string) (*Config, error) {
	raw := make(map[string]interface{})
	switch format {
	case "toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	sanitize(raw)

	merged, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := json.Unmarshal(merged, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Nested sections and list-valued keys. A section that is not an object, or
// a list that is not an array, is dropped so the default survives.
var (
	sectionKeys = []string{"licensing", "restore", "trigger", "notify", "opencode", "storage", "logging", "telegram"}
	listKeys    = map[string][]string{
		"licensing": {"requiredProviders"},
		"trigger":   {"onStatus", "onErrorCode", "onMessage"},
	}
)

func sanitize(raw map[string]interface{}) {
	for _, key := range sectionKeys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		section, ok := value.(map[string]interface{})
		if !ok {
			log.Warnf("Ignoring configuration key %q: expected an object", key)
			delete(raw, key)
			continue
		}
		for _, list := range listKeys[key] {
			item, ok := section[list]
			if !ok {
				continue
			}
			if _, isArray := item.([]interface{}); !isArray {
				log.Warnf("Ignoring configuration key %q: expected an array", key+"."+list)
				delete(section, list)
			}
		}
	}
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "json"
}

// searchPaths lists candidate files: project scope first, then global.
func searchPaths() []string {
	var dirs []string
	dirs = append(dirs, ".opencode")

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "opencode"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "opencode"))
	}

	var paths []string
	for _, dir := range dirs {
		paths = append(paths,
			filepath.Join(dir, configBaseName+".json"),
			filepath.Join(dir, configBaseName+".toml"),
		)
	}
	return paths
}

// getDefaultConfigPath returns the first existing file on the search path
func getDefaultConfigPath() string {
	for _, path := range searchPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("OPENCODE_SERVER_URL"); url != "" {
		cfg.OpenCode.URL = url
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
}

// setDefaults normalizes values the merge cannot express
func setDefaults(cfg *Config) {
	cfg.PrimaryModel = strings.TrimSpace(cfg.PrimaryModel)
	cfg.FallbackModel = strings.TrimSpace(cfg.FallbackModel)

	if cfg.Restore.IntervalHours < MinRestoreInterval.Hours() {
		cfg.Restore.IntervalHours = MinRestoreInterval.Hours()
	}
	if cfg.OpenCode.Timeout <= 0 {
		cfg.OpenCode.Timeout = 30
	}
	cfg.OpenCode.URL = strings.TrimRight(cfg.OpenCode.URL, "/")
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "file"
	}
	if cfg.Storage.Path == "" {
		name := "fallback-state.json"
		if cfg.Storage.Type == "sqlite" {
			name = "fallback-state.db"
		}
		dir := "."
		if cfg.Path != "" {
			dir = filepath.Dir(cfg.Path)
		}
		cfg.Storage.Path = filepath.Join(dir, name)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Telegram.PollingTimeout <= 0 {
		cfg.Telegram.PollingTimeout = 10
	}
	if cfg.Telegram.ConfirmTimeout <= 0 {
		cfg.Telegram.ConfirmTimeout = 120
	}
	cfg.Notify.ConfirmVia = strings.ToLower(strings.TrimSpace(cfg.Notify.ConfirmVia))
}

// RestoreInterval returns the sweep interval, never below MinRestoreInterval.
func (c *Config) RestoreInterval() time.Duration {
	interval := time.Duration(c.Restore.IntervalHours * float64(time.Hour))
	if interval < MinRestoreInterval {
		return MinRestoreInterval
	}
	return interval
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OpenCode.URL == "" {
		return &ConfigError{Field: "opencode.url", Message: "OpenCode URL is required"}
	}
	switch c.Storage.Type {
	case "file", "sqlite":
	default:
		return &ConfigError{Field: "storage.type", Message: fmt.Sprintf("unsupported storage type %q", c.Storage.Type)}
	}
	switch c.Notify.ConfirmVia {
	case "", "telegram", "terminal":
	default:
		return &ConfigError{Field: "notify.confirmVia", Message: fmt.Sprintf("unsupported confirmation channel %q", c.Notify.ConfirmVia)}
	}
	if c.Notify.ConfirmVia == "telegram" && !c.Telegram.Enabled {
		return &ConfigError{Field: "notify.confirmVia", Message: "telegram confirmation requires telegram.enabled"}
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			return &ConfigError{Field: "telegram.token", Message: "telegram token is required when telegram is enabled"}
		}
		if c.Telegram.ChatID == 0 {
			return &ConfigError{Field: "telegram.chatId", Message: "telegram chat id is required when telegram is enabled"}
		}
	}
	return nil
}

// Warnings reports problems that do not prevent startup but will make
// fallbacks or restores abort at runtime.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.FallbackModel == "" {
		warnings = append(warnings, "fallbackModel is not set; no fallback will be performed")
	} else if _, err := modelref.Parse(c.FallbackModel); err != nil {
		warnings = append(warnings, fmt.Sprintf("fallbackModel: %v", err))
	}
	if c.PrimaryModel != "" {
		if _, err := modelref.Parse(c.PrimaryModel); err != nil {
			warnings = append(warnings, fmt.Sprintf("primaryModel: %v", err))
		}
	}
	return warnings
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
