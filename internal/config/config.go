package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

// Config holds daemon configuration paths, listener settings and the
// expiration tables driving task timeouts.
type Config struct {
	ConfigPath    string
	DataDir       string
	LogDir        string
	DBPath        string
	APIListen     string
	MetricsListen string

	MQTTBrokerURL       string
	MQTTClientID        string
	MQTTCredentialsPath string
	MQTTAgeKeyPath      string

	// SessionExpirations maps a session state to the window a task pending
	// in that state may wait before expiring. Every state a wait can be
	// created in needs a window; task creation fails for states absent
	// from the map.
	SessionExpirations map[models.SessionState]time.Duration

	// TerminalExpiration is the fixed window for hardware confirmations
	// (terminal mode changes, locker unlocks).
	TerminalExpiration time.Duration

	// CompletionGrace is the tolerance added to a task deadline when a
	// completion races its expiration.
	CompletionGrace time.Duration

	LockerTypes []string
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir       string `yaml:"data_dir"`
	LogDir        string `yaml:"log_dir"`
	DBPath        string `yaml:"db_path"`
	APIListen     string `yaml:"api_listen"`
	MetricsListen string `yaml:"metrics_listen"`

	MQTTBrokerURL       string `yaml:"mqtt_broker_url"`
	MQTTClientID        string `yaml:"mqtt_client_id"`
	MQTTCredentialsPath string `yaml:"mqtt_credentials_path"`
	MQTTAgeKeyPath      string `yaml:"mqtt_age_key_path"`

	SessionExpirationSeconds  map[string]int `yaml:"session_expiration_seconds"`
	TerminalExpirationSeconds int            `yaml:"terminal_expiration_seconds"`
	CompletionGraceSeconds    int            `yaml:"completion_grace_seconds"`

	LockerTypes []string `yaml:"locker_types"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/lockerfleet"
	return Config{
		ConfigPath:          "/etc/lockerfleet/config.yaml",
		DataDir:             dataDir,
		LogDir:              "/var/log/lockerfleet",
		DBPath:              filepath.Join(dataDir, "lockerfleet.db"),
		APIListen:           "127.0.0.1:8870",
		MetricsListen:       "",
		MQTTBrokerURL:       "tcp://127.0.0.1:1883",
		MQTTClientID:        "lockerfleetd",
		MQTTCredentialsPath: "",
		MQTTAgeKeyPath:      "/etc/lockerfleet/keys/age.key",
		SessionExpirations: map[models.SessionState]time.Duration{
			models.SessionCreated:             5 * time.Minute,
			models.SessionPaymentSelected:     5 * time.Minute,
			models.SessionVerificationPending: 1 * time.Minute,
			models.SessionStashing:            2 * time.Minute,
			models.SessionActive:              24 * time.Hour,
			models.SessionHold:                5 * time.Minute,
			models.SessionPaymentPending:      1 * time.Minute,
			models.SessionRetrieval:           2 * time.Minute,
		},
		TerminalExpiration: 10 * time.Second,
		CompletionGrace:    time.Second,
		LockerTypes:        []string{"small", "medium", "large"},
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "lockerfleet.db")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.LogDir != "" {
		cfg.LogDir = fileCfg.LogDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.APIListen != "" {
		cfg.APIListen = fileCfg.APIListen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = fileCfg.MQTTBrokerURL
	}
	if fileCfg.MQTTClientID != "" {
		cfg.MQTTClientID = fileCfg.MQTTClientID
	}
	if fileCfg.MQTTCredentialsPath != "" {
		cfg.MQTTCredentialsPath = fileCfg.MQTTCredentialsPath
	}
	if fileCfg.MQTTAgeKeyPath != "" {
		cfg.MQTTAgeKeyPath = fileCfg.MQTTAgeKeyPath
	}
	for name, seconds := range fileCfg.SessionExpirationSeconds {
		state := models.SessionState(strings.ToUpper(strings.TrimSpace(name)))
		if seconds <= 0 {
			delete(cfg.SessionExpirations, state)
			continue
		}
		cfg.SessionExpirations[state] = time.Duration(seconds) * time.Second
	}
	if fileCfg.TerminalExpirationSeconds > 0 {
		cfg.TerminalExpiration = time.Duration(fileCfg.TerminalExpirationSeconds) * time.Second
	}
	if fileCfg.CompletionGraceSeconds > 0 {
		cfg.CompletionGrace = time.Duration(fileCfg.CompletionGraceSeconds) * time.Second
	}
	if len(fileCfg.LockerTypes) > 0 {
		cfg.LockerTypes = fileCfg.LockerTypes
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.APIListen == "" {
		return fmt.Errorf("api_listen is required")
	}
	if _, _, err := net.SplitHostPort(c.APIListen); err != nil {
		return fmt.Errorf("api_listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if c.MQTTBrokerURL == "" {
		return fmt.Errorf("mqtt_broker_url is required")
	}
	if c.MQTTClientID == "" {
		return fmt.Errorf("mqtt_client_id is required")
	}
	if c.MQTTCredentialsPath != "" && c.MQTTAgeKeyPath == "" {
		return fmt.Errorf("mqtt_age_key_path is required when mqtt_credentials_path is set")
	}
	for state, window := range c.SessionExpirations {
		if !state.IsActive() {
			return fmt.Errorf("session_expiration_seconds: %q is not an expirable session state", state)
		}
		if window <= 0 {
			return fmt.Errorf("session_expiration_seconds: %q must be positive", state)
		}
	}
	if c.TerminalExpiration <= 0 {
		return fmt.Errorf("terminal_expiration_seconds must be positive")
	}
	if c.CompletionGrace < 0 {
		return fmt.Errorf("completion_grace_seconds must not be negative")
	}
	if len(c.LockerTypes) == 0 {
		return fmt.Errorf("locker_types must list at least one type")
	}
	seen := make(map[string]bool, len(c.LockerTypes))
	for _, lt := range c.LockerTypes {
		name := strings.TrimSpace(lt)
		if name == "" {
			return fmt.Errorf("locker_types must not contain empty names")
		}
		if seen[name] {
			return fmt.Errorf("locker_types: duplicate type %q", name)
		}
		seen[name] = true
	}
	return nil
}

// ExpirationWindow returns the task timeout window for a session pending in
// the given state, and whether the state expires at all.
func (c Config) ExpirationWindow(state models.SessionState) (time.Duration, bool) {
	window, ok := c.SessionExpirations[state]
	return window, ok
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
