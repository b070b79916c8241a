// Copyright 2024-2026 Aiku AI

package pinbot

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the bot configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Pinbot     PinbotConfig      `yaml:"pinbot"`
	Database   DatabaseConfig    `yaml:"database"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// HomeserverConfig holds the bot's Matrix credentials.
type HomeserverConfig struct {
	URL         string      `yaml:"url"`
	UserID      id.UserID   `yaml:"user_id"`
	AccessToken string      `yaml:"access_token"`
	DeviceID    id.DeviceID `yaml:"device_id"`
}

// PinbotConfig holds the pin pipeline settings.
type PinbotConfig struct {
	// ArchiveRoom is a room ID or, discouraged, an alias that is resolved
	// once at startup.
	ArchiveRoom       string        `yaml:"archive_room"`
	IgnoreInitialSync bool          `yaml:"ignore_initial_sync"`
	Workers           int           `yaml:"workers"`
	CacheSize         int           `yaml:"cache_size"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	FetchAttempts     uint          `yaml:"fetch_attempts"`
	SendAttempts      uint          `yaml:"send_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
}

// DatabaseConfig points at the pin store.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// MetricsConfig controls the admin HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// UnmarshalYAML fills in defaults for keys missing from the file.
func (c *PinbotConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig PinbotConfig
	retry := DefaultRetryConfig()
	raw := rawConfig{
		IgnoreInitialSync: true,
		Workers:           DefaultWorkers,
		CacheSize:         DefaultCacheSize,
		RequestTimeout:    retry.Timeout,
		FetchAttempts:     retry.Attempts,
		SendAttempts:      retry.Attempts,
		RetryInitialDelay: retry.InitialDelay,
		RetryMaxDelay:     retry.MaxDelay,
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = PinbotConfig(raw)
	return nil
}

// FetchRetry returns the retry settings for fetching source messages.
func (c *PinbotConfig) FetchRetry() RetryConfig {
	return RetryConfig{
		Attempts:     c.FetchAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Timeout:      c.RequestTimeout,
	}.withDefaults()
}

// SendRetry returns the retry settings for sending archive messages.
func (c *PinbotConfig) SendRetry() RetryConfig {
	return RetryConfig{
		Attempts:     c.SendAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Timeout:      c.RequestTimeout,
	}.withDefaults()
}

// envOverrides maps environment variables to the config fields they set.
var envOverrides = []struct {
	name  string
	apply func(c *Config, val string)
}{
	{"PINBOT_HOMESERVER_URL", func(c *Config, v string) { c.Homeserver.URL = v }},
	{"PINBOT_USER_ID", func(c *Config, v string) { c.Homeserver.UserID = id.UserID(v) }},
	{"PINBOT_ACCESS_TOKEN", func(c *Config, v string) { c.Homeserver.AccessToken = v }},
	{"PINBOT_DEVICE_ID", func(c *Config, v string) { c.Homeserver.DeviceID = id.DeviceID(v) }},
	{"PINBOT_ARCHIVE_ROOM", func(c *Config, v string) { c.Pinbot.ArchiveRoom = v }},
	{"PINBOT_DATABASE_TYPE", func(c *Config, v string) { c.Database.Type = v }},
	{"PINBOT_DATABASE_URI", func(c *Config, v string) { c.Database.URI = v }},
}

// ApplyEnv overrides config values with PINBOT_* environment variables.
func (c *Config) ApplyEnv() {
	for _, o := range envOverrides {
		if val := os.Getenv(o.name); val != "" {
			o.apply(c, val)
		}
	}
}

// PostProcess validates the config and fills in derived defaults.
func (c *Config) PostProcess() error {
	var errs []error
	if c.Homeserver.URL == "" {
		errs = append(errs, errors.New("homeserver.url is required"))
	}
	if _, _, err := c.Homeserver.UserID.Parse(); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.user_id is invalid: %w", err))
	}
	if c.Homeserver.AccessToken == "" {
		errs = append(errs, errors.New("homeserver.access_token is required"))
	}
	switch {
	case c.Pinbot.ArchiveRoom == "":
		errs = append(errs, errors.New("pinbot.archive_room is required"))
	case !strings.HasPrefix(c.Pinbot.ArchiveRoom, "!") && !strings.HasPrefix(c.Pinbot.ArchiveRoom, "#"):
		errs = append(errs, fmt.Errorf("pinbot.archive_room %q must be a room ID (!) or alias (#)", c.Pinbot.ArchiveRoom))
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite3"
	}
	if c.Database.URI == "" {
		errs = append(errs, errors.New("database.uri is required"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "url")
	helper.Copy(up.Str, "homeserver", "user_id")
	helper.Copy(up.Str, "homeserver", "access_token")
	helper.Copy(up.Str, "homeserver", "device_id")

	helper.Copy(up.Str, "pinbot", "archive_room")
	helper.Copy(up.Bool, "pinbot", "ignore_initial_sync")
	helper.Copy(up.Int, "pinbot", "workers")
	helper.Copy(up.Int, "pinbot", "cache_size")
	helper.Copy(up.Str, "pinbot", "request_timeout")
	helper.Copy(up.Int, "pinbot", "fetch_attempts")
	helper.Copy(up.Int, "pinbot", "send_attempts")
	helper.Copy(up.Str, "pinbot", "retry_initial_delay")
	helper.Copy(up.Str, "pinbot", "retry_max_delay")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.Bool, "metrics", "enabled")
	helper.Copy(up.Str, "metrics", "listen")

	helper.Copy(up.Map, "logging")
}

// Upgrader carries the values of an existing config over to the current
// example config, so keys added in newer versions show up with defaults.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"pinbot"},
		{"database"},
		{"metrics"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// UpgradeConfig upgrades the config file at path and returns the result.
// If save is set and anything changed, the file is rewritten.
func UpgradeConfig(path string, save bool) ([]byte, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return data, nil
}

// ParseConfig decodes a YAML config, applies environment overrides and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig upgrades and parses the config file at path. With save set,
// the upgraded config is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, err := UpgradeConfig(path, save)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}
