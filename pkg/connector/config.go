// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/telegram-mentionbot/pkg/registry"
)

//go:embed example-config.yaml
var ExampleConfig string

// Database backends.
const (
	DatabaseSQLite   = registry.DriverSQLite
	DatabasePostgres = registry.DriverPostgres
	DatabaseFile     = "file"
	DatabaseMemory   = "memory"
)

// Config holds the bot configuration. Durations are whole seconds.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Database   DatabaseConfig   `yaml:"database"`
	Supervisor SupervisorTiming `yaml:"supervisor"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// ListenAddr is the address of the health and admin HTTP API. Empty
	// disables it.
	ListenAddr string `yaml:"listen_addr"`
	// BackupDir is where /backup writes database copies.
	BackupDir string `yaml:"backup_dir"`
	// DisplaynameTemplate renders the label of deep-link mentions for users
	// without a public handle.
	DisplaynameTemplate string `yaml:"displayname_template"`

	Logging zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// APIEndpoint is a format string taking the token and the method name.
	APIEndpoint    string `yaml:"api_endpoint"`
	RequestTimeout int    `yaml:"request_timeout"`
	// ConnectivityDialAddress is dialed before every startup to tell a dead
	// network apart from a dead API.
	ConnectivityDialAddress string `yaml:"connectivity_dial_address"`
	ConnectivityTimeout     int    `yaml:"connectivity_timeout"`
}

type DatabaseConfig struct {
	// Type is one of sqlite, postgres, file or memory.
	Type string `yaml:"type"`
	// URI is the sqlite file, the postgres DSN or the YAML file path.
	URI string `yaml:"uri"`
}

// SupervisorTiming is the YAML form of SupervisorConfig.
type SupervisorTiming struct {
	MaxRestartAttempts     int `yaml:"max_restart_attempts"`
	RestartDelay           int `yaml:"restart_delay"`
	ConflictBaseDelay      int `yaml:"conflict_base_delay"`
	ConflictMaxDelay       int `yaml:"conflict_max_delay"`
	SettleDelay            int `yaml:"settle_delay"`
	ConnectivityRetryDelay int `yaml:"connectivity_retry_delay"`
	StartupDelay           int `yaml:"startup_delay"`
	PollTimeout            int `yaml:"poll_timeout"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// SupervisorConfig converts the timings.
func (t SupervisorTiming) SupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestartAttempts:     t.MaxRestartAttempts,
		RestartDelay:           seconds(t.RestartDelay),
		ConflictBaseDelay:      seconds(t.ConflictBaseDelay),
		ConflictMaxDelay:       seconds(t.ConflictMaxDelay),
		SettleDelay:            seconds(t.SettleDelay),
		ConnectivityRetryDelay: seconds(t.ConnectivityRetryDelay),
		StartupDelay:           seconds(t.StartupDelay),
		PollTimeout:            seconds(t.PollTimeout),
	}
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "telegram", "token")
	helper.Copy(up.Str, "telegram", "api_endpoint")
	helper.Copy(up.Int, "telegram", "request_timeout")
	helper.Copy(up.Str, "telegram", "connectivity_dial_address")
	helper.Copy(up.Int, "telegram", "connectivity_timeout")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "supervisor", "max_restart_attempts")
	helper.Copy(up.Int, "supervisor", "restart_delay")
	helper.Copy(up.Int, "supervisor", "conflict_base_delay")
	helper.Copy(up.Int, "supervisor", "conflict_max_delay")
	helper.Copy(up.Int, "supervisor", "settle_delay")
	helper.Copy(up.Int, "supervisor", "connectivity_retry_delay")
	helper.Copy(up.Int, "supervisor", "startup_delay")
	helper.Copy(up.Int, "supervisor", "poll_timeout")
	helper.Copy(up.Int, "dispatcher", "workers")
	helper.Copy(up.Int, "dispatcher", "queue_size")
	helper.Copy(up.Str, "listen_addr")
	helper.Copy(up.Str, "backup_dir")
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Map, "logging")
}

// ParseConfig copies the known keys of data onto the embedded example
// config and decodes the result. Unknown keys are dropped. It does not call
// PostProcess.
func ParseConfig(data []byte) (*Config, error) {
	var base, user yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(user.Content) > 0 {
		upgradeConfig(up.NewHelper(&base, &user))
	}
	var cfg Config
	if err := base.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the file at path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ApplyEnv overrides settings from the environment: BOT_TOKEN,
// BOT_API_ENDPOINT, DATABASE_URL and PORT.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := getenv("BOT_API_ENDPOINT"); v != "" {
		c.Telegram.APIEndpoint = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.Type = DatabasePostgres
		c.Database.URI = v
	}
	if v := getenv("PORT"); v != "" {
		c.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
}

// PostProcess applies the environment and validates the result.
func (c *Config) PostProcess() error {
	c.ApplyEnv(os.Getenv)
	return c.Validate()
}

// Validate checks the settings and compiles the displayname template.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("bot token is not set (telegram.token or BOT_TOKEN)")
	}
	switch c.Database.Type {
	case DatabaseSQLite, DatabasePostgres, DatabaseFile:
		if c.Database.URI == "" {
			return fmt.Errorf("database.uri is required for %s", c.Database.Type)
		}
	case DatabaseMemory:
	default:
		return fmt.Errorf("unknown database type %q", c.Database.Type)
	}
	if c.Supervisor.MaxRestartAttempts <= 0 {
		return fmt.Errorf("supervisor.max_restart_attempts must be positive")
	}
	if c.Supervisor.PollTimeout <= 0 {
		return fmt.Errorf("supervisor.poll_timeout must be positive")
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname template: %w", err)
	}
	return nil
}

// FormatDisplayname generates a display name from the template and params.
// It falls back to the full name when the template is unset or fails.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	fallback := strings.TrimSpace(params.FirstName + " " + params.LastName)
	if c.displaynameTemplate == nil {
		return fallback
	}
	var sb strings.Builder
	if err := c.displaynameTemplate.Execute(&sb, params); err != nil {
		return fallback
	}
	return strings.TrimSpace(sb.String())
}

// MemberDisplayname renders a member through FormatDisplayname.
func (c *Config) MemberDisplayname(m Member) string {
	return c.FormatDisplayname(DisplaynameParams{
		ID:        m.UserID,
		Username:  m.Username,
		FirstName: m.FirstName,
		LastName:  m.LastName,
	})
}
