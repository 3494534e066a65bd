package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for filebot.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Telegram TelegramConfig `yaml:"telegram"`
	Broker   BrokerConfig   `yaml:"broker"`
	Storage  StorageConfig  `yaml:"storage"`
	Codec    CodecConfig    `yaml:"codec"`
	Links    LinksConfig    `yaml:"links"`
	Mail     MailConfig     `yaml:"mail"`
	Web      WebConfig      `yaml:"web"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file,omitempty"`
}

type TelegramConfig struct {
	Token         string         `yaml:"token"`
	Mode          string         `yaml:"mode"` // polling | webhook
	WebhookURL    string         `yaml:"webhook_url,omitempty"`
	WebhookListen string         `yaml:"webhook_listen,omitempty"`
	AllowFrom     FlexStringList `yaml:"allow_from,omitempty"`
	PollTimeout   int            `yaml:"poll_timeout"` // seconds
	FetchTimeout  time.Duration  `yaml:"fetch_timeout"`
	MaxFileBytes  int64          `yaml:"max_file_bytes"`
	SendRate      float64        `yaml:"send_rate"` // answers per second, 0 disables throttling
}

// FlexStringList accepts a YAML sequence or a single comma-separated scalar,
// so "allow_from: ${FILEBOT_ALLOW_FROM:-}" works with one env var.
type FlexStringList []string

func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*f = ss
		return nil
	case yaml.ScalarNode:
		var out []string
		for _, part := range strings.Split(node.Value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*f = out
		return nil
	default:
		return fmt.Errorf("line %d: allow list must be a sequence or a comma-separated string", node.Line)
	}
}

type BrokerConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Workers        int           `yaml:"workers"`
}

type StorageConfig struct {
	SQLitePath     string `yaml:"sqlite_path"`
	ContentBackend string `yaml:"content_backend"` // sqlite | badger
	BadgerDir      string `yaml:"badger_dir,omitempty"`
	MongoURI       string `yaml:"mongo_uri,omitempty"`
	MongoDatabase  string `yaml:"mongo_database,omitempty"`
}

type CodecConfig struct {
	KeyID   int        `yaml:"key_id"`
	Secret  string     `yaml:"secret"`
	Retired []CodecKey `yaml:"retired,omitempty"`
}

// CodecKey is a rotated-out key that still decodes old links.
type CodecKey struct {
	ID     int    `yaml:"id"`
	Secret string `yaml:"secret"`
}

type LinksConfig struct {
	Host string `yaml:"host"`
}

type MailConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host,omitempty"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	From          string        `yaml:"from,omitempty"`
	TLS           string        `yaml:"tls"` // mandatory | opportunistic | none
	ActivationURI string        `yaml:"activation_uri,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
}

type WebConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	Burst         int    `yaml:"burst"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ActivationURI returns the configured activation template or the default
// one served by the built-in web server.
func (c *Config) ActivationURI() string {
	if c.Mail.ActivationURI != "" {
		return c.Mail.ActivationURI
	}
	return fmt.Sprintf("http://%s/user/activation?id={id}", c.Links.Host)
}

// DefaultConfigDir returns the default config directory (~/.filebot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".filebot"
	}
	return filepath.Join(home, ".filebot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// LoadEnvFiles loads the given .env files when present. Variables already in
// the environment win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		p = ExpandPath(p)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("cannot load env file %s: %w", p, err)
		}
	}
	return nil
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
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Storage.SQLitePath = ExpandPath(cfg.Storage.SQLitePath)
	cfg.Storage.BadgerDir = ExpandPath(cfg.Storage.BadgerDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := strings.Contains(match, ":-")
		defaultVal := ""
		if len(groups) >= 3 {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file carries the bot token and codec secret.
	return os.WriteFile(path, data, 0o600)
}

var validate = validator.New()

// Validate checks that the config has valid values and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.log_level must be one of: debug, info, warn, error")
	}

	switch cfg.Telegram.Mode {
	case "polling":
	case "webhook":
		if cfg.Telegram.WebhookURL == "" {
			errs = append(errs, "telegram.webhook_url is required in webhook mode")
		}
		if cfg.Telegram.WebhookListen == "" {
			errs = append(errs, "telegram.webhook_listen is required in webhook mode")
		}
	default:
		errs = append(errs, "telegram.mode must be one of: polling, webhook")
	}
	if cfg.Telegram.PollTimeout < 0 {
		errs = append(errs, "telegram.poll_timeout must be >= 0")
	}
	if cfg.Telegram.FetchTimeout <= 0 {
		errs = append(errs, "telegram.fetch_timeout must be > 0")
	}
	if cfg.Telegram.MaxFileBytes <= 0 {
		errs = append(errs, "telegram.max_file_bytes must be > 0")
	}
	if cfg.Telegram.SendRate < 0 {
		errs = append(errs, "telegram.send_rate must be >= 0")
	}

	if cfg.Broker.BufferSize < 1 {
		errs = append(errs, "broker.buffer_size must be >= 1")
	}
	if cfg.Broker.PublishTimeout <= 0 {
		errs = append(errs, "broker.publish_timeout must be > 0")
	}
	if cfg.Broker.Workers < 1 || cfg.Broker.Workers > 64 {
		errs = append(errs, "broker.workers must be between 1 and 64")
	}

	if cfg.Storage.SQLitePath == "" {
		errs = append(errs, "storage.sqlite_path is required")
	}
	switch cfg.Storage.ContentBackend {
	case "sqlite":
	case "badger":
		if cfg.Storage.BadgerDir == "" {
			errs = append(errs, "storage.badger_dir is required for the badger backend")
		}
	default:
		errs = append(errs, "storage.content_backend must be one of: sqlite, badger")
	}
	if cfg.Storage.MongoURI != "" && cfg.Storage.MongoDatabase == "" {
		errs = append(errs, "storage.mongo_database is required when mongo_uri is set")
	}

	seen := map[int]bool{}
	for _, k := range append([]CodecKey{{ID: cfg.Codec.KeyID, Secret: cfg.Codec.Secret}}, cfg.Codec.Retired...) {
		if k.ID < 0 || k.ID > 255 {
			errs = append(errs, fmt.Sprintf("codec key %d: id must be between 0 and 255", k.ID))
		}
		if seen[k.ID] {
			errs = append(errs, fmt.Sprintf("codec key %d: duplicate id", k.ID))
		}
		seen[k.ID] = true
		if k.Secret != "" && len(k.Secret) < 16 {
			errs = append(errs, fmt.Sprintf("codec key %d: secret must be at least 16 bytes", k.ID))
		}
	}

	if cfg.Links.Host == "" {
		errs = append(errs, "links.host is required")
	}

	if !strings.Contains(cfg.ActivationURI(), "{id}") {
		errs = append(errs, "mail.activation_uri must contain {id}")
	}
	if cfg.Mail.Enabled {
		if cfg.Mail.Host == "" {
			errs = append(errs, "mail.host is required when mail is enabled")
		}
		if err := validate.Var(cfg.Mail.From, "required,email"); err != nil {
			errs = append(errs, "mail.from must be a valid email address")
		}
	}
	if cfg.Mail.Port < 0 || cfg.Mail.Port > 65535 {
		errs = append(errs, "mail.port must be between 0 and 65535")
	}
	switch cfg.Mail.TLS {
	case "mandatory", "opportunistic", "none":
	default:
		errs = append(errs, "mail.tls must be one of: mandatory, opportunistic, none")
	}

	if cfg.Web.Enabled && cfg.Web.Listen == "" {
		errs = append(errs, "web.listen is required when web is enabled")
	}
	if cfg.Web.RatePerMinute < 1 {
		errs = append(errs, "web.rate_per_minute must be >= 1")
	}
	if cfg.Web.Burst < 1 {
		errs = append(errs, "web.burst must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireSecrets reports the credentials serve cannot start without.
func RequireSecrets(cfg *Config) error {
	var missing []string
	if unset(cfg.Telegram.Token) {
		missing = append(missing, "telegram.token")
	}
	if unset(cfg.Codec.Secret) {
		missing = append(missing, "codec.secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// unset reports an empty value or a ${VAR} reference left unexpanded.
func unset(v string) bool {
	return v == "" || envVarPattern.MatchString(v)
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
