// Package config loads CarePipe configuration from a .env file, the
// environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePipe state data
	DefaultStateDir = "/var/lib/carepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carepipe.db"
	// EnvPrefix prefixes every environment variable
	EnvPrefix = "CAREPIPE"
)

// Config holds all application configuration.
type Config struct {
	Debug    bool           `mapstructure:"debug"`
	StateDir string         `mapstructure:"state_dir"`
	Store    StoreConfig    `mapstructure:"store"`
	GenAI    GenAIConfig    `mapstructure:"genai"`
	Parser   ParserConfig   `mapstructure:"parser"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	API      APIConfig      `mapstructure:"api"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	DSN       string        `mapstructure:"dsn"`        // sqlite path, postgres DSN, redis:// URL or "memory"
	LockerURL string        `mapstructure:"locker_url"` // redis:// URL for cross-process session locks
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// GenAIConfig configures the text generation backend.
type GenAIConfig struct {
	Provider    string        `mapstructure:"provider"` // openai, gemini, mock
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

// ParserConfig configures the optional enhancement pass.
type ParserConfig struct {
	Enhance       bool          `mapstructure:"enhance"`
	AlwaysEnhance bool          `mapstructure:"always_enhance"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CacheSize     int           `mapstructure:"cache_size"`
}

// EngineConfig configures turn handling.
type EngineConfig struct {
	SafetyPolicy string        `mapstructure:"safety_policy"` // advisory or block
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	HistorySize  int           `mapstructure:"history_size"`
}

// CatalogConfig points at catalog files replacing the embedded defaults.
type CatalogConfig struct {
	StylesFile        string `mapstructure:"styles_file"`
	InterventionsFile string `mapstructure:"interventions_file"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Addr    string `mapstructure:"addr"`
	Metrics bool   `mapstructure:"metrics"`
}

// WhatsAppConfig configures the linked-device channel.
type WhatsAppConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	QRPath      string `mapstructure:"qr_path"`
	NumericCode bool   `mapstructure:"numeric_code"`
}

// TwilioConfig configures the Twilio WhatsApp channel.
type TwilioConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	AccountSID   string `mapstructure:"account_sid"`
	AuthToken    string `mapstructure:"auth_token"`
	From         string `mapstructure:"from"`
	WebhookURL   string `mapstructure:"webhook_url"` // public URL used to validate request signatures
	SkipValidate bool   `mapstructure:"skip_validate"`
}

// legacyEnv maps keys to the unprefixed variables deployments already use.
var legacyEnv = map[string][]string{
	"store.dsn":            {"DATABASE_URL"},
	"state_dir":            {"CAREPIPE_STATE_DIR"},
	"api.addr":             {"API_ADDR"},
	"genai.api_key":        {"OPENAI_API_KEY", "GEMINI_API_KEY"},
	"whatsapp.dsn":         {"WHATSAPP_DB_DSN"},
	"twilio.account_sid":   {"TWILIO_ACCOUNT_SID"},
	"twilio.auth_token":    {"TWILIO_AUTH_TOKEN"},
	"twilio.from":          {"TWILIO_FROM_NUMBER"},
	"twilio.webhook_url":   {"TWILIO_WEBHOOK_URL"},
	"engine.safety_policy": {"SAFETY_POLICY"},
}

// SetDefaults installs the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("store.key_prefix", "carepipe")
	v.SetDefault("genai.provider", "openai")
	v.SetDefault("genai.temperature", 0.7)
	v.SetDefault("genai.timeout", 30*time.Second)
	v.SetDefault("genai.step_timeout", 20*time.Second)
	v.SetDefault("parser.enhance", false)
	v.SetDefault("parser.timeout", 8*time.Second)
	v.SetDefault("parser.cache_size", 1024)
	v.SetDefault("engine.safety_policy", "advisory")
	v.SetDefault("engine.lock_timeout", 45*time.Second)
	v.SetDefault("engine.history_size", 10)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.metrics", true)
}

// New returns a viper instance wired to the environment with defaults set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range legacyEnv {
		_ = v.BindEnv(append([]string{key, EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, envs...)...)
	}
	return v
}

// LoadDotEnv loads .env files into the process environment, ignoring missing files.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		slog.Debug("Config.LoadDotEnv: no .env loaded", "error", err)
	} else {
		slog.Debug("Config.LoadDotEnv: loaded .env")
	}
}

// Load reads configFile (or carepipe.yaml from the working and state
// directories when empty) into v and decodes the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("carepipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("state_dir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		slog.Debug("Config.Load: no config file found, using env and defaults")
	} else {
		slog.Debug("Config.Load: read config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.WhatsApp.DSN == "" {
		c.WhatsApp.DSN = "file:" + filepath.Join(c.StateDir, "whatsmeow.db") + "?_foreign_keys=on"
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.GenAI.Provider {
	case "openai", "gemini", "mock":
	default:
		return fmt.Errorf("unknown genai provider %q", c.GenAI.Provider)
	}
	switch strings.ToLower(c.Engine.SafetyPolicy) {
	case "", "advisory", "block":
	default:
		return fmt.Errorf("unknown safety policy %q", c.Engine.SafetyPolicy)
	}
	if c.GenAI.Timeout <= 0 {
		return fmt.Errorf("genai.timeout must be positive")
	}
	if c.Twilio.Enabled && (c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.From == "") {
		return fmt.Errorf("twilio is enabled but account_sid, auth_token or from is missing")
	}
	return nil
}
