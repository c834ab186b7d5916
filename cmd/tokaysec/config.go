package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. TOKAYSEC_STORAGE_DSN.
const EnvPrefix = "TOKAYSEC_"

// Config holds all tokaysec server configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	Server             ServerConfig    `koanf:"server"`
	Storage            StorageConfig   `koanf:"storage"`
	Keys               KeysConfig      `koanf:"keys"`
	Auth               AuthConfig      `koanf:"auth"`
	Authz              AuthzConfig     `koanf:"authz"`
	Retention          RetentionConfig `koanf:"retention"`
	Log                LogConfig       `koanf:"log"`
	Metrics            MetricsConfig   `koanf:"metrics"`
	MCP                MCPConfig       `koanf:"mcp"`
	Bootstrap          BootstrapConfig `koanf:"bootstrap"`
	AllowKMSColocation bool            `koanf:"allow_kms_colocation"`
}

type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	// WriteTimeout of 0 leaves audit streams open indefinitely.
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StorageConfig struct {
	// Driver is libsql or postgres.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type KeysConfig struct {
	// Provider is local, passphrase, keyring or remote.
	Provider      string        `koanf:"provider"`
	MasterKey     string        `koanf:"master_key"`
	Passphrase    string        `koanf:"passphrase"`
	Salt          string        `koanf:"salt"`
	KeyringUser   string        `koanf:"keyring_user"`
	RemoteURL     string        `koanf:"remote_url"`
	RemoteKEKID   string        `koanf:"remote_kek_id"`
	RemoteTimeout time.Duration `koanf:"remote_timeout"`
	ScopePolicy   string        `koanf:"scope_policy"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`
}

type AuthConfig struct {
	// Mode is header or jwt.
	Mode      string `koanf:"mode"`
	JWTSecret string `koanf:"jwt_secret"`
	JWKSURL   string `koanf:"jwks_url"`
	Issuer    string `koanf:"issuer"`
}

type AuthzConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type RetentionConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Schedule       string        `koanf:"schedule"`
	RewrapSchedule string        `koanf:"rewrap_schedule"`
	TombstoneTTL   time.Duration `koanf:"tombstone_ttl"`
	// Policy overrides the TombstoneTTL rule with an expr expression.
	Policy string `koanf:"policy"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

type MCPConfig struct {
	Principal string `koanf:"principal"`
}

type BootstrapConfig struct {
	Admin            string `koanf:"admin"`
	DefaultNamespace string `koanf:"default_namespace"`
	DefaultProject   string `koanf:"default_project"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8200",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "libsql",
			DSN:    "file:tokaysec.db",
		},
		Keys: KeysConfig{
			Provider:      "local",
			KeyringUser:   "default",
			RemoteTimeout: 5 * time.Second,
			ScopePolicy:   "namespace",
			CacheTTL:      5 * time.Minute,
		},
		Auth: AuthConfig{
			Mode: "header",
		},
		Authz: AuthzConfig{
			CacheTTL: 5 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:        true,
			Schedule:       "@hourly",
			RewrapSchedule: "@daily",
			TombstoneTTL:   30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		MCP: MCPConfig{
			Principal: "mcp",
		},
		Bootstrap: BootstrapConfig{
			Admin: "admin",
		},
	}
}

// loadConfig loads configuration from an optional TOML file and the
// environment on top of the defaults. A missing file at the default path is
// not an error; an explicitly given one must exist.
func loadConfig(configPath string, explicit bool) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" && (explicit || fileExists(configPath)) {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Double underscores (__) preserve literal underscores in field names.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps TOKAYSEC_KEYS_MASTER__KEY to keys.master_key.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "libsql", "postgres":
	default:
		return fmt.Errorf("storage.driver must be 'libsql' or 'postgres', got: %s", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	switch c.Keys.Provider {
	case "local":
		if c.Keys.MasterKey == "" {
			return fmt.Errorf("keys.master_key is required for the local provider (see `tokaysec keygen`)")
		}
	case "passphrase":
		if c.Keys.Passphrase == "" || c.Keys.Salt == "" {
			return fmt.Errorf("keys.passphrase and keys.salt are required for the passphrase provider")
		}
	case "keyring":
		if c.Keys.KeyringUser == "" {
			return fmt.Errorf("keys.keyring_user is required for the keyring provider")
		}
	case "remote":
		if c.Keys.RemoteURL == "" {
			return fmt.Errorf("keys.remote_url is required for the remote provider")
		}
		local, err := isLocalURL(c.Keys.RemoteURL)
		if err != nil {
			return fmt.Errorf("invalid keys.remote_url: %w", err)
		}
		if local && !c.AllowKMSColocation {
			return fmt.Errorf("keys.remote_url points at this host; set allow_kms_colocation to run the KMS alongside tokaysec")
		}
	default:
		return fmt.Errorf("keys.provider must be local, passphrase, keyring or remote, got: %s", c.Keys.Provider)
	}

	switch c.Keys.ScopePolicy {
	case "namespace", "project":
	default:
		return fmt.Errorf("keys.scope_policy must be 'namespace' or 'project', got: %s", c.Keys.ScopePolicy)
	}

	switch c.Auth.Mode {
	case "header":
	case "jwt":
		if (c.Auth.JWTSecret == "") == (c.Auth.JWKSURL == "") {
			return fmt.Errorf("auth.mode jwt needs exactly one of auth.jwt_secret or auth.jwks_url")
		}
	default:
		return fmt.Errorf("auth.mode must be 'header' or 'jwt', got: %s", c.Auth.Mode)
	}

	if c.Retention.Enabled && c.Retention.Policy == "" && c.Retention.TombstoneTTL <= 0 {
		return fmt.Errorf("retention.tombstone_ttl must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log.format: %s (must be json or text)", c.Log.Format)
	}

	if c.Bootstrap.DefaultProject != "" && c.Bootstrap.DefaultNamespace == "" {
		return fmt.Errorf("bootstrap.default_project needs bootstrap.default_namespace")
	}
	return nil
}

// retentionPolicy returns the purge expression, derived from the tombstone
// TTL unless an explicit policy is set.
func (c *Config) retentionPolicy() string {
	if c.Retention.Policy != "" {
		return c.Retention.Policy
	}
	return fmt.Sprintf("tombstoned_hours >= %g", c.Retention.TombstoneTTL.Hours())
}

// isLocalURL reports whether raw addresses the loopback interface.
func isLocalURL(raw string) (bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return false, err
	}
	host := u.Hostname()
	if host == "" {
		return false, fmt.Errorf("missing host")
	}
	if strings.EqualFold(host, "localhost") {
		return true, nil
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback(), nil
}
