package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Log      LogConfig
	Agent    AgentConfig
	Admin    AdminConfig
	Events   EventsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port    string
	Release bool // gin release mode

	// TrustedProxies lists the IPs or CIDRs allowed to set X-Forwarded-For.
	// Empty means the client IP is always the TCP peer.
	TrustedProxies []string
}

// DatabaseConfig selects the gorm dialector and its DSN
type DatabaseConfig struct {
	Dialect string // sqlite, postgres or mysql
	DSN     string
}

// AuthConfig holds operator session settings
type AuthConfig struct {
	JWTSecret string
}

// LogConfig controls the slog handler
type LogConfig struct {
	Format string // json or text
	Level  string
}

// AgentConfig holds settings for the agent-facing API
type AgentConfig struct {
	InstallerPath string
}

// AdminConfig is the bootstrap operator created when no admin exists
type AdminConfig struct {
	Email    string
	Password string
}

// EventsConfig points at the AMQP broker. An empty URL disables publishing.
type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

const (
	devJWTSecret     = "inventario-dev-secret-change-in-production"
	devAdminPassword = "changeme"
)

var supportedDialects = map[string]bool{"sqlite": true, "postgres": true, "mysql": true}

// New returns a viper instance with defaults, env binding and an optional config file.
// An empty cfgFile searches ./inventario.yaml and $HOME/.inventario.
func New(cfgFile string) *viper.Viper {
	v := viper.New()
	applyDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("inventario")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.inventario")
	}

	v.SetEnvPrefix("INVENTARIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.release", false)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("database.dialect", "sqlite")
	v.SetDefault("database.dsn", "inventario.db")
	v.SetDefault("auth.jwt_secret", devJWTSecret)
	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")
	v.SetDefault("agent.installer_path", "storage/agent/LabAgent-Setup.exe")
	v.SetDefault("admin.email", "admin@inventario.local")
	v.SetDefault("admin.password", devAdminPassword)
	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.exchange", "inventario.events")
}

// Read loads .env (if present) and the config file (if present) into a new viper instance.
// A missing file is only an error when cfgFile names it explicitly.
func Read(cfgFile string) (*viper.Viper, error) {
	// .env is optional
	_ = godotenv.Load()

	v := New(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads .env (if present), the config file (if present) and the environment.
func Load(cfgFile string) (*Config, error) {
	v, err := Read(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper builds a Config from an already populated viper instance
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			Release:        v.GetBool("server.release"),
			TrustedProxies: splitList(v.GetStringSlice("server.trusted_proxies")),
		},
		Database: DatabaseConfig{
			Dialect: strings.ToLower(v.GetString("database.dialect")),
			DSN:     v.GetString("database.dsn"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Log: LogConfig{
			Format: strings.ToLower(v.GetString("log.format")),
			Level:  strings.ToLower(v.GetString("log.level")),
		},
		Agent: AgentConfig{
			InstallerPath: v.GetString("agent.installer_path"),
		},
		Admin: AdminConfig{
			Email:    v.GetString("admin.email"),
			Password: v.GetString("admin.password"),
		},
		Events: EventsConfig{
			AMQPURL:  v.GetString("events.amqp_url"),
			Exchange: v.GetString("events.exchange"),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !supportedDialects[c.Database.Dialect] {
		return fmt.Errorf("unsupported database dialect %q (want sqlite, postgres or mysql)", c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		return errors.New("events.exchange is required when events.amqp_url is set")
	}
	for _, proxy := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			return fmt.Errorf("server.trusted_proxies: %q is not an IP or CIDR", proxy)
		}
	}
	if c.Server.Release && c.Auth.JWTSecret == devJWTSecret {
		return errors.New("auth.jwt_secret must be changed from the development default in release mode")
	}
	if c.Server.Release && c.Admin.Password == devAdminPassword {
		return errors.New("admin.password must be changed from the development default in release mode")
	}
	return nil
}

// splitList accepts both YAML lists and a comma separated env value
func splitList(items []string) []string {
	out := []string{}
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
