package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Modbus    ModbusConfig    `mapstructure:"modbus"`
	Collector CollectorConfig `mapstructure:"collector"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Profiles  ProfilesConfig  `mapstructure:"profiles"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the measurement store. Driver is "sqlite" or
// "postgres"; the remaining fields apply to one of them.
type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv      string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl"`
	AdminUser         string        `mapstructure:"admin_user"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
}

type ModbusConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RegisterDelay time.Duration `mapstructure:"register_delay"`
	DeviceDelay   time.Duration `mapstructure:"device_delay"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
}

// CollectorConfig seeds the runtime settings on first start.
type CollectorConfig struct {
	TargetIP       string `mapstructure:"target_ip"`
	TargetPort     int    `mapstructure:"target_port"`
	DeviceIDs      string `mapstructure:"device_ids"`
	RefreshSeconds int    `mapstructure:"refresh_seconds"`
	Profile        string `mapstructure:"profile"`
	AutoStart      bool   `mapstructure:"auto_start"`
}

type DashboardConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type ProfilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "solar_log.db")
	v.SetDefault("database.busy_timeout", "30s")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("modbus.timeout", "2s")
	v.SetDefault("modbus.register_delay", "50ms")
	v.SetDefault("modbus.device_delay", "500ms")
	v.SetDefault("modbus.min_interval", "2s")

	v.SetDefault("collector.target_ip", "10.35.14.10")
	v.SetDefault("collector.target_port", 502)
	v.SetDefault("collector.device_ids", "1")
	v.SetDefault("collector.refresh_seconds", 30)
	v.SetDefault("collector.auto_start", true)

	v.SetDefault("dashboard.refresh_interval", "2s")
	v.SetDefault("profiles.search_paths", []string{"./profiles"})

	v.SetDefault("mqtt.client_id", "opensolarcollector")
	v.SetDefault("mqtt.topic_prefix", "solar")
	v.SetDefault("mqtt.qos", 1)

	// Auth Defaults
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.admin_user", "admin")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables mit Prefix OSC_, z.B. OSC_DATABASE_PATH
	v.SetEnvPrefix("OSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// SQLiteDSN returns the modernc.org/sqlite connection string with the
// busy timeout and WAL journal applied to every pooled connection.
func (c *DatabaseConfig) SQLiteDSN() string {
	timeout := c.BusyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		c.Path, timeout.Milliseconds())
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
