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
	Card      CardConfig      `mapstructure:"card"`
	Interrupt InterruptConfig `mapstructure:"interrupt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Profiles  ProfilesConfig  `mapstructure:"card_profiles"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

const (
	BusSysfs = "sysfs"
	BusSim   = "sim"
)

type CardConfig struct {
	// Profile is the card profile name looked up in the profile search paths.
	Profile string `mapstructure:"profile"`
	// Bus selects the bus collaborator: "sysfs" for hardware, "sim" for memory.
	Bus        string `mapstructure:"bus"`
	PCIAddress string `mapstructure:"pci_address"`
	SysfsRoot  string `mapstructure:"sysfs_root"`
	UIODevice  string `mapstructure:"uio_device"`
	DMADevice  string `mapstructure:"dma_device"`
	DMAClass   string `mapstructure:"dma_class"`

	DMABufferSize     int           `mapstructure:"dma_buffer_size"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`

	// register window sizes used by the simulator
	SimSharedSize    int `mapstructure:"sim_shared_size"`
	SimBusMasterSize int `mapstructure:"sim_busmaster_size"`
}

type InterruptConfig struct {
	Sources []StatusSourceConfig `mapstructure:"sources"`
}

// StatusSourceConfig names one status register bit group checked on every
// interrupt. Slot may be an index or a slot name from the card profile.
type StatusSourceConfig struct {
	Slot    string `mapstructure:"slot"`
	Offset  int    `mapstructure:"offset"`
	Width   int    `mapstructure:"width"`
	Mask    uint32 `mapstructure:"mask"`
	Ack     uint32 `mapstructure:"ack"`
	Meaning string `mapstructure:"meaning"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	Enabled                bool                 `mapstructure:"enabled"`
	JWTSecretEnv           string               `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration        `mapstructure:"access_token_ttl"`
	RefreshTokenTTL        time.Duration        `mapstructure:"refresh_token_ttl"`
	MaxFailedLoginAttempts int                  `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration        `mapstructure:"account_lock_duration"`
	Operators              []OperatorConfig     `mapstructure:"operators"`
	MachineTokens          []MachineTokenConfig `mapstructure:"machine_tokens"`
}

// OperatorConfig is one login account. PasswordHash is an argon2id encoded
// hash as produced by `timingd hash-password`.
type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// MachineTokenConfig is a static API token for tools such as tsgen. Only the
// SHA-256 hex digest of the token is stored.
type MachineTokenConfig struct {
	Name        string   `mapstructure:"name"`
	TokenHash   string   `mapstructure:"token_hash"`
	Permissions []string `mapstructure:"permissions"`
}

type ProfilesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("card.profile", "adlink-pci7300a")
	v.SetDefault("card.bus", BusSysfs)
	v.SetDefault("card.pci_address", "")
	v.SetDefault("card.sysfs_root", "/sys/bus/pci/devices")
	v.SetDefault("card.uio_device", "/dev/uio0")
	v.SetDefault("card.dma_device", "udmabuf0")
	v.SetDefault("card.dma_class", "/sys/class/u-dma-buf")
	v.SetDefault("card.dma_buffer_size", 20*1024)
	v.SetDefault("card.completion_timeout", "2s")
	v.SetDefault("card.sim_shared_size", 0x40)
	v.SetDefault("card.sim_busmaster_size", 0x100)

	v.SetDefault("card_profiles.search_paths", []string{"./configs/profiles", "/etc/timingd/profiles"})

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "timingd")
	v.SetDefault("database.user", "timingd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")

	// TIMINGD_CARD_BUS overrides card.bus and so on
	v.SetEnvPrefix("TIMINGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.Card.Bus {
	case BusSysfs, BusSim:
	default:
		return fmt.Errorf("invalid card.bus %q: expected %q or %q", c.Card.Bus, BusSysfs, BusSim)
	}
	if c.Card.Bus == BusSysfs && c.Card.PCIAddress == "" {
		return fmt.Errorf("card.pci_address is required for the sysfs bus")
	}
	if c.Card.DMABufferSize <= 0 {
		return fmt.Errorf("card.dma_buffer_size must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

// GetJWTSecret reads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
