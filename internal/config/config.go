// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SCHOOLMSG_"

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	RabbitMQ struct {
		URL string `yaml:"url"`
	} `yaml:"rabbitmq"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Workers int `yaml:"workers"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

type SessionConfig struct {
	// PairingTimeout bounds how long an attempt may take to reach CONNECTED.
	PairingTimeout time.Duration `yaml:"pairing_timeout"`
	DestroyTimeout time.Duration `yaml:"destroy_timeout"`
	CredentialsDir string        `yaml:"credentials_dir"`
	// ApprovedTenants restricts initialize to the listed tenants when non-empty.
	ApprovedTenants []string `yaml:"approved_tenants"`
}

type ReconnectConfig struct {
	Policy   string        `yaml:"policy"` // fixed | exponential
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type DispatchConfig struct {
	DefaultCountryCode   string            `yaml:"default_country_code"`
	TenantCountryCodes   map[string]string `yaml:"tenant_country_codes"`
	AddressSuffix        string            `yaml:"address_suffix"`
	SendTimeout          time.Duration     `yaml:"send_timeout"`
	BroadcastConcurrency int               `yaml:"broadcast_concurrency"`
	// QuotaLimits sets per-tenant monthly send limits at startup. A negative value
	// removes the limit; tenants not listed keep whatever the store holds.
	QuotaLimits map[string]int `yaml:"quota_limits"`
}

type BridgeConfig struct {
	URL            string        `yaml:"url"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets SCHOOLMSG_* variables override secrets and endpoints.
func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"HTTP_ADDR":    &c.HTTP.Addr,
		"DATABASE_URL": &c.Database.URL,
		"RABBITMQ_URL": &c.RabbitMQ.URL,
		"JWT_SECRET":   &c.Auth.JWTSecret,
		"BRIDGE_URL":   &c.Bridge.URL,
		"LOG_LEVEL":    &c.Log.Level,
	}
	for key, dst := range overrides {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Session.PairingTimeout <= 0 {
		c.Session.PairingTimeout = 3 * time.Minute
	}
	if c.Session.DestroyTimeout <= 0 {
		c.Session.DestroyTimeout = 10 * time.Second
	}
	if c.Session.CredentialsDir == "" {
		c.Session.CredentialsDir = "./.session_auth"
	}
	if c.Reconnect.Policy == "" {
		c.Reconnect.Policy = "fixed"
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = 30 * time.Second
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 10 * time.Minute
	}
	if c.Dispatch.DefaultCountryCode == "" {
		c.Dispatch.DefaultCountryCode = "92"
	}
	if c.Dispatch.AddressSuffix == "" {
		c.Dispatch.AddressSuffix = "@c.us"
	}
	if c.Dispatch.SendTimeout <= 0 {
		c.Dispatch.SendTimeout = 20 * time.Second
	}
	if c.Dispatch.BroadcastConcurrency <= 0 {
		c.Dispatch.BroadcastConcurrency = 4
	}
	if c.Bridge.DialTimeout <= 0 {
		c.Bridge.DialTimeout = 15 * time.Second
	}
	if c.Bridge.RequestTimeout <= 0 {
		c.Bridge.RequestTimeout = c.Dispatch.SendTimeout
	}
}

func (c *Config) Validate() error {
	switch c.Reconnect.Policy {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("invalid reconnect policy %q", c.Reconnect.Policy)
	}
	if c.Reconnect.Policy == "exponential" && c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("reconnect max_delay %s is below delay %s", c.Reconnect.MaxDelay, c.Reconnect.Delay)
	}
	return nil
}

// CountryCode returns the dialing code used to rewrite a local trunk prefix for tenantID.
func (c *Config) CountryCode(tenantID string) string {
	if code, ok := c.Dispatch.TenantCountryCodes[tenantID]; ok && code != "" {
		return code
	}
	return c.Dispatch.DefaultCountryCode
}
