package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Payment   PaymentConfig
	Oracle    OracleConfig
	Network   NetworkConfig
	OpenSeal  OpenSealConfig
	Nonce     NonceConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// PublicURL is the gateway's own origin; demo upstreams must live under it.
	PublicURL string `mapstructure:"public_url"`
	Env       string `mapstructure:"env"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type PaymentConfig struct {
	FacilitatorURL string        `mapstructure:"facilitator_url"`
	Asset          string        `mapstructure:"asset"`
	AssetName      string        `mapstructure:"asset_name"`
	AssetVersion   string        `mapstructure:"asset_version"`
	AssetDecimals  int           `mapstructure:"asset_decimals"`
	ChainID        int64         `mapstructure:"chain_id"`
	Network        string        `mapstructure:"network"`
	MarginPct      string        `mapstructure:"margin_pct"`
	MaxTimeoutSec  int           `mapstructure:"max_timeout_sec"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type OracleConfig struct {
	Mode        string        `mapstructure:"mode"` // "static" | "chainlink"
	StaticPrice string        `mapstructure:"static_price"`
	RPCURL      string        `mapstructure:"rpc_url"`
	Aggregator  string        `mapstructure:"aggregator"`
	TTL         time.Duration `mapstructure:"ttl"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAge      time.Duration `mapstructure:"max_age"` // oldest accepted feed round; 0 disables
}

type NetworkConfig struct {
	DNSTimeout      time.Duration `mapstructure:"dns_timeout"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	AllowCIDRs      []string      `mapstructure:"allow_cidrs"`
}

type OpenSealConfig struct {
	DemoPrivateKey string `mapstructure:"demo_private_key"`
	DemoRootHash   string `mapstructure:"demo_root_hash"`
}

type NonceConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type TelemetryConfig struct {
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
	PenaltyPoints int           `mapstructure:"penalty_points"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// IsProduction reports whether demo bypasses must be disabled.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// Load reads defaults, an optional config file, and the environment. flags
// may be nil; when set, a --config flag overrides the file search path.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("payment.asset_name", "USD Coin")
	v.SetDefault("payment.asset_version", "2")
	v.SetDefault("payment.asset_decimals", 6)
	v.SetDefault("payment.margin_pct", "10")
	v.SetDefault("payment.max_timeout_sec", 300)
	v.SetDefault("payment.timeout", 10*time.Second)
	v.SetDefault("oracle.mode", "static")
	v.SetDefault("oracle.static_price", "1")
	v.SetDefault("oracle.ttl", 60*time.Second)
	v.SetDefault("oracle.timeout", 5*time.Second)
	v.SetDefault("oracle.max_age", time.Hour)
	v.SetDefault("network.dns_timeout", 3*time.Second)
	v.SetDefault("network.upstream_timeout", 10*time.Second)
	v.SetDefault("nonce.ttl", 24*time.Hour)
	v.SetDefault("nonce.sweep_interval", 10*time.Minute)
	v.SetDefault("telemetry.slow_threshold", 5000*time.Millisecond)
	v.SetDefault("telemetry.penalty_points", 1)
	v.SetDefault("telemetry.write_timeout", 3*time.Second)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
	}
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":               "PORT",
		"server.public_url":         "PUBLIC_URL",
		"server.env":                "GATEKEEPER_ENV",
		"database.url":              "DATABASE_URL",
		"database.max_conns":        "DATABASE_MAX_CONNS",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"payment.facilitator_url":   "FACILITATOR_URL",
		"payment.asset":             "PAYMENT_ASSET",
		"payment.asset_decimals":    "PAYMENT_ASSET_DECIMALS",
		"payment.chain_id":          "CHAIN_ID",
		"payment.network":           "PAYMENT_NETWORK",
		"payment.margin_pct":        "PAYMENT_MARGIN_PCT",
		"oracle.mode":               "ORACLE_MODE",
		"oracle.static_price":       "ORACLE_STATIC_PRICE",
		"oracle.rpc_url":            "RPC_URL",
		"oracle.aggregator":         "ORACLE_AGGREGATOR",
		"oracle.max_age":            "ORACLE_MAX_AGE",
		"network.allow_cidrs":       "NETWORK_ALLOW_CIDRS",
		"openseal.demo_private_key": "OPENSEAL_DEMO_PRIVATE_KEY",
		"openseal.demo_root_hash":   "OPENSEAL_DEMO_ROOT_HASH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Database.URL, "DATABASE_URL"},
		{c.Payment.FacilitatorURL, "FACILITATOR_URL"},
		{c.Payment.Asset, "PAYMENT_ASSET"},
		{c.Payment.Network, "PAYMENT_NETWORK"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Payment.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	switch c.Oracle.Mode {
	case "static":
		if c.Oracle.StaticPrice == "" {
			return fmt.Errorf("required config missing: ORACLE_STATIC_PRICE")
		}
	case "chainlink":
		if c.Oracle.RPCURL == "" || c.Oracle.Aggregator == "" {
			return fmt.Errorf("required config missing: RPC_URL and ORACLE_AGGREGATOR for chainlink oracle")
		}
	default:
		return fmt.Errorf("unknown oracle mode %q", c.Oracle.Mode)
	}
	if (c.OpenSeal.DemoPrivateKey == "") != (c.OpenSeal.DemoRootHash == "") {
		return fmt.Errorf("OPENSEAL_DEMO_PRIVATE_KEY and OPENSEAL_DEMO_ROOT_HASH must be set together")
	}
	return nil
}
