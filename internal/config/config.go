package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ErrMissingCredential is returned by Validate when a required secret is absent.
var ErrMissingCredential = errors.New("config: missing required credential")

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Chain        ChainConfig        `mapstructure:"chain"`
	Reasoning    ReasoningConfig    `mapstructure:"reasoning"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Portfolio    PortfolioConfig    `mapstructure:"portfolio"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type ChainConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	WSURL          string `mapstructure:"ws_url"`
	FactoryAddress string `mapstructure:"factory_address"`
	ChainID        int64  `mapstructure:"chain_id"`
	PrivateKey     string `mapstructure:"private_key"`
}

type ReasoningConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  uint64        `mapstructure:"max_retries"`
}

type ExecutorConfig struct {
	DryRun           bool          `mapstructure:"dry_run"`
	MaxSlippage      float64       `mapstructure:"max_slippage"`
	Pause            time.Duration `mapstructure:"pause"`
	DefaultBuyAmount string        `mapstructure:"default_buy_amount"`
	MinTradeAmount   string        `mapstructure:"min_trade_amount"`
}

type MonitorConfig struct {
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout"`
	IPFSGateway     string        `mapstructure:"ipfs_gateway"`
	WatchTrades     bool          `mapstructure:"watch_trades"`
}

type StoreConfig struct {
	RedisURL     string        `mapstructure:"redis_url"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	ExecutionTTL time.Duration `mapstructure:"execution_ttl"`
}

type OrchestratorConfig struct {
	DecisionConcurrency int `mapstructure:"decision_concurrency"`
}

type PortfolioConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Load reads configuration from path (unless envOnly) and TRADER_* variables.
// The flat variable names used by earlier deployments (BASE_RPC_URL,
// PRIVATE_KEY, OPENAI_API_KEY, REDIS_URL, DRY_RUN, MAX_SLIPPAGE) are honoured.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", true)

	v.SetDefault("chain.rpc_url", "https://mainnet.base.org")
	v.SetDefault("chain.ws_url", "")
	v.SetDefault("chain.factory_address", "0x07DFAEC8e182C5eF79844ADc70708C1c15aA60fb")
	v.SetDefault("chain.chain_id", 8453)

	v.SetDefault("reasoning.provider", "openai")
	v.SetDefault("reasoning.model", "gpt-4-turbo-preview")
	v.SetDefault("reasoning.temperature", 0.3)
	v.SetDefault("reasoning.max_tokens", 2000)
	v.SetDefault("reasoning.timeout", "30s")
	v.SetDefault("reasoning.max_retries", 3)

	v.SetDefault("executor.dry_run", false)
	v.SetDefault("executor.max_slippage", 0.05)
	v.SetDefault("executor.pause", "1s")
	v.SetDefault("executor.default_buy_amount", "0.01")
	v.SetDefault("executor.min_trade_amount", "0.0001")

	v.SetDefault("monitor.metadata_timeout", "5s")
	v.SetDefault("monitor.ipfs_gateway", "https://ipfs.io/ipfs/")
	v.SetDefault("monitor.watch_trades", true)

	v.SetDefault("store.redis_url", "redis://localhost:6379")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.cache_ttl", "30s")
	v.SetDefault("store.execution_ttl", "720h")

	v.SetDefault("orchestrator.decision_concurrency", 4)

	v.SetDefault("portfolio.enabled", false)
	v.SetDefault("portfolio.schedule", "0 0 * * * *")

	legacy := map[string]string{
		"chain.rpc_url":         "BASE_RPC_URL",
		"chain.private_key":     "PRIVATE_KEY",
		"reasoning.api_key":     "OPENAI_API_KEY",
		"store.redis_url":       "REDIS_URL",
		"executor.dry_run":      "DRY_RUN",
		"executor.max_slippage": "MAX_SLIPPAGE",
	}
	for key, env := range legacy {
		prefixed := "TRADER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, err
		}
	}

	if !envOnly && path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the trader must refuse to start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Reasoning.APIKey) == "" {
		return fmt.Errorf("%w: reasoning.api_key", ErrMissingCredential)
	}
	if !c.Executor.DryRun && strings.TrimSpace(c.Chain.PrivateKey) == "" {
		return fmt.Errorf("%w: chain.private_key is required unless executor.dry_run is set", ErrMissingCredential)
	}
	if c.Executor.MaxSlippage < 0 || c.Executor.MaxSlippage >= 1 {
		return fmt.Errorf("config: executor.max_slippage must be in [0,1), got %v", c.Executor.MaxSlippage)
	}
	for key, raw := range map[string]string{
		"executor.default_buy_amount": c.Executor.DefaultBuyAmount,
		"executor.min_trade_amount":   c.Executor.MinTradeAmount,
	} {
		if d, err := decimal.NewFromString(raw); err != nil || d.IsNegative() {
			return fmt.Errorf("config: %s must be a non-negative decimal, got %q", key, raw)
		}
	}
	switch strings.ToLower(c.Reasoning.Provider) {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unsupported reasoning.provider %q", c.Reasoning.Provider)
	}
	return nil
}
