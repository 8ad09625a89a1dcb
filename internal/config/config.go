package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Oracles    OraclesConfig    `mapstructure:"oracles"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

type AppConfig struct {
	Env     string `mapstructure:"env"`
	Network string `mapstructure:"network"`
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

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type ChainConfig struct {
	RPCURL        string `mapstructure:"rpc_url"`
	ChainID       int64  `mapstructure:"chain_id"`
	LedgerAddress string `mapstructure:"ledger_address"`
	// PrivateKeyEnv names the environment variable holding the hex-encoded
	// settlement key. The key itself never lives in the config file.
	PrivateKeyEnv string        `mapstructure:"private_key_env"`
	GasLimit      uint64        `mapstructure:"gas_limit"`
	TxTimeout     time.Duration `mapstructure:"tx_timeout"`
	ReceiptPoll   time.Duration `mapstructure:"receipt_poll"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

type OraclesConfig struct {
	Chainlink   ChainlinkConfig   `mapstructure:"chainlink"`
	BinanceFeed BinanceFeedConfig `mapstructure:"binance_feed"`
	CoinGecko   CoinGeckoConfig   `mapstructure:"coingecko"`
	CacheTTL    time.Duration     `mapstructure:"cache_ttl"`
	// SnapshotRetention bounds the price_snapshots table; older rows are
	// deleted by a periodic cleanup job.
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
}

// ChainlinkConfig maps asset ids to AggregatorV3 feed addresses, keyed by
// network name so one config file covers mainnet and testnet deployments.
type ChainlinkConfig struct {
	Feeds map[string]map[string]string `mapstructure:"feeds"`
}

type BinanceFeedConfig struct {
	RegistryAddress string                       `mapstructure:"registry_address"`
	FeedIDs         map[string]map[string]string `mapstructure:"feed_ids"`
}

type CoinGeckoConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Currency     string        `mapstructure:"currency"`
	RequestDelay time.Duration `mapstructure:"request_delay"`
	RateCooldown time.Duration `mapstructure:"rate_cooldown"`
}

type SettlementConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
	Concurrency   int           `mapstructure:"concurrency"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	RetryCooldown time.Duration `mapstructure:"retry_cooldown"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.network", "bsc-mainnet")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("chain.rpc_url", "https://bsc-dataseed.binance.org")
	v.SetDefault("chain.chain_id", 56)
	v.SetDefault("chain.private_key_env", "PS_SETTLER_KEY")
	v.SetDefault("chain.gas_limit", 1500000)
	v.SetDefault("chain.tx_timeout", "2m")
	v.SetDefault("chain.receipt_poll", "3s")
	v.SetDefault("chain.call_timeout", "15s")
	v.SetDefault("oracles.cache_ttl", "5m")
	v.SetDefault("oracles.snapshot_retention", "720h")
	v.SetDefault("oracles.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("oracles.coingecko.timeout", "15s")
	v.SetDefault("oracles.coingecko.currency", "usd")
	v.SetDefault("oracles.coingecko.request_delay", "3s")
	v.SetDefault("oracles.coingecko.rate_cooldown", "30s")
	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.schedule", "@hourly")
	v.SetDefault("settlement.run_on_start", false)
	v.SetDefault("settlement.concurrency", 4)
	v.SetDefault("settlement.submit_timeout", "90s")
	v.SetDefault("settlement.retry_cooldown", "30s")

	if !envOnly {
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
