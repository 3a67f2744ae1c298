package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Quotas, TTLs, capacities and
// trading bounds are supplied here and never hardcoded in pipeline logic.
type Config struct {
	ListenAddr      string `yaml:"listen_addr"`
	DBPath          string `yaml:"db_path"`
	SecretStorePath string `yaml:"secret_store_path"`

	Log LogConfig `yaml:"log"`

	Exchange ExchangeConfig  `yaml:"exchange"`
	Explorer ExplorerConfig  `yaml:"explorer"`
	Channels []ChannelConfig `yaml:"channels"`

	ClientCache ClientCacheConfig `yaml:"client_cache"`
	Trading     TradingConfig     `yaml:"trading"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	Wallet      WalletConfig      `yaml:"wallet"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ExchangeConfig struct {
	Host    string `yaml:"host"`
	WSHost  string `yaml:"ws_host"`
	ChainID int64  `yaml:"chain_id"`

	// Nested submit budgets: burst per 10s window, sustained per 10min.
	BurstLimit         int `yaml:"burst_limit"`
	BurstWindowSec     int `yaml:"burst_window_sec"`
	SustainedLimit     int `yaml:"sustained_limit"`
	SustainedWindowSec int `yaml:"sustained_window_sec"`
}

type ExplorerProvider struct {
	Name   string `yaml:"name"`
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
}

type ExplorerConfig struct {
	Providers    []ExplorerProvider `yaml:"providers"`
	TrackedAsset string             `yaml:"tracked_asset"` // ERC-20 contract of the deposit asset
}

type ChannelConfig struct {
	Name        string  `yaml:"name"`
	PerSecond   float64 `yaml:"per_second"`
	DailyLimit  int     `yaml:"daily_limit"`
	CacheTTLSec int     `yaml:"cache_ttl_sec"`
}

type ClientCacheConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"`
	Capacity   int `yaml:"capacity"`
}

type TradingConfig struct {
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
	MinPrice          float64 `yaml:"min_price"`
	MaxPrice          float64 `yaml:"max_price"`
	MinOrderValue     float64 `yaml:"min_order_value"`
	RetryLimit        int     `yaml:"retry_limit"`
	RetryBaseMs       int     `yaml:"retry_base_ms"`
	RetryMaxMs        int     `yaml:"retry_max_ms"`
}

type SettlementConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`
	TimeoutSec      int `yaml:"timeout_sec"`
}

type WalletConfig struct {
	// Mnemonic should normally come from ORDERDESK_MNEMONIC rather than
	// the config file.
	Mnemonic       string `yaml:"mnemonic"`
	PathTemplate   string `yaml:"path_template"` // e.g. m/44'/60'/0'/0/%d
	MasterKey      string `yaml:"master_key"`    // secret store encryption key (hex/base64, 32 bytes)
	FunderContract string `yaml:"funder_contract"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		DBPath:          "data/orderdesk.db",
		SecretStorePath: "data/secrets",
		Log: LogConfig{
			Level:      "info",
			File:       "logs/orderdesk.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Exchange: ExchangeConfig{
			Host:               "https://clob.polymarket.com",
			WSHost:             "wss://ws-subscriptions-clob.polymarket.com/ws/user",
			ChainID:            137,
			BurstLimit:         500,
			BurstWindowSec:     10,
			SustainedLimit:     3000,
			SustainedWindowSec: 600,
		},
		Explorer: ExplorerConfig{
			TrackedAsset: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174",
		},
		Channels: []ChannelConfig{
			{Name: "exchange", PerSecond: 5, DailyLimit: 0, CacheTTLSec: 300},
			{Name: "explorer", PerSecond: 4, DailyLimit: 100000, CacheTTLSec: 300},
		},
		ClientCache: ClientCacheConfig{TTLMinutes: 60, Capacity: 256},
		Trading: TradingConfig{
			SlippageTolerance: 0.02,
			MinPrice:          0.001,
			MaxPrice:          0.999,
			MinOrderValue:     1.0,
			RetryLimit:        1,
			RetryBaseMs:       500,
			RetryMaxMs:        5000,
		},
		Settlement: SettlementConfig{PollIntervalSec: 3, TimeoutSec: 120},
		Wallet:     WalletConfig{PathTemplate: "m/44'/60'/0'/0/%d"},
	}
}

// Load reads path (YAML) over the defaults, then applies env overrides.
// An empty path loads defaults + env only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ORDERDESK_LISTEN"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("ORDERDESK_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("ORDERDESK_SECRET_STORE"); v != "" {
		c.SecretStorePath = v
	}
	if v := os.Getenv("ORDERDESK_MNEMONIC"); v != "" {
		c.Wallet.Mnemonic = v
	}
	if v := os.Getenv("ORDERDESK_MASTER_KEY"); v != "" {
		c.Wallet.MasterKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ORDERDESK_EXCHANGE_HOST"); v != "" {
		c.Exchange.Host = v
	}
	if v := os.Getenv("ORDERDESK_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Exchange.ChainID = id
		}
	}
	// Explorer API keys: ORDERDESK_EXPLORER_KEY_<NAME>=...
	for i := range c.Explorer.Providers {
		name := strings.ToUpper(c.Explorer.Providers[i].Name)
		if v := os.Getenv("ORDERDESK_EXPLORER_KEY_" + name); v != "" {
			c.Explorer.Providers[i].APIKey = v
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Trading.SlippageTolerance < 0 || c.Trading.SlippageTolerance >= 1 {
		return fmt.Errorf("slippage_tolerance must be in [0, 1): %v", c.Trading.SlippageTolerance)
	}
	if c.Trading.MinPrice <= 0 || c.Trading.MaxPrice >= 1 || c.Trading.MinPrice >= c.Trading.MaxPrice {
		return fmt.Errorf("price bounds invalid: [%v, %v]", c.Trading.MinPrice, c.Trading.MaxPrice)
	}
	if c.Trading.MinOrderValue < 0 {
		return fmt.Errorf("min_order_value must not be negative")
	}
	if c.Trading.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative")
	}
	if c.ClientCache.TTLMinutes <= 0 {
		return fmt.Errorf("client_cache.ttl_minutes must be positive")
	}
	if c.ClientCache.Capacity <= 0 {
		return fmt.Errorf("client_cache.capacity must be positive")
	}
	if c.Settlement.PollIntervalSec <= 0 || c.Settlement.TimeoutSec <= 0 {
		return fmt.Errorf("settlement intervals must be positive")
	}
	if c.Exchange.BurstLimit <= 0 || c.Exchange.BurstWindowSec <= 0 ||
		c.Exchange.SustainedLimit <= 0 || c.Exchange.SustainedWindowSec <= 0 {
		return fmt.Errorf("exchange budgets and windows must be positive")
	}
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel name must not be empty")
		}
		if ch.PerSecond <= 0 {
			return fmt.Errorf("channel %s: per_second must be positive", ch.Name)
		}
	}
	return nil
}

// RetryBaseDelay returns the configured backoff base.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Trading.RetryBaseMs) * time.Millisecond
}

// RetryMaxDelay returns the configured backoff cap.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Trading.RetryMaxMs) * time.Millisecond
}
