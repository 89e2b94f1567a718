// Package config defines all configuration for the indexer service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every operational knob overridable via the environment variables listed
// next to each field. The file is optional; a deployment can run on
// defaults plus environment alone.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	RPC       RPCConfig       `mapstructure:"rpc"`
	Recon     ReconConfig     `mapstructure:"recon"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Store     StoreConfig     `mapstructure:"store"`
	Summary   SummaryConfig   `mapstructure:"summary"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RPCConfig holds the chain endpoints and the global rate-limit budget.
// Every chain read in the process flows through one token bucket sized by
// MaxQPS/Burst; rate-limit responses back off between BackoffBase and
// BackoffMax.
type RPCConfig struct {
	URL           string  `mapstructure:"url"`             // RPC_URL
	WSURL         string  `mapstructure:"ws_url"`          // RPC_WS_URL
	FallbackURL   string  `mapstructure:"fallback_url"`    // RPC_HTTP_FALLBACK_URL
	MaxQPS        float64 `mapstructure:"max_qps"`         // ETH_RPC_MAX_QPS
	Burst         float64 `mapstructure:"burst"`           // ETH_RPC_BURST
	BackoffBaseMs int     `mapstructure:"backoff_base_ms"` // ETH_RPC_BACKOFF_BASE_MS
	BackoffMaxMs  int     `mapstructure:"backoff_max_ms"`  // ETH_RPC_BACKOFF_MAX_MS
}

// ReconConfig tunes the indexer and the reconciliation sweeper.
//
//   - IntervalMs: reconciliation cycle period.
//   - ScanBlocks: getLogs window per batch.
//   - Confirmations: blocks behind head considered safe in the recon loop.
//   - JumpThreshold: lag beyond which a stale cursor warps to head.
//   - SweepWindowBlocks: max acceptable lag before a sweep is scheduled.
//   - SweepDedupeTTLSec: per-market sweep lock TTL.
//   - SweepCooldownMs: per-market reactive sweep cooldown.
//   - SweepMaxBatches: windows drained per sweep job.
//   - BaselineBlock: floor for a cursor on first sight.
type ReconConfig struct {
	IntervalMs        int    `mapstructure:"interval_ms"`          // RECON_INTERVAL_MS
	ScanBlocks        uint64 `mapstructure:"scan_blocks"`          // RECON_SCAN_BLOCKS
	Confirmations     uint64 `mapstructure:"confirmations"`        // RECON_CONFIRMATIONS
	JumpThreshold     uint64 `mapstructure:"jump_threshold"`       // RECON_JUMP_THRESHOLD
	SweepWindowBlocks uint64 `mapstructure:"sweep_window_blocks"`  // RECON_SWEEP_WINDOW_BLOCKS
	SweepDedupeTTLSec int    `mapstructure:"sweep_dedupe_ttl_sec"` // RECON_SWEEP_DEDUP_TTL_SEC
	SweepCooldownMs   int    `mapstructure:"sweep_cooldown_ms"`    // RECON_SWEEP_COOLDOWN_MS
	SweepMaxBatches   int    `mapstructure:"sweep_max_batches"`    // RECON_SWEEP_MAX_BATCHES_PER_SWEEP
	BaselineBlock     uint64 `mapstructure:"baseline_block"`       // RECON_BASELINE_BLOCK
}

// ContractsConfig names the known deployed contracts.
type ContractsConfig struct {
	FactoryAddress string `mapstructure:"factory_address"` // MARKET_FACTORY_ADDRESS
	CTFAddress     string `mapstructure:"ctf_address"`     // CTF_ADDRESS
	USDFAddress    string `mapstructure:"usdf_address"`    // USDF_ADDRESS
}

// StoreConfig sets where durable state lives and which queue backend backs
// the job queues ("store" survives restarts, "memory" does not).
type StoreConfig struct {
	Path         string `mapstructure:"path"`
	QueueBackend string `mapstructure:"queue_backend"`
}

// SummaryConfig tunes the read path.
type SummaryConfig struct {
	TimeoutMs       int `mapstructure:"timeout_ms"`        // SUMMARY_TIMEOUT_MS
	ProbeCooldownMs int `mapstructure:"probe_cooldown_ms"` // ONCHAIN_PROBE_COOLDOWN_MS
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	TxNotifyToken  string `mapstructure:"tx_notify_token"`  // TX_NOTIFY_TOKEN
	HealthzCacheMs int    `mapstructure:"healthz_cache_ms"` // HEALTHZ_CACHE_MS
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func (r ReconConfig) Interval() time.Duration { return time.Duration(r.IntervalMs) * time.Millisecond }

func (r ReconConfig) SweepCooldown() time.Duration {
	return time.Duration(r.SweepCooldownMs) * time.Millisecond
}

func (r ReconConfig) SweepDedupeTTL() time.Duration {
	return time.Duration(r.SweepDedupeTTLSec) * time.Second
}

func (s SummaryConfig) Timeout() time.Duration { return time.Duration(s.TimeoutMs) * time.Millisecond }

func (s SummaryConfig) ProbeCooldown() time.Duration {
	return time.Duration(s.ProbeCooldownMs) * time.Millisecond
}

// Load reads config from a YAML file with env var overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.RPC.Burst <= 0 {
		cfg.RPC.Burst = cfg.RPC.MaxQPS
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.max_qps", 2.0)
	v.SetDefault("rpc.backoff_base_ms", 300)
	v.SetDefault("rpc.backoff_max_ms", 5000)
	v.SetDefault("recon.interval_ms", 30000)
	v.SetDefault("recon.scan_blocks", 1000)
	v.SetDefault("recon.confirmations", 2)
	v.SetDefault("recon.jump_threshold", 1000)
	v.SetDefault("recon.sweep_window_blocks", 300)
	v.SetDefault("recon.sweep_dedupe_ttl_sec", 120)
	v.SetDefault("recon.sweep_cooldown_ms", 300000)
	v.SetDefault("recon.sweep_max_batches", 4)
	v.SetDefault("recon.baseline_block", 0)
	v.SetDefault("store.path", "data/marketindex.db")
	v.SetDefault("store.queue_backend", "store")
	v.SetDefault("summary.timeout_ms", 1200)
	v.SetDefault("summary.probe_cooldown_ms", 60000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.healthz_cache_ms", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyEnvOverrides maps the documented environment variables onto the
// config. Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	u64 := func(name string, dst *uint64) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	f64 := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}

	str("RPC_URL", &cfg.RPC.URL)
	str("RPC_WS_URL", &cfg.RPC.WSURL)
	str("RPC_HTTP_FALLBACK_URL", &cfg.RPC.FallbackURL)
	f64("ETH_RPC_MAX_QPS", &cfg.RPC.MaxQPS)
	f64("ETH_RPC_BURST", &cfg.RPC.Burst)
	num("ETH_RPC_BACKOFF_BASE_MS", &cfg.RPC.BackoffBaseMs)
	num("ETH_RPC_BACKOFF_MAX_MS", &cfg.RPC.BackoffMaxMs)

	num("RECON_INTERVAL_MS", &cfg.Recon.IntervalMs)
	u64("RECON_SCAN_BLOCKS", &cfg.Recon.ScanBlocks)
	u64("RECON_CONFIRMATIONS", &cfg.Recon.Confirmations)
	u64("RECON_JUMP_THRESHOLD", &cfg.Recon.JumpThreshold)
	u64("RECON_SWEEP_WINDOW_BLOCKS", &cfg.Recon.SweepWindowBlocks)
	num("RECON_SWEEP_DEDUP_TTL_SEC", &cfg.Recon.SweepDedupeTTLSec)
	num("RECON_SWEEP_COOLDOWN_MS", &cfg.Recon.SweepCooldownMs)
	num("RECON_SWEEP_MAX_BATCHES_PER_SWEEP", &cfg.Recon.SweepMaxBatches)
	u64("RECON_BASELINE_BLOCK", &cfg.Recon.BaselineBlock)

	str("MARKET_FACTORY_ADDRESS", &cfg.Contracts.FactoryAddress)
	str("CTF_ADDRESS", &cfg.Contracts.CTFAddress)
	str("USDF_ADDRESS", &cfg.Contracts.USDFAddress)

	num("SUMMARY_TIMEOUT_MS", &cfg.Summary.TimeoutMs)
	num("ONCHAIN_PROBE_COOLDOWN_MS", &cfg.Summary.ProbeCooldownMs)
	str("TX_NOTIFY_TOKEN", &cfg.Server.TxNotifyToken)
	num("HEALTHZ_CACHE_MS", &cfg.Server.HealthzCacheMs)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("rpc.url is required (set RPC_URL)")
	}
	if c.RPC.MaxQPS <= 0 {
		return fmt.Errorf("rpc.max_qps must be > 0")
	}
	if c.Recon.ScanBlocks == 0 {
		return fmt.Errorf("recon.scan_blocks must be > 0")
	}
	if c.Recon.SweepMaxBatches <= 0 {
		return fmt.Errorf("recon.sweep_max_batches must be > 0")
	}
	switch c.Store.QueueBackend {
	case "store", "memory":
	default:
		return fmt.Errorf("store.queue_backend must be \"store\" or \"memory\"")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	return nil
}
