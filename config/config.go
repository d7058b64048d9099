package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/paraswap/dexsync/logx"
)

// LoadNodeConfig reads and parses the node.yml file
func LoadNodeConfig(path string) (*NodeConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	logx.Info("CONFIG", fmt.Sprintf("Loaded node config | role=%s | pools=%d", cfgFile.Config.Role, len(cfgFile.Config.Pools)))
	return &cfgFile.Config, nil
}

// SyncConfig tunes the state synchronizer retention and replication TTL
type SyncConfig struct {
	MaxBlocksHistory uint64 `ini:"max_blocks_history"`
	CacheTTLSeconds  int    `ini:"cache_ttl_s"`
}

// FetcherConfig tunes the polling fetcher cycle and cooldown behavior
type FetcherConfig struct {
	PollIntervalMs   int `ini:"poll_interval_ms"`
	RequestTimeoutMs int `ini:"request_timeout_ms"`
	FailMaxAttempts  int `ini:"fail_max_attempts"`
	CooldownMs       int `ini:"cooldown_ms"`
}

// TuningConfig is the full tuning surface loaded from an ini file
type TuningConfig struct {
	Sync    SyncConfig
	Fetcher FetcherConfig
}

// LoadTuningConfig reads the ini tuning file, falling back to defaults for
// anything unset.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cfg := DefaultTuningConfig()

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := iniFile.Section("sync").MapTo(&cfg.Sync); err != nil {
		return nil, err
	}
	if err := iniFile.Section("fetcher").MapTo(&cfg.Fetcher); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultTuningConfig returns the built-in tuning defaults
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		Sync: SyncConfig{
			MaxBlocksHistory: DefaultMaxBlocksHistory,
			CacheTTLSeconds:  DefaultCacheTTLSeconds,
		},
		Fetcher: FetcherConfig{
			PollIntervalMs:   DefaultPollIntervalMs,
			RequestTimeoutMs: DefaultRequestTimeoutMs,
			FailMaxAttempts:  DefaultFailMaxAttempts,
			CooldownMs:       DefaultCooldownMs,
		},
	}
}
