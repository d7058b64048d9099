package config

// PoolConfig describes one tracked pool entity
type PoolConfig struct {
	Namespace  string   `yaml:"namespace"`
	Identifier string   `yaml:"identifier"`
	Addresses  []string `yaml:"addresses"`
}

// NodeConfig holds the configuration from node.yml
type NodeConfig struct {
	Role         string       `yaml:"role"`
	RedisAddr    string       `yaml:"redis_addr"`
	MetricsAddr  string       `yaml:"metrics_addr"`
	TokenFeedURL string       `yaml:"token_feed_url"`
	Pools        []PoolConfig `yaml:"pools"`
}

// ConfigFile is the top-level structure for node.yml
type ConfigFile struct {
	Config NodeConfig `yaml:"config"`
}
