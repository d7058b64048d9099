package config

const (
	DefaultMaxBlocksHistory = uint64(90)
	DefaultCacheTTLSeconds  = 60

	DefaultPollIntervalMs   = 2000
	DefaultRequestTimeoutMs = 5000
	DefaultFailMaxAttempts  = 5
	DefaultCooldownMs       = 60000
)
