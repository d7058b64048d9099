package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paraswap/dexsync/config"
	"github.com/paraswap/dexsync/db"
	"github.com/paraswap/dexsync/exception"
	"github.com/paraswap/dexsync/fetcher"
	"github.com/paraswap/dexsync/jsonx"
	"github.com/paraswap/dexsync/logx"
	"github.com/paraswap/dexsync/monitoring"
	"github.com/paraswap/dexsync/poolstate"
	"github.com/paraswap/dexsync/replication"
	"github.com/paraswap/dexsync/statesync"
	"github.com/paraswap/dexsync/types"

	"github.com/holiman/uint256"
)

const (
	defaultConfigPath = "config/node.yml"
	defaultTuningPath = "config/tuning.ini"
)

var (
	configPath string
	tuningPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the state synchronizer node",
	Run: func(cmd *cobra.Command, args []string) {
		runNode(configPath, tuningPath)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the node yaml config")
	runCmd.Flags().StringVarP(&tuningPath, "tuning", "t", defaultTuningPath, "Path to the tuning ini config")
}

func runNode(configPath, tuningPath string) {
	cfg, err := config.LoadNodeConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	tuning, err := config.LoadTuningConfig(tuningPath)
	if err != nil {
		logx.Warn("NODE", "Tuning config not loaded, using defaults: ", err)
		tuning = config.DefaultTuningConfig()
	}

	role := types.Role(cfg.Role)
	if role != types.RoleMaster && role != types.RoleReplica {
		log.Fatalf("Invalid role %q, expected master or replica", cfg.Role)
	}

	monitoring.InitMetrics()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		monitoring.RegisterMetrics(mux)
		exception.SafeGoWithPanic("metrics-server", func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logx.Error("NODE", "Metrics server stopped: ", err)
			}
		})
	}

	var provider db.CacheProvider
	if cfg.RedisAddr != "" {
		provider, err = db.NewRedisProvider(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
	} else {
		logx.Warn("NODE", "No redis address configured, using in-process provider")
		provider = db.NewMemoryProvider()
	}
	defer provider.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	synchronizers := make([]*statesync.StateSynchronizer, 0, len(cfg.Pools))
	for _, pool := range cfg.Pools {
		sync, err := buildSynchronizer(ctx, role, pool, provider, tuning.Sync)
		if err != nil {
			log.Fatalf("Failed to initialize pool %s: %v", pool.Identifier, err)
		}
		defer sync.Close()
		synchronizers = append(synchronizers, sync)
	}
	logx.Info("NODE", fmt.Sprintf("Node running | role=%s | pools=%d", role, len(synchronizers)))

	if len(cfg.Pools) > 0 {
		startTokenListFetcher(ctx, cfg, provider, tuning.Fetcher)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logx.Info("NODE", "Shutting down")
}

func buildSynchronizer(ctx context.Context, role types.Role, pool config.PoolConfig, provider db.CacheProvider, tuning config.SyncConfig) (*statesync.StateSynchronizer, error) {
	addresses := make([]types.Address, len(pool.Addresses))
	for i, a := range pool.Addresses {
		addresses[i] = types.NormalizeAddress(a)
	}

	sync, err := statesync.NewStateSynchronizer(statesync.Options{
		Key:              types.NewEntityKey(pool.Namespace, pool.Identifier),
		Role:             role,
		Addresses:        addresses,
		MaxBlocksHistory: tuning.MaxBlocksHistory,
		CacheTTL:         time.Duration(tuning.CacheTTLSeconds) * time.Second,
		Codec:            poolstate.Codec{},
		Decoder:          poolstate.Decode,
		Handlers:         poolstate.Handlers(),
		Provider:         provider,
		GenerateState:    generateEmptyPoolState,
	})
	if err != nil {
		return nil, err
	}
	if err := sync.Initialize(ctx, 1, nil); err != nil {
		return nil, err
	}
	return sync, nil
}

// generateEmptyPoolState stands in for the per-integration out-of-band
// derivation (contract reads) that a real deployment wires here.
func generateEmptyPoolState(_ context.Context, _ uint64) (interface{}, error) {
	return &poolstate.PoolState{
		Reserve0: uint256.NewInt(0),
		Reserve1: uint256.NewInt(0),
	}, nil
}

// startTokenListFetcher polls the configured token feed and fans new tokens
// out to every process through the append-only set channel.
func startTokenListFetcher(ctx context.Context, cfg *config.NodeConfig, provider db.CacheProvider, tuning config.FetcherConfig) {
	if cfg.TokenFeedURL == "" {
		return
	}

	ns := cfg.Pools[0].Namespace
	tokenSet := replication.NewSetPubSub(provider, ns, "tokens")
	if err := tokenSet.InitializeAndSubscribe(ctx, nil); err != nil {
		logx.Error("NODE", "Failed to initialize token set: ", err)
		return
	}

	jobs := []fetcher.FetchJob{
		{
			Name:    "token-list",
			Options: fetcher.RequestOptions{URL: cfg.TokenFeedURL},
			Cast: func(data []byte) (interface{}, error) {
				var tokens []string
				if err := jsonx.Unmarshal(data, &tokens); err != nil {
					return nil, err
				}
				return tokens, nil
			},
			Handle: func(parsed interface{}) {
				tokens := parsed.([]string)
				fresh := make([]string, 0, len(tokens))
				for _, t := range tokens {
					if !tokenSet.Has(t) {
						fresh = append(fresh, t)
					}
				}
				if err := tokenSet.Publish(ctx, fresh); err != nil {
					logx.Error("NODE", "Failed to publish tokens: ", err)
				}
			},
		},
	}

	transport := fetcher.NewHTTPTransport(time.Duration(tuning.RequestTimeoutMs) * time.Millisecond)
	tokenFetcher, err := fetcher.NewPollingFetcher("token-list", transport, jobs, fetcher.Config{
		PollInterval:    time.Duration(tuning.PollIntervalMs) * time.Millisecond,
		RequestTimeout:  time.Duration(tuning.RequestTimeoutMs) * time.Millisecond,
		FailMaxAttempts: tuning.FailMaxAttempts,
		Cooldown:        time.Duration(tuning.CooldownMs) * time.Millisecond,
	})
	if err != nil {
		logx.Error("NODE", "Failed to build token fetcher: ", err)
		return
	}
	tokenFetcher.StartPolling(ctx)
}
