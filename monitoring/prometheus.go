package monitoring

import (
	"net/http"

	"github.com/paraswap/dexsync/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type FetchOutcome string

var (
	FetchSuccess        FetchOutcome = "success"
	FetchPartialFailure FetchOutcome = "partial_failure"
	FetchTotalFailure   FetchOutcome = "total_failure"
	FetchSkipped        FetchOutcome = "skipped"
)

type syncPromMetrics struct {
	nodeUpUnixSeconds    prometheus.Gauge
	stateBlockHeight     *prometheus.GaugeVec
	staleMessageCount    *prometheus.CounterVec
	replicationPublished *prometheus.CounterVec
	replicationReceived  *prometheus.CounterVec
	fetchCycleCount      *prometheus.CounterVec
	fetchFailureStreak   *prometheus.GaugeVec
	fetcherCooldownCount *prometheus.CounterVec
	recoveryTaskCount    prometheus.Counter
	panicCount           prometheus.Counter
}

func newSyncPromMetrics() *syncPromMetrics {
	return &syncPromMetrics{
		nodeUpUnixSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dexsync_node_up_timestamp_unix_seconds",
				Help: "Unix timestamp of the process start",
			},
		),
		stateBlockHeight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dexsync_state_block_height",
				Help: "Block number of the current state pointer per tracked entity",
			},
			[]string{"entity"},
		),
		staleMessageCount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_replication_stale_message_total",
				Help: "Replicated messages discarded because their TTL expired before receipt",
			},
			[]string{"channel"},
		),
		replicationPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_replication_published_total",
				Help: "Messages published on replication channels",
			},
			[]string{"channel"},
		),
		replicationReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_replication_received_total",
				Help: "Messages received and applied from replication channels",
			},
			[]string{"channel"},
		),
		fetchCycleCount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_fetch_cycle_total",
				Help: "Completed polling fetcher cycles by outcome",
			},
			[]string{"fetcher", "outcome"},
		),
		fetchFailureStreak: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dexsync_fetch_failure_streak",
				Help: "Consecutive total-failure cycles per fetcher",
			},
			[]string{"fetcher"},
		),
		fetcherCooldownCount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexsync_fetcher_cooldown_total",
				Help: "Times a fetcher suspended polling after too many consecutive failures",
			},
			[]string{"fetcher"},
		),
		recoveryTaskCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dexsync_state_recovery_task_total",
				Help: "One-shot recovery tasks scheduled because no state pointer existed after replay",
			},
		),
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dexsync_panic_total",
				Help: "Panics recovered in background goroutines",
			},
		),
	}
}

var syncMetrics *syncPromMetrics

// InitMetrics initializes metrics for the process but does not expose them yet
func InitMetrics() {
	syncMetrics = newSyncPromMetrics()
	syncMetrics.nodeUpUnixSeconds.SetToCurrentTime()
}

func RegisterMetrics(mux *http.ServeMux) {
	logx.Info("MONITORING", "Registering prometheus metrics")
	mux.Handle("/metrics", promhttp.Handler())
}

func SetStateBlockHeight(entity string, blockNumber uint64) {
	if syncMetrics == nil {
		return
	}
	syncMetrics.stateBlockHeight.WithLabelValues(entity).Set(float64(blockNumber))
}

func IncreaseStaleMessageCount(channel string) {
	if syncMetrics == nil {
		return
	}
	syncMetrics.staleMessageCount.WithLabelValues(channel).Inc()
}

func IncreaseReplicationPublished(channel string) {
	if syncMetrics == nil {
		return
	}
	syncMetrics.replicationPublished.WithLabelValues(channel).Inc()
}

func IncreaseReplicationReceived(channel string) {
	if syncMetrics == nil {
		return
	}
	syncMetrics.replicationReceived.WithLabelValues(channel).Inc()
}

func RecordFetchCycle(fetcher string, outcome FetchOutcome) {
	if syncMetrics == nil {
		return
	}
	syncMetrics.fetchCycleCount.WithLabelValues(fetcher, string(outcome)).Inc()
}

func SetFetchFailureStreak(fetcher string, streak int) {
	if syncMetrics == nil {
		return
	}
	syncMetrics.fetchFailureStreak.WithLabelValues(fetcher).Set(float64(streak))
}

func IncreaseFetcherCooldownCount(fetcher string) {
	if syncMetrics == nil {
		return
	}
	syncMetrics.fetcherCooldownCount.WithLabelValues(fetcher).Inc()
}

func IncreaseRecoveryTaskCount() {
	if syncMetrics == nil {
		return
	}
	syncMetrics.recoveryTaskCount.Inc()
}

func IncreasePanicCount() {
	if syncMetrics == nil {
		return
	}
	syncMetrics.panicCount.Inc()
}
