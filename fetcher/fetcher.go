package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paraswap/dexsync/logx"
	"github.com/paraswap/dexsync/monitoring"
)

// ErrSkipped marks a request as intentionally not executed this cycle. It is
// neither a success nor a failure and never counts toward the failure streak.
var ErrSkipped = errors.New("fetch skipped")

// FetchJob is one configured read request: optional authentication mutation,
// a caster validating the raw payload, and a handler consuming the result.
type FetchJob struct {
	Name    string
	Options RequestOptions

	// Authenticate mutates a per-cycle copy of Options (signing, tokens).
	// Returning ErrSkipped skips the job for this cycle.
	Authenticate func(opts *RequestOptions) error

	// Cast validates and parses the raw payload
	Cast func(data []byte) (interface{}, error)

	// Handle consumes one successfully cast payload
	Handle func(parsed interface{})
}

type jobOutcome int

const (
	outcomeSuccess jobOutcome = iota
	outcomeFailure
	outcomeSkipped
)

// Config is the tuning surface of one PollingFetcher
type Config struct {
	PollInterval    time.Duration
	RequestTimeout  time.Duration
	FailMaxAttempts int
	Cooldown        time.Duration
}

// PollingFetcher repeatedly executes a fixed set of read requests on a
// timer. Jobs run concurrently and fail independently; only a cycle in which
// every executed job failed counts against the failure streak. After
// FailMaxAttempts consecutive total failures polling suspends and resumes
// automatically after Cooldown with the streak reset.
type PollingFetcher struct {
	name      string
	transport Transport
	jobs      []FetchJob
	cfg       Config

	mu                 sync.Mutex
	polling            bool
	failCount          int
	lastFetchSucceeded bool
	timer              *time.Timer
}

func NewPollingFetcher(name string, transport Transport, jobs []FetchJob, cfg Config) (*PollingFetcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("at least one fetch job is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	return &PollingFetcher{
		name:      name,
		transport: transport,
		jobs:      jobs,
		cfg:       cfg,
	}, nil
}

// StartPolling enables rescheduling and kicks off the first cycle
func (f *PollingFetcher) StartPolling(ctx context.Context) {
	f.mu.Lock()
	if f.polling {
		f.mu.Unlock()
		return
	}
	f.polling = true
	f.failCount = 0
	f.mu.Unlock()

	logx.Info("FETCHER", fmt.Sprintf("Polling started | fetcher=%s | jobs=%d | interval=%s", f.name, len(f.jobs), f.cfg.PollInterval))
	f.schedule(ctx, 0)
}

// StopPolling prevents the next reschedule. An in-flight cycle is allowed to
// finish; its result is simply not rescheduled further.
func (f *PollingFetcher) StopPolling() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.polling {
		return
	}
	f.polling = false
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	logx.Info("FETCHER", "Polling stopped | fetcher=", f.name)
}

// IsPolling reports the should-continue flag
func (f *PollingFetcher) IsPolling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polling
}

// LastFetchSucceeded reflects only the most recently completed cycle and is
// side-effect free, used as a liveness signal.
func (f *PollingFetcher) LastFetchSucceeded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFetchSucceeded
}

// FailCount returns the current consecutive total-failure streak
func (f *PollingFetcher) FailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failCount
}

func (f *PollingFetcher) schedule(ctx context.Context, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.polling {
		return
	}
	f.timer = time.AfterFunc(delay, func() {
		f.Fetch(ctx)
	})
}

// Fetch executes one polling cycle and reschedules the next one. Exported so
// callers can force an immediate out-of-schedule cycle.
func (f *PollingFetcher) Fetch(ctx context.Context) {
	outcomes := make([]jobOutcome, len(f.jobs))

	var wg sync.WaitGroup
	for i := range f.jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.runJob(ctx, &f.jobs[i])
		}(i)
	}
	wg.Wait()

	executed, failed := 0, 0
	for _, o := range outcomes {
		if o == outcomeSkipped {
			continue
		}
		executed++
		if o == outcomeFailure {
			failed++
		}
	}
	totalFailure := executed > 0 && failed == executed

	f.mu.Lock()
	if totalFailure {
		f.failCount++
		f.lastFetchSucceeded = false
	} else {
		f.failCount = 0
		f.lastFetchSucceeded = true
	}
	failCount := f.failCount
	polling := f.polling
	f.mu.Unlock()

	monitoring.SetFetchFailureStreak(f.name, failCount)
	switch {
	case executed == 0:
		monitoring.RecordFetchCycle(f.name, monitoring.FetchSkipped)
	case totalFailure:
		monitoring.RecordFetchCycle(f.name, monitoring.FetchTotalFailure)
	case failed > 0:
		monitoring.RecordFetchCycle(f.name, monitoring.FetchPartialFailure)
	default:
		monitoring.RecordFetchCycle(f.name, monitoring.FetchSuccess)
	}

	if !polling {
		return
	}

	if f.cfg.FailMaxAttempts > 0 && failCount >= f.cfg.FailMaxAttempts {
		logx.Warn("FETCHER", fmt.Sprintf("Too many consecutive failures, entering cooldown | fetcher=%s | failures=%d | cooldown=%s", f.name, failCount, f.cfg.Cooldown))
		monitoring.IncreaseFetcherCooldownCount(f.name)
		f.mu.Lock()
		f.failCount = 0
		f.mu.Unlock()
		f.schedule(ctx, f.cfg.Cooldown)
		return
	}

	f.schedule(ctx, f.cfg.PollInterval)
}

func (f *PollingFetcher) runJob(ctx context.Context, job *FetchJob) jobOutcome {
	opts := job.Options

	if job.Authenticate != nil {
		if err := job.Authenticate(&opts); err != nil {
			if errors.Is(err, ErrSkipped) {
				return outcomeSkipped
			}
			logx.Error("FETCHER", fmt.Sprintf("Authentication failed | fetcher=%s | job=%s | err=%v", f.name, job.Name, err))
			return outcomeFailure
		}
	}

	reqCtx := ctx
	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := f.transport.Request(reqCtx, opts)
	if err != nil {
		if errors.Is(err, ErrSkipped) {
			return outcomeSkipped
		}
		logx.Error("FETCHER", fmt.Sprintf("Request failed | fetcher=%s | job=%s | err=%v", f.name, job.Name, err))
		return outcomeFailure
	}
	if resp.Status >= 400 {
		logx.Error("FETCHER", fmt.Sprintf("Request failed | fetcher=%s | job=%s | status=%d", f.name, job.Name, resp.Status))
		return outcomeFailure
	}

	parsed := interface{}(resp.Data)
	if job.Cast != nil {
		parsed, err = job.Cast(resp.Data)
		if err != nil {
			// A cast error drops this single response without affecting the
			// rest of the cycle; the next cycle supersedes it.
			logx.Error("FETCHER", fmt.Sprintf("Cast failed, dropping response | fetcher=%s | job=%s | err=%v", f.name, job.Name, err))
			return outcomeSuccess
		}
	}

	if job.Handle != nil {
		job.Handle(parsed)
	}
	return outcomeSuccess
}
