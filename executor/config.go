package executor

import (
	"os"
	"runtime"
	"time"
)

const (
	DefaultPollInterval         = time.Second
	DefaultClaimBatch           = 16
	DefaultClaimRate            = 20
	DefaultMaxRetries           = 5
	DefaultRetryBaseDelay       = time.Second
	DefaultRetryMaxDelay        = 10 * time.Minute
	DefaultLockTimeout          = 10 * time.Minute
	DefaultStoreRetryMaxElapsed = time.Minute
)

type Config struct {
	// Stable name of this executor. Leases are "<Instance>/<incarnation>", and
	// recovery resets Started jobs leased to any incarnation of Instance.
	// Defaults to the hostname.
	Instance string

	// Number of slots, i.e. jobs run at once. Defaults to the number of CPUs.
	Concurrency int

	// How long an idle slot sleeps when nothing wakes it.
	PollInterval time.Duration

	// Jobs listed per claim scan.
	ClaimBatch int

	// Claim scans per second across all slots.
	ClaimRate float64

	// Retries granted to submitted jobs. Negative means none.
	MaxRetries int

	// Retry n waits RetryBaseDelay * 2^(n-1), at most RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// How long a job waits for its repository before failing transiently.
	LockTimeout time.Duration

	// Budget for retrying a store operation that failed with an Internal error.
	StoreRetryMaxElapsed time.Duration

	// When set, each repository-mutating job reports how much
	// <RepoRoot>/<repo> grew.
	RepoRoot string
}

func (c Config) withDefaults() Config {
	if c.Instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "deltapub"
		}
		c.Instance = host
	}
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.NumCPU()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = DefaultClaimBatch
	}
	if c.ClaimRate <= 0 {
		c.ClaimRate = DefaultClaimRate
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.StoreRetryMaxElapsed <= 0 {
		c.StoreRetryMaxElapsed = DefaultStoreRetryMaxElapsed
	}
	return c
}
