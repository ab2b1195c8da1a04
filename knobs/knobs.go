// Package knobs holds the process-wide tunables of the commit pipeline.
// A Knobs value is built once at startup (defaults, then an optional TOML
// file, then programmatic overrides) and threaded through constructors as a
// read-only handle.
package knobs

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// SplitMode selects how a split transaction distributes conflict ranges.
type SplitMode int

const (
	// ConflictsToOneProxy sends the full conflict-range set to one
	// uniformly chosen part.
	ConflictsToOneProxy SplitMode = iota
	// ConflictsEvenlyDistribute round-robins conflict ranges across parts.
	ConflictsEvenlyDistribute
)

type Knobs struct {
	// Commit proxy batching.
	CommitBatchesMemBytesLimit       int64    `toml:"commit-batches-mem-bytes-limit"`
	CommitTransactionBatchCountMax   int      `toml:"commit-transaction-batch-count-max"`
	CommitTransactionBatchBytesLimit int      `toml:"commit-transaction-batch-bytes-limit"`
	CommitBatchInterval              Duration `toml:"commit-batch-interval"`
	MaxCommitBatchInterval           Duration `toml:"max-commit-batch-interval"`
	MinCommitBatchInterval           Duration `toml:"min-commit-batch-interval"`
	BatchIntervalSmootherAlpha       float64  `toml:"batch-interval-smoother-alpha"`
	BatchIntervalLatencyFraction     float64  `toml:"batch-interval-latency-fraction"`
	PacketWarningBytes               int      `toml:"packet-warning-bytes"`

	// Transaction splitting.
	TransactionSplitEnabled  bool      `toml:"transaction-split-enabled"`
	TransactionSplitMode     SplitMode `toml:"transaction-split-mode"`
	LargeTransactionCriteria int       `toml:"large-transaction-criteria"`
	SplitTransactionHistory  Duration  `toml:"split-transaction-history"`

	// Commit pipeline.
	MaxReadTransactionLifeVersions  int64    `toml:"max-read-transaction-life-versions"`
	MaxWriteTransactionLifeVersions int64    `toml:"max-write-transaction-life-versions"`
	ProxySpinDelay                  Duration `toml:"proxy-spin-delay"`
	ResolverCoalesceTime            Duration `toml:"resolver-coalesce-time"`
	ProxyComputeGrowthRate          float64  `toml:"proxy-compute-growth-rate"`
	ProxyComputeBuckets             int      `toml:"proxy-compute-buckets"`
	MutationBlockSize               int      `toml:"mutation-block-size"`

	// GRV starter.
	StartTransactionMaxRequestsToStart int64    `toml:"start-transaction-max-requests-to-start"`
	StartTransactionMaxQueueSize       int64    `toml:"start-transaction-max-queue-size"`
	MaxTransactionsToStart             float64  `toml:"max-transactions-to-start"`
	MaxEmptyQueueBudget                float64  `toml:"max-empty-queue-budget"`
	GRVSmoothingWindow                 Duration `toml:"grv-smoothing-window"`
	GRVBatchIntervalMin                Duration `toml:"grv-batch-interval-min"`
	GRVBatchIntervalMax                Duration `toml:"grv-batch-interval-max"`

	// TLog.
	TLogHardLimitBytes       int64    `toml:"tlog-hard-limit-bytes"`
	TLogSpillThreshold       int64    `toml:"tlog-spill-threshold"`
	DesiredTotalBytes        int      `toml:"desired-total-bytes"`
	SpringBytes              int      `toml:"spring-bytes"`
	MaxBatchesPerPeek        int      `toml:"max-batches-per-peek"`
	MaxBytesPerSpillBatch    int      `toml:"max-bytes-per-spill-batch"`
	PeekMemoryLimitBytes     int64    `toml:"peek-memory-limit-bytes"`
	ConcurrentLogRouterReads int64    `toml:"concurrent-log-router-reads"`
	PeekTrackerExpiration    Duration `toml:"peek-tracker-expiration"`
	UpdateStorageInterval    Duration `toml:"update-storage-interval"`
	TLogPushBackoff          Duration `toml:"tlog-push-backoff"`

	// Peek sequencing. Width of the TLog peek tracker's window of sequence
	// numbers per cursor; the cursors in package peek issue one request at a
	// time and do not read it.
	ParallelGetMoreRequests int `toml:"parallel-get-more-requests"`
}

// Default returns the stock knob table.
func Default() *Knobs {
	return &Knobs{
		CommitBatchesMemBytesLimit:       100 << 20,
		CommitTransactionBatchCountMax:   32768,
		CommitTransactionBatchBytesLimit: 1 << 20,
		CommitBatchInterval:              NewDuration(500 * time.Microsecond),
		MaxCommitBatchInterval:           NewDuration(2 * time.Millisecond),
		MinCommitBatchInterval:           NewDuration(100 * time.Microsecond),
		BatchIntervalSmootherAlpha:       0.1,
		BatchIntervalLatencyFraction:     0.1,
		PacketWarningBytes:               2 << 20,

		TransactionSplitEnabled:  true,
		TransactionSplitMode:     ConflictsToOneProxy,
		LargeTransactionCriteria: 1 << 20,
		SplitTransactionHistory:  NewDuration(5 * time.Second),

		MaxReadTransactionLifeVersions:  5_000_000,
		MaxWriteTransactionLifeVersions: 5_000_000,
		ProxySpinDelay:                  NewDuration(10 * time.Millisecond),
		ResolverCoalesceTime:            NewDuration(time.Second),
		ProxyComputeGrowthRate:          0.01,
		ProxyComputeBuckets:             20000,
		MutationBlockSize:               10000,

		StartTransactionMaxRequestsToStart: 10000,
		StartTransactionMaxQueueSize:       512,
		MaxTransactionsToStart:             100000,
		MaxEmptyQueueBudget:                10,
		GRVSmoothingWindow:                 NewDuration(time.Second),
		GRVBatchIntervalMin:                NewDuration(500 * time.Microsecond),
		GRVBatchIntervalMax:                NewDuration(5 * time.Millisecond),

		TLogHardLimitBytes:       1500 << 20,
		TLogSpillThreshold:       1500 << 20,
		DesiredTotalBytes:        150_000,
		SpringBytes:              100_000,
		MaxBatchesPerPeek:        100,
		MaxBytesPerSpillBatch:    16 << 20,
		PeekMemoryLimitBytes:     2 << 30,
		ConcurrentLogRouterReads: 1,
		PeekTrackerExpiration:    NewDuration(600 * time.Second),
		UpdateStorageInterval:    NewDuration(100 * time.Millisecond),
		TLogPushBackoff:          NewDuration(5 * time.Millisecond),

		ParallelGetMoreRequests: 32,
	}
}

// LoadFile overlays knob values from a TOML file onto k.
func (k *Knobs) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, k)
	if err != nil {
		return errors.WithStack(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Newf("unknown knobs in %s: %v", path, undecoded)
	}
	return nil
}
