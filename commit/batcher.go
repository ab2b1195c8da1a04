package commit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kelpiedb/kelpie/knobs"
)

// Batch is an ordered run of requests that will share one commit version.
type Batch struct {
	Requests []*CommitTransactionRequest
	Bytes    int64
}

// Batcher shapes the incoming request stream into commit batches. A batch
// closes when the interval timer fires, when the next request would blow the
// byte budget or carries FirstInBatch, or when the count cap is reached.
// Split-transaction parts always travel alone.
type Batcher struct {
	knobs *knobs.Knobs
	log   *slog.Logger

	// memBytes is the proxy-wide commit batch memory accounting; the
	// batcher adds, phase five of the pipeline subtracts.
	memBytes *atomic.Int64

	// interval is the dynamic batch interval, EMA-adjusted by the
	// pipeline from observed commit latency.
	interval *atomic.Int64

	in  <-chan *CommitTransactionRequest
	out chan *Batch
}

func NewBatcher(k *knobs.Knobs, log *slog.Logger, memBytes *atomic.Int64, interval *atomic.Int64, in <-chan *CommitTransactionRequest) *Batcher {
	if interval.Load() == 0 {
		interval.Store(int64(k.CommitBatchInterval.Duration))
	}
	return &Batcher{
		knobs:    k,
		log:      log,
		memBytes: memBytes,
		interval: interval,
		in:       in,
		out:      make(chan *Batch),
	}
}

// Batches is the output stream.
func (b *Batcher) Batches() <-chan *Batch { return b.out }

func (b *Batcher) intervalNow() time.Duration {
	d := time.Duration(b.interval.Load())
	if max := b.knobs.MaxCommitBatchInterval.Duration; d > max {
		d = max
	}
	if min := b.knobs.MinCommitBatchInterval.Duration; d < min {
		d = min
	}
	return d
}

// Run consumes requests until ctx is done or the input closes. When the input
// closes it emits the final partial batch before returning; when ctx is done
// the partial batch is emitted only if a receiver is already waiting for it.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.out)

	var cur *Batch
	var timer *time.Timer
	var timeout <-chan time.Time

	flush := func() {
		if cur != nil && len(cur.Requests) > 0 {
			select {
			case b.out <- cur:
			case <-ctx.Done():
			}
		}
		cur = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timeout = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-timeout:
			flush()
		case req, ok := <-b.in:
			if !ok {
				flush()
				return
			}
			size := int64(req.Bytes())

			if b.memBytes.Load()+size > b.knobs.CommitBatchesMemBytesLimit {
				b.log.Warn("commit proxy memory limit exceeded",
					slog.Int64("requestBytes", size),
					slog.Int64("accounted", b.memBytes.Load()),
				)
				req.sendReply(CommitResult{Err: ErrProxyMemoryLimitExceeded})
				continue
			}
			b.memBytes.Add(size)

			if size > int64(b.knobs.PacketWarningBytes) {
				b.log.Warn("oversized transaction accepted",
					slog.Int64("bytes", size),
				)
			}

			if req.Split != nil {
				// A split part is never grouped with anything else.
				flush()
				select {
				case b.out <- &Batch{Requests: []*CommitTransactionRequest{req}, Bytes: size}:
				case <-ctx.Done():
					return
				}
				continue
			}

			closeFirst := req.Flags.Has(FlagFirstInBatch)
			overBytes := cur != nil && cur.Bytes+size > int64(b.knobs.CommitTransactionBatchBytesLimit)
			if closeFirst || overBytes {
				flush()
			}

			if cur == nil {
				cur = &Batch{}
				timer = time.NewTimer(b.intervalNow())
				timeout = timer.C
			}
			cur.Requests = append(cur.Requests, req)
			cur.Bytes += size

			if len(cur.Requests) >= b.knobs.CommitTransactionBatchCountMax {
				flush()
			}
		}
	}
}
