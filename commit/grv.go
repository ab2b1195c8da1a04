package commit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kelpiedb/kelpie/flowcontrol"
	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
)

// TransactionPriority orders GRV admission: system traffic first, then
// default, then batch.
type TransactionPriority int

const (
	PriorityBatch TransactionPriority = iota
	PriorityDefault
	PriorityImmediate
	numPriorities
)

// TransactionRateInfo admits read-version requests against a windowed rate
// from the ratekeeper, with a budget accumulator for unspent allowance.
type TransactionRateInfo struct {
	window         time.Duration
	smoothRate     *flowcontrol.Smoother
	smoothReleased *flowcontrol.Smoother
	budget         float64
	limit          float64

	maxEmptyQueueBudget    float64
	maxTransactionsToStart float64
}

func NewTransactionRateInfo(k *knobs.Knobs, initialRate float64) *TransactionRateInfo {
	ri := &TransactionRateInfo{
		window:                 k.GRVSmoothingWindow.Duration,
		smoothRate:             flowcontrol.NewSmoother(k.GRVSmoothingWindow.Duration),
		smoothReleased:         flowcontrol.NewSmoother(k.GRVSmoothingWindow.Duration),
		maxEmptyQueueBudget:    k.MaxEmptyQueueBudget,
		maxTransactionsToStart: k.MaxTransactionsToStart,
	}
	ri.smoothRate.Reset(initialRate)
	return ri
}

// SetRate folds in a new allowed rate from the ratekeeper.
func (ri *TransactionRateInfo) SetRate(rate float64) {
	ri.smoothRate.SetTotal(rate)
}

// Rate is the allowed rate most recently installed by SetRate, before
// smoothing.
func (ri *TransactionRateInfo) Rate() float64 {
	return ri.smoothRate.Total()
}

// StartReleaseWindow computes the admission limit for the next window. The
// limit may be negative when more was released than allowed; the debt is
// paid before new requests start.
func (ri *TransactionRateInfo) StartReleaseWindow() {
	ri.limit = ri.window.Seconds() * (ri.smoothRate.SmoothTotal() - ri.smoothReleased.SmoothRate())
}

// CanStart reports whether count more transactions fit the window.
func (ri *TransactionRateInfo) CanStart(alreadyStarted, count int64) bool {
	limit := ri.limit + ri.budget
	if limit > ri.maxTransactionsToStart {
		limit = ri.maxTransactionsToStart
	}
	return float64(alreadyStarted+count) <= limit
}

// EndReleaseWindow accounts the transactions actually released and rolls
// unspent allowance into the budget, capped when the queue drained empty.
func (ri *TransactionRateInfo) EndReleaseWindow(started int64, queueEmpty bool, elapsed time.Duration) {
	ri.budget += elapsed.Seconds() * (ri.limit - float64(started)) / ri.window.Seconds()
	if ri.budget < 0 {
		ri.budget = 0
	}
	if queueEmpty && ri.budget > ri.maxEmptyQueueBudget {
		ri.budget = ri.maxEmptyQueueBudget
	}
	ri.smoothReleased.AddDelta(float64(started))
}

// GetReadVersionRequest asks for a read snapshot version.
type GetReadVersionRequest struct {
	Priority        TransactionPriority
	CausalReadRisky bool
	LockAware       bool
	Tags            []keyval.Tag
	Reply           chan GetReadVersionReply
}

// GetReadVersionReply is the GRV answer. A saturated proxy short-circuits
// with {Version: 1, Locked: true} instead of an explicit error.
type GetReadVersionReply struct {
	Version          keyval.Version
	Locked           bool
	MetadataVersion  keyval.Version
	RequestsInFlight int64
	TagThrottleInfo  map[keyval.Tag]float64
	Err              error
}

// GRVStats are the starter's request counters.
type GRVStats struct {
	RequestsIn     int64
	RequestsOut    int64
	RequestsErrors int64
}

// GRVProxy batches read-version requests by priority and admits them under
// the ratekeeper's windows.
type GRVProxy struct {
	knobs      *knobs.Knobs
	log        *slog.Logger
	proxy      *Proxy
	master     Master
	logSystem  LogSystem
	numProxies int

	mu        sync.Mutex
	queues    [numPriorities][]*GetReadVersionRequest
	rateInfos [numPriorities]*TransactionRateInfo
	stats     GRVStats
	throttles map[keyval.Tag]float64

	batchTime  time.Duration
	lastWindow time.Time
}

func NewGRVProxy(k *knobs.Knobs, log *slog.Logger, proxy *Proxy, master Master, logSystem LogSystem, numProxies int) *GRVProxy {
	g := &GRVProxy{
		knobs:      k,
		log:        log,
		proxy:      proxy,
		master:     master,
		logSystem:  logSystem,
		numProxies: numProxies,
		batchTime:  k.GRVBatchIntervalMin.Duration,
		lastWindow: time.Now(),
		throttles:  make(map[keyval.Tag]float64),
	}
	for pri := range g.rateInfos {
		g.rateInfos[pri] = NewTransactionRateInfo(k, k.MaxTransactionsToStart)
	}
	return g
}

// SetRate installs ratekeeper rates for a priority.
func (g *GRVProxy) SetRate(pri TransactionPriority, rate float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rateInfos[pri].SetRate(rate)
}

// SetTagThrottles installs per-tag throttle limits forwarded to clients.
func (g *GRVProxy) SetTagThrottles(t map[keyval.Tag]float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.throttles = t
}

// Stats snapshots the request counters.
func (g *GRVProxy) Stats() GRVStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Submit enqueues a GRV request. When the queue is saturated the newest
// request receives the degraded sentinel reply instead of blocking.
func (g *GRVProxy) Submit(req *GetReadVersionRequest) {
	g.mu.Lock()
	g.stats.RequestsIn++
	depth := g.stats.RequestsIn - g.stats.RequestsOut
	if depth > g.knobs.StartTransactionMaxQueueSize {
		g.stats.RequestsErrors++
		g.stats.RequestsOut++
		g.mu.Unlock()
		req.Reply <- GetReadVersionReply{Version: 1, Locked: true}
		return
	}
	g.queues[req.Priority] = append(g.queues[req.Priority], req)
	g.mu.Unlock()
}

// Run drains the queues on the dynamic batch timer until ctx is done.
func (g *GRVProxy) Run(ctx context.Context) error {
	for {
		g.mu.Lock()
		interval := g.batchTime
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		g.startWindow(ctx)
	}
}

func (g *GRVProxy) startWindow(ctx context.Context) {
	g.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(g.lastWindow)
	g.lastWindow = now

	for _, ri := range g.rateInfos {
		ri.StartReleaseWindow()
	}

	var dispatch []*GetReadVersionRequest
	started := [numPriorities]int64{}
	total := int64(0)

	batchRate := g.rateInfos[PriorityBatch].Rate()
	batchThrottled := batchRate <= 1.0/float64(g.numProxies)

	for _, pri := range []TransactionPriority{PriorityImmediate, PriorityDefault, PriorityBatch} {
		for len(g.queues[pri]) > 0 && total < g.knobs.StartTransactionMaxRequestsToStart {
			req := g.queues[pri][0]
			if pri == PriorityBatch && batchThrottled {
				g.queues[pri] = g.queues[pri][1:]
				g.stats.RequestsOut++
				g.stats.RequestsErrors++
				req.Reply <- GetReadVersionReply{Err: errors.WithStack(ErrBatchTransactionThrottled)}
				continue
			}
			if pri != PriorityImmediate && !g.rateInfos[pri].CanStart(started[pri], 1) {
				break
			}
			g.queues[pri] = g.queues[pri][1:]
			dispatch = append(dispatch, req)
			started[pri]++
			total++
		}
	}

	for pri, ri := range g.rateInfos {
		ri.EndReleaseWindow(started[pri], len(g.queues[pri]) == 0, elapsed)
	}
	g.stats.RequestsOut += int64(len(dispatch))
	g.mu.Unlock()

	if len(dispatch) == 0 {
		return
	}
	go g.replyBatch(ctx, dispatch)
}

// replyBatch fetches one live committed version for the whole start batch.
func (g *GRVProxy) replyBatch(ctx context.Context, batch []*GetReadVersionRequest) {
	begin := time.Now()

	causalRisky := true
	for _, req := range batch {
		if !req.CausalReadRisky {
			causalRisky = false
			break
		}
	}
	if !causalRisky {
		if err := g.logSystem.ConfirmEpochLive(ctx); err != nil {
			g.failBatch(batch, err)
			return
		}
	}

	rvr, err := g.master.GetLiveCommittedVersion(ctx)
	if err != nil {
		g.failBatch(batch, err)
		return
	}

	version := rvr.Version
	if local := g.proxy.CommittedVersion(); local > version {
		version = local
	}
	g.proxy.SetCommittedVersion(version)

	g.mu.Lock()
	depth := g.stats.RequestsIn - g.stats.RequestsOut
	throttles := g.throttles
	g.mu.Unlock()

	for _, req := range batch {
		reply := GetReadVersionReply{
			Version:          version,
			Locked:           rvr.Locked,
			MetadataVersion:  rvr.MetadataVersion,
			RequestsInFlight: depth,
		}
		if len(req.Tags) > 0 {
			reply.TagThrottleInfo = make(map[keyval.Tag]float64)
			for _, tag := range req.Tags {
				if rate, ok := throttles[tag]; ok {
					reply.TagThrottleInfo[tag] = rate
				}
			}
		}
		req.Reply <- reply
	}

	g.updateBatchTime(time.Since(begin))
}

func (g *GRVProxy) failBatch(batch []*GetReadVersionRequest, err error) {
	g.log.Warn("grv batch failed", slog.String("error", err.Error()))
	for _, req := range batch {
		req.Reply <- GetReadVersionReply{Err: err}
	}
}

// updateBatchTime follows a fraction of reply latency with an EMA, clamped
// to the configured bounds.
func (g *GRVProxy) updateBatchTime(latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	alpha := g.knobs.BatchIntervalSmootherAlpha
	target := float64(latency) * g.knobs.BatchIntervalLatencyFraction
	next := float64(g.batchTime)*(1-alpha) + target*alpha
	if max := float64(g.knobs.GRVBatchIntervalMax.Duration); next > max {
		next = max
	}
	if min := float64(g.knobs.GRVBatchIntervalMin.Duration); next < min {
		next = min
	}
	g.batchTime = time.Duration(next)
}
