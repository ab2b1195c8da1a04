package commit

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kelpiedb/kelpie/backup"
	"github.com/kelpiedb/kelpie/flowcontrol"
	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
)

// BackupDest is one configured backup destination: mutations falling in its
// ranges are mirrored, framed, and logged under its key prefix.
type BackupDest struct {
	Prefix []byte
	Ranges []keyval.KeyRange
}

// Proxy is one commit proxy: it batches client transactions and drives each
// batch through the five-phase commit pipeline.
type Proxy struct {
	id        uuid.UUID
	knobs     *knobs.Knobs
	log       *slog.Logger
	master    Master
	resolvers []Resolver
	logSystem LogSystem

	keyInfo      *TagRangeMap
	keyResolvers *ResolverMap
	stateStore   *StateStore
	planner      *SplitPlanner
	backupDests  []BackupDest

	requests      chan *CommitTransactionRequest
	memBytes      atomic.Int64
	batchInterval atomic.Int64

	committedVersion *flowcontrol.NotifiedVersion
	latestResolved   *flowcontrol.NotifiedVersion // local batch numbers
	latestLogging    *flowcontrol.NotifiedVersion

	mu                  sync.Mutex
	requestNum          uint64
	mostRecentProcessed uint64
	metadataVersion     keyval.Version
	locked              bool
	firstBatchDone      bool
	lastCoalesce        time.Time
	lastCommitLatency   time.Duration
	commitCompute       []float64 // seconds per operation, by batch request count
	tagCommitCost       map[keyval.Tag]CommitCost

	batchNumber atomic.Int64
	fatalOnce   sync.Once
	fatalErr    error
	cancel      context.CancelFunc
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

func WithProxyLogger(l *slog.Logger) ProxyOption {
	return func(p *Proxy) { p.log = l }
}

// WithBackupDests enables backup mutation logging.
func WithBackupDests(dests []BackupDest) ProxyOption {
	return func(p *Proxy) { p.backupDests = dests }
}

// WithKeyInfo seeds the key -> tags routing map.
func WithKeyInfo(m *TagRangeMap) ProxyOption {
	return func(p *Proxy) { p.keyInfo = m }
}

// WithResolverRanges seeds the key -> resolver assignment.
func WithResolverRanges(ranges []ResolverRange) ProxyOption {
	return func(p *Proxy) { p.keyResolvers = NewResolverMap(ranges) }
}

func NewProxy(id uuid.UUID, k *knobs.Knobs, master Master, resolvers []Resolver, logSystem LogSystem, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		id:    id,
		knobs: k,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		master:           master,
		resolvers:        resolvers,
		logSystem:        logSystem,
		requests:         make(chan *CommitTransactionRequest, 128),
		committedVersion: flowcontrol.NewNotifiedVersion(0),
		latestResolved:   flowcontrol.NewNotifiedVersion(0),
		latestLogging:    flowcontrol.NewNotifiedVersion(0),
		commitCompute:    make([]float64, k.ProxyComputeBuckets),
		tagCommitCost:    make(map[keyval.Tag]CommitCost),
		lastCoalesce:     time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.keyInfo == nil {
		p.keyInfo = NewTagRangeMap([]keyval.Tag{{Locality: 0, ID: 0}})
	}
	if p.keyResolvers == nil {
		p.keyResolvers = NewResolverMap(nil)
	}
	p.stateStore = NewStateStore(p.log)
	p.planner = NewSplitPlanner(k, rand.New(rand.NewSource(time.Now().UnixNano())))
	p.batchInterval.Store(int64(k.CommitBatchInterval.Duration))
	return p
}

// Submit enqueues one transaction for commit.
func (p *Proxy) Submit(ctx context.Context, req *CommitTransactionRequest) error {
	select {
	case p.requests <- req:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// CommittedVersion is the highest version this proxy knows committed.
func (p *Proxy) CommittedVersion() keyval.Version {
	return keyval.Version(p.committedVersion.Get())
}

// SetCommittedVersion folds in a committed version learned elsewhere (a GRV
// reply or another proxy's report).
func (p *Proxy) SetCommittedVersion(v keyval.Version) {
	if int64(v) > p.committedVersion.Get() {
		_ = p.committedVersion.Set(int64(v))
	}
}

// TagCommitCosts drains the accumulated per-tag commit cost estimates.
func (p *Proxy) TagCommitCosts() map[keyval.Tag]CommitCost {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.tagCommitCost
	p.tagCommitCost = make(map[keyval.Tag]CommitCost)
	return out
}

// Run drives the batcher and dispatches batches through the pipeline until
// ctx is cancelled or a recovery-fatal error stops the proxy.
func (p *Proxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel = cancel

	batcher := NewBatcher(p.knobs, p.log, &p.memBytes, &p.batchInterval, p.requests)
	go batcher.Run(ctx)

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.mu.Lock()
			err := p.fatalErr
			p.mu.Unlock()
			return err
		case batch, ok := <-batcher.Batches():
			if !ok {
				wg.Wait()
				return nil
			}
			num := p.batchNumber.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := p.commitBatch(ctx, num, batch); err != nil {
					p.fatal(batch, err)
				}
			}()
		}
	}
}

// fatal fails every pending reply in the batch and stops the proxy.
func (p *Proxy) fatal(batch *Batch, err error) {
	for _, req := range batch.Requests {
		req.sendReply(CommitResult{Version: keyval.InvalidVersion, Err: errors.WithStack(ErrTxnStopped)})
	}
	p.fatalOnce.Do(func() {
		p.mu.Lock()
		p.fatalErr = err
		p.mu.Unlock()
		p.log.Error("commit proxy terminating", slog.String("error", err.Error()))
		if p.cancel != nil {
			p.cancel()
		}
	})
}

type pushResult struct {
	popTo keyval.Version
	err   error
}

type txnVerdict struct {
	outcome     CommitOutcome
	conflicting []int
}

func (p *Proxy) commitBatch(ctx context.Context, num int64, batch *Batch) error {
	start := time.Now()

	// --- Phase 1: pre-resolution ---------------------------------------
	if err := p.latestResolved.WhenAtLeast(ctx, num-1); err != nil {
		return err
	}

	var splitID *uuid.UUID
	var split *keyval.SplitTransaction
	if len(batch.Requests) == 1 && batch.Requests[0].Split != nil {
		split = batch.Requests[0].Split
		splitID = &split.ID
	}

	p.mu.Lock()
	p.requestNum++
	reqNum := p.requestNum
	lastProcessed := p.mostRecentProcessed
	p.mu.Unlock()

	gcv, err := p.master.GetCommitVersion(ctx, reqNum, lastProcessed, p.id, splitID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if gcv.RequestNum > p.mostRecentProcessed {
		p.mostRecentProcessed = gcv.RequestNum
	}
	p.mu.Unlock()
	for _, change := range gcv.ResolverChanges {
		p.keyResolvers.ApplyChange(gcv.ResolverChangesVersion, change.Range, change.Resolver)
	}

	if err := p.latestResolved.Set(num); err != nil {
		return err
	}

	commitVersion, prevVersion := gcv.Version, gcv.PrevVersion

	// --- Phase 2: resolution -------------------------------------------
	// Versionstamped mutations are patched before resolution so the
	// resolvers already see the final keys.
	for i, req := range batch.Requests {
		if err := p.patchVersionstamps(req, commitVersion, uint16(i)); err != nil {
			req.sendReply(CommitResult{Version: keyval.InvalidVersion, Err: err})
			batch.Requests[i] = nil
		}
	}

	resolveReqs, readIndex := p.buildResolveRequests(batch, prevVersion, commitVersion, split != nil)

	replies := make([]*ResolveReply, len(p.resolvers))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range p.resolvers {
		i, r := i, r
		g.Go(func() error {
			reply, err := r.Resolve(gctx, resolveReqs[i])
			if err != nil {
				return err
			}
			replies[i] = reply
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := 1; i < len(replies); i++ {
		if len(replies[i].StateMutations) != len(replies[0].StateMutations) {
			return errors.AssertionFailedf(
				"resolvers disagree on state mutation count: %d vs %d",
				len(replies[i].StateMutations), len(replies[0].StateMutations))
		}
	}

	// --- Phase 3: post-resolution (ordering lock) ----------------------
	if err := p.latestLogging.WhenAtLeast(ctx, num-1); err != nil {
		return err
	}

	// Metadata from other proxies' batches: apply only what every
	// resolver saw commit; the owning proxy logs it durably.
	for idx := range replies[0].StateMutations {
		committed := true
		for _, reply := range replies {
			if !reply.StateMutations[idx].Committed {
				committed = false
				break
			}
		}
		if committed {
			p.stateStore.Apply(commitVersion, replies[0].StateMutations[idx].Mutations)
		}
	}
	p.mu.Lock()
	first := !p.firstBatchDone
	p.firstBatchDone = true
	p.mu.Unlock()
	if first {
		p.stateStore.ResyncLog()
	}

	verdicts := p.determineCommitted(batch, replies, readIndex)

	// Apply this batch's metadata effects.
	for i, req := range batch.Requests {
		if req == nil || verdicts[i].outcome != OutcomeCommitted {
			continue
		}
		var meta []keyval.Mutation
		for _, m := range req.Mutations {
			if IsMetadataMutation(m) {
				meta = append(meta, m)
			}
		}
		if len(meta) > 0 {
			p.stateStore.Apply(commitVersion+1, meta)
		}
	}

	toCommit := &keyval.MessageWriter{}
	metadataVersionChanged := false
	for i, req := range batch.Requests {
		if req == nil || verdicts[i].outcome != OutcomeCommitted {
			continue
		}
		for _, m := range req.Mutations {
			p.appendTagged(toCommit, m)
			if m.Type == keyval.MutationSetValue && bytes.Equal(m.Param1, MetadataVersionKey) {
				metadataVersionChanged = true
			}
		}
	}
	if err := p.appendBackupMutations(batch, verdicts, commitVersion, toCommit); err != nil {
		return err
	}

	// MVCC window backpressure: never run more than the read-transaction
	// lifetime ahead of the committed frontier.
	minCommitted := commitVersion - keyval.Version(p.knobs.MaxReadTransactionLifeVersions)
	for keyval.Version(p.committedVersion.Get()) < minCommitted {
		select {
		case <-p.committedVersion.Done(int64(minCommitted)):
		case <-time.After(p.knobs.ProxySpinDelay.Duration):
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}

	loggingC := make(chan pushResult, 1)
	kcv := keyval.Version(p.committedVersion.Get())
	msgBytes := toCommit.Bytes()
	go func() {
		popTo, err := p.logSystem.Push(ctx, prevVersion, commitVersion, kcv, kcv, msgBytes, split)
		loggingC <- pushResult{popTo: popTo, err: err}
	}()

	computeDur := time.Since(start)
	if err := p.latestLogging.Set(num); err != nil {
		return err
	}
	p.recordCompute(batch, computeDur)

	// --- Phase 4: logging ----------------------------------------------
	var popTo keyval.Version = keyval.InvalidVersion
	select {
	case res := <-loggingC:
		if res.err != nil {
			if errors.Is(res.err, ErrBrokenPromise) {
				return errors.WithStack(ErrMasterTLogFailed)
			}
			return res.err
		}
		popTo = res.popTo
	case <-p.committedVersion.Done(int64(commitVersion) + 1):
		// Another proxy already drove the committed frontier past us.
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}

	p.mu.Lock()
	p.lastCommitLatency = time.Since(start)
	locked := p.locked
	p.mu.Unlock()

	if popTo.Valid() {
		if err := p.logSystem.PopTxs(ctx, popTo); err != nil {
			p.log.Warn("txs pop failed", slog.String("error", err.Error()))
		}
	}

	// --- Phase 5: reply ------------------------------------------------
	if metadataVersionChanged {
		p.mu.Lock()
		p.metadataVersion = commitVersion
		p.mu.Unlock()
	}
	p.mu.Lock()
	metadataVersion := p.metadataVersion
	p.mu.Unlock()

	if commitVersion > keyval.Version(p.committedVersion.Get()) {
		// Report before advancing so the master's committed version never
		// trails ours.
		if err := p.master.ReportLiveCommittedVersion(ctx, commitVersion, locked, metadataVersion); err != nil {
			return err
		}
		p.SetCommittedVersion(commitVersion)
	}

	for i, req := range batch.Requests {
		if req == nil {
			continue
		}
		switch {
		case verdicts[i].outcome == OutcomeCommitted && (!locked || req.Flags.Has(FlagLockAware)):
			req.sendReply(CommitResult{
				Version:         commitVersion,
				TxnBatchIndex:   uint16(i),
				MetadataVersion: metadataVersion,
			})
			p.aggregateCommitCost(req)
		case verdicts[i].outcome == OutcomeTooOld:
			req.sendReply(CommitResult{Version: keyval.InvalidVersion, Err: errors.WithStack(ErrTransactionTooOld)})
		case req.Flags.Has(FlagReportConflictingKeys):
			req.sendReply(CommitResult{
				Version:           keyval.InvalidVersion,
				ConflictingRanges: verdicts[i].conflicting,
				Err:               errors.WithStack(ErrNotCommitted),
			})
		default:
			req.sendReply(CommitResult{Version: keyval.InvalidVersion, Err: errors.WithStack(ErrNotCommitted)})
		}
	}

	p.mu.Lock()
	if time.Since(p.lastCoalesce) > p.knobs.ResolverCoalesceTime.Duration {
		p.lastCoalesce = time.Now()
		min := prevVersion - keyval.Version(p.knobs.MaxWriteTransactionLifeVersions)
		p.mu.Unlock()
		p.keyResolvers.Coalesce(min)
	} else {
		p.mu.Unlock()
	}

	p.updateBatchInterval(time.Since(start))
	p.memBytes.Add(-batch.Bytes)
	return nil
}

func (p *Proxy) patchVersionstamps(req *CommitTransactionRequest, v keyval.Version, batchIndex uint16) error {
	for i, m := range req.Mutations {
		switch m.Type {
		case keyval.MutationSetVersionstampedKey:
			key, err := keyval.PatchVersionstamp(m.Param1, v, batchIndex)
			if err != nil {
				return err
			}
			req.Mutations[i] = keyval.Set(key, m.Param2)
			req.WriteConflictRanges = append(req.WriteConflictRanges, keyval.KeyRange{
				Begin: key,
				End:   append(append([]byte(nil), key...), 0x00),
			})
		case keyval.MutationSetVersionstampedValue:
			value, err := keyval.PatchVersionstamp(m.Param2, v, batchIndex)
			if err != nil {
				return err
			}
			req.Mutations[i] = keyval.Set(m.Param1, value)
		}
	}
	return nil
}

// buildResolveRequests mirrors each transaction's conflict ranges to the
// resolvers owning them. readIndex[r][t] maps resolver r's mirrored read
// ranges of transaction t back to the client's indices.
func (p *Proxy) buildResolveRequests(batch *Batch, prev, version keyval.Version, split bool) ([]*ResolveRequest, [][][]int) {
	reqs := make([]*ResolveRequest, len(p.resolvers))
	readIndex := make([][][]int, len(p.resolvers))
	for r := range reqs {
		reqs[r] = &ResolveRequest{
			PrevVersion:  prev,
			Version:      version,
			Transactions: make([]ResolveTransaction, len(batch.Requests)),
			Split:        split,
		}
		readIndex[r] = make([][]int, len(batch.Requests))
	}

	for t, req := range batch.Requests {
		if req == nil {
			continue
		}
		for r := range reqs {
			reqs[r].Transactions[t].ReadSnapshot = req.ReadSnapshot
			reqs[r].Transactions[t].ReportConflictingKeys = req.Flags.Has(FlagReportConflictingKeys)
		}
		for ri, cr := range req.ReadConflictRanges {
			for _, r := range p.keyResolvers.ReadResolvers(cr) {
				tx := &reqs[r].Transactions[t]
				tx.ReadConflictRanges = append(tx.ReadConflictRanges, cr)
				tx.ReadRangeIndex = append(tx.ReadRangeIndex, ri)
				readIndex[r][t] = append(readIndex[r][t], ri)
			}
		}
		for _, cr := range req.WriteConflictRanges {
			for _, r := range p.keyResolvers.WriteResolvers(cr) {
				tx := &reqs[r].Transactions[t]
				tx.WriteConflictRanges = append(tx.WriteConflictRanges, cr)
			}
		}

		var meta []keyval.Mutation
		for _, m := range req.Mutations {
			if IsMetadataMutation(m) {
				meta = append(meta, m)
			}
		}
		if len(meta) > 0 && len(reqs) > 0 {
			for len(reqs[0].StateMutations) < t {
				reqs[0].StateMutations = append(reqs[0].StateMutations, nil)
			}
			reqs[0].StateMutations = append(reqs[0].StateMutations, meta)
		}
	}
	return reqs, readIndex
}

// determineCommitted folds the resolver verdicts: committed only if every
// resolver committed; too-old dominates conflict.
func (p *Proxy) determineCommitted(batch *Batch, replies []*ResolveReply, readIndex [][][]int) []txnVerdict {
	verdicts := make([]txnVerdict, len(batch.Requests))
	for t, req := range batch.Requests {
		if req == nil {
			continue
		}
		v := txnVerdict{outcome: OutcomeCommitted}
		for r, reply := range replies {
			outcome := OutcomeCommitted
			if t < len(reply.Committed) {
				outcome = reply.Committed[t]
			}
			switch outcome {
			case OutcomeTooOld:
				v.outcome = OutcomeTooOld
			case OutcomeConflict:
				if v.outcome != OutcomeTooOld {
					v.outcome = OutcomeConflict
				}
				if req.Flags.Has(FlagReportConflictingKeys) {
					for _, localIdx := range reply.ConflictingRanges[t] {
						if localIdx < len(readIndex[r][t]) {
							v.conflicting = append(v.conflicting, readIndex[r][t][localIdx])
						}
					}
				}
			}
		}
		// System-mutation gating.
		if v.outcome == OutcomeCommitted && req.Flags.Has(FlagMustContainSystemKey) {
			found := false
			for _, m := range req.Mutations {
				if bytes.Compare(m.Param1, NonMetadataSystemKeysEnd) > 0 {
					found = true
					break
				}
			}
			if !found {
				v.outcome = OutcomeConflict
			}
		}
		verdicts[t] = v
	}
	return verdicts
}

// appendTagged routes one mutation to its destination teams and appends it
// to the log-push buffer.
func (p *Proxy) appendTagged(w *keyval.MessageWriter, m keyval.Mutation) {
	if m.SingleKey() {
		tags, cached := p.keyInfo.TagsForKey(m.Param1)
		if cached {
			tags = append(append([]keyval.Tag(nil), tags...), keyval.CacheTag)
		}
		w.Append(tags, m)
		return
	}
	slices := p.keyInfo.Intersecting(keyval.KeyRange{Begin: m.Param1, End: m.Param2})
	if len(slices) == 1 {
		tags := slices[0].Tags
		if slices[0].Cached {
			tags = append(append([]keyval.Tag(nil), tags...), keyval.CacheTag)
		}
		w.Append(tags, m)
		return
	}
	var tags []keyval.Tag
	cached := false
	for _, s := range slices {
		tags = append(tags, s.Tags...)
		cached = cached || s.Cached
	}
	if cached {
		tags = append(tags, keyval.CacheTag)
	}
	w.Append(keyval.SortTags(tags), m)
}

// appendBackupMutations mirrors committed mutations intersecting configured
// backup ranges into framed, chunked backup keys routed like normal writes.
func (p *Proxy) appendBackupMutations(batch *Batch, verdicts []txnVerdict, version keyval.Version, w *keyval.MessageWriter) error {
	if len(p.backupDests) == 0 {
		return nil
	}
	perDest := make([][]keyval.Mutation, len(p.backupDests))
	for i, req := range batch.Requests {
		if req == nil || verdicts[i].outcome != OutcomeCommitted {
			continue
		}
		for _, m := range req.Mutations {
			inNormal := bytes.Compare(m.Param1, SystemKeysBegin) < 0 ||
				bytes.Equal(m.Param1, MetadataVersionKey)
			if !inNormal {
				continue
			}
			for d, dest := range p.backupDests {
				for _, r := range dest.Ranges {
					if m.Type == keyval.MutationClearRange {
						clipped := keyval.KeyRange{Begin: m.Param1, End: m.Param2}.Intersect(r)
						if !clipped.Empty() {
							perDest[d] = append(perDest[d], keyval.Clear(clipped.Begin, clipped.End))
						}
					} else if r.Contains(m.Param1) {
						perDest[d] = append(perDest[d], m)
						break
					}
				}
			}
		}
	}
	for d, muts := range perDest {
		if len(muts) == 0 {
			continue
		}
		framed, err := backup.FrameMutations(p.backupDests[d].Prefix, version, muts, p.knobs.MutationBlockSize)
		if err != nil {
			return err
		}
		for _, fm := range framed {
			tags, _ := p.keyInfo.TagsForKey(fm.Param1)
			w.Append(tags, fm)
		}
	}
	return nil
}

func (p *Proxy) aggregateCommitCost(req *CommitTransactionRequest) {
	if req.CommitCost == nil {
		return
	}
	seen := map[keyval.Tag]struct{}{}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range req.Mutations {
		if !m.SingleKey() {
			continue
		}
		tags, _ := p.keyInfo.TagsForKey(m.Param1)
		for _, tag := range tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			cost := p.tagCommitCost[tag]
			cost.OpsSum += req.CommitCost.OpsSum
			cost.CostsSum += req.CommitCost.CostsSum
			p.tagCommitCost[tag] = cost
		}
	}
}

// recordCompute feeds the moving average of per-operation compute cost. The
// bucket is the batch's request count, capped at the last bucket; it is not
// derived from the batch's latency.
func (p *Proxy) recordCompute(batch *Batch, d time.Duration) {
	ops := 0
	for _, req := range batch.Requests {
		if req != nil {
			ops += len(req.Mutations) + len(req.ReadConflictRanges) + len(req.WriteConflictRanges)
		}
	}
	if ops == 0 {
		return
	}
	bucket := len(batch.Requests)
	if bucket >= p.knobs.ProxyComputeBuckets {
		bucket = p.knobs.ProxyComputeBuckets - 1
	}
	perOp := d.Seconds() / float64(ops)
	g := p.knobs.ProxyComputeGrowthRate
	p.mu.Lock()
	p.commitCompute[bucket] = p.commitCompute[bucket]*(1-g) + perOp*g
	p.mu.Unlock()
}

// updateBatchInterval tracks a fraction of observed commit latency with an
// EMA, clamped to the configured window.
func (p *Proxy) updateBatchInterval(latency time.Duration) {
	alpha := p.knobs.BatchIntervalSmootherAlpha
	target := float64(latency) * p.knobs.BatchIntervalLatencyFraction
	cur := float64(p.batchInterval.Load())
	next := cur*(1-alpha) + target*alpha
	if max := float64(p.knobs.MaxCommitBatchInterval.Duration); next > max {
		next = max
	}
	if min := float64(p.knobs.MinCommitBatchInterval.Duration); next < min {
		next = min
	}
	p.batchInterval.Store(int64(next))
}

// Locked reports the database lock state as known by this proxy.
func (p *Proxy) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// SetLocked updates the lock state learned from the txn state store.
func (p *Proxy) SetLocked(locked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = locked
}

// StateStore exposes the txn state mirror.
func (p *Proxy) StateStore() *StateStore { return p.stateStore }

// Planner exposes the split planner for the request front-end.
func (p *Proxy) Planner() *SplitPlanner { return p.planner }
