// Package tlog implements the transaction log: a durable, append-only
// per-generation log that indexes mutations by storage-team tag, spills cold
// data to a persistent kv store, and serves ordered peek cursors.
package tlog

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kelpiedb/kelpie/flowcontrol"
	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
)

// CommitRequest carries one commit version's messages from a commit proxy.
type CommitRequest struct {
	PrevVersion              keyval.Version
	Version                  keyval.Version
	KnownCommittedVersion    keyval.Version
	MinKnownCommittedVersion keyval.Version
	// Messages is the encoded tagged-message buffer (no version headers).
	Messages []byte
	Split    *keyval.SplitTransaction
}

// CommitReply acknowledges a durable commit.
type CommitReply struct {
	DurableKnownCommittedVersion keyval.Version
}

// LockResult is returned by Lock once the log has stopped and drained.
type LockResult struct {
	End                   keyval.Version
	KnownCommittedVersion keyval.Version
}

// tagEntry is one message indexed under a tag; raw aliases the commit's
// message block rather than copying it.
type tagEntry struct {
	version keyval.Version
	sub     keyval.Subsequence
	raw     []byte
	block   *messageBlock
}

type messageBlock struct {
	version keyval.Version
	data    []byte
	refs    int
}

type tagData struct {
	tag                      keyval.Tag
	popped                   keyval.Version
	persistentPopped         keyval.Version
	poppedLocation           DiskLoc
	versionForPoppedLocation keyval.Version
	nothingPersistent        bool
	poppedRecently           bool
	unpoppedRecovered        bool
	entries                  []tagEntry // ordered by (version, sub)
}

// firstEntryAtOrAfter binary-searches the per-tag deque.
func (td *tagData) firstEntryAtOrAfter(v keyval.Version) int {
	return sort.Search(len(td.entries), func(i int) bool {
		return td.entries[i].version >= v
	})
}

type splitOutcome struct {
	reply CommitReply
	err   error
}

type splitFanout struct {
	mu    sync.Mutex
	chans []chan splitOutcome
	done  bool
	out   splitOutcome
}

// TLog is one log instance (one generation on one log worker).
type TLog struct {
	id    uuid.UUID
	knobs *knobs.Knobs
	log   *slog.Logger
	store KVStore
	queue *PersistentQueue

	version               *flowcontrol.NotifiedVersion
	queueCommittedVersion *flowcontrol.NotifiedVersion

	// appendMu serializes the accept-index-push sequence of the commit
	// path; mu guards the shared state below.
	appendMu sync.Mutex

	mu                           sync.Mutex
	stopped                      bool
	stopC                        chan struct{}
	knownCommittedVersion        keyval.Version
	minKnownCommittedVersion     keyval.Version
	durableKnownCommittedVersion keyval.Version
	persistentDataVersion        keyval.Version
	persistentDataDurableVersion keyval.Version
	recoveredAt                  keyval.Version
	unpoppedRecoveredTags        int
	bytesInput                   int64
	bytesDurable                 int64
	tags                         map[keyval.Tag]*tagData
	versionLocation              *treemap.Map // int64 version -> [2]DiskLoc
	minPoppedTagVersion          keyval.Version

	ignorePopRequests bool
	ignorePopDeadline time.Time
	deferredPops      map[keyval.Tag]keyval.Version

	persistentDataCommitLock sync.Mutex

	peekMemLimiter *semaphore.Weighted
	logRouterReads *semaphore.Weighted

	merger  *partMerger
	fanouts *timedCache[uuid.UUID, *splitFanout]

	trackers   map[uuid.UUID]*peekTracker
	trackersMu sync.Mutex
}

// TLogOption configures a TLog.
type TLogOption func(*TLog)

func WithLogger(l *slog.Logger) TLogOption {
	return func(t *TLog) {
		t.log = l
	}
}

func NewTLog(id uuid.UUID, k *knobs.Knobs, store KVStore, dq DiskQueue, opts ...TLogOption) *TLog {
	t := &TLog{
		id:    id,
		knobs: k,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		store:                        store,
		queue:                        NewPersistentQueue(dq),
		version:                      flowcontrol.NewNotifiedVersion(0),
		queueCommittedVersion:        flowcontrol.NewNotifiedVersion(0),
		stopC:                        make(chan struct{}),
		knownCommittedVersion:        0,
		durableKnownCommittedVersion: 0,
		persistentDataVersion:        0,
		persistentDataDurableVersion: 0,
		tags:                         make(map[keyval.Tag]*tagData),
		versionLocation:              treemap.NewWith(utils.Int64Comparator),
		deferredPops:                 make(map[keyval.Tag]keyval.Version),
		peekMemLimiter:               semaphore.NewWeighted(k.PeekMemoryLimitBytes),
		logRouterReads:               semaphore.NewWeighted(k.ConcurrentLogRouterReads),
		merger:                       newPartMerger(k.SplitTransactionHistory.Duration),
		fanouts:                      newTimedCache[uuid.UUID, *splitFanout](k.SplitTransactionHistory.Duration),
		trackers:                     make(map[uuid.UUID]*peekTracker),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TLog) ID() uuid.UUID { return t.id }

// Version is the latest accepted version.
func (t *TLog) Version() keyval.Version {
	return keyval.Version(t.version.Get())
}

// QueueCommittedVersion is the latest version durable on the disk queue.
func (t *TLog) QueueCommittedVersion() keyval.Version {
	return keyval.Version(t.queueCommittedVersion.Get())
}

func (t *TLog) PersistentDataVersion() keyval.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistentDataVersion
}

func (t *TLog) PersistentDataDurableVersion() keyval.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistentDataDurableVersion
}

func (t *TLog) BytesInput() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesInput
}

func (t *TLog) BytesDurable() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesDurable
}

// PoppedVersion reports the pop frontier of a tag.
func (t *TLog) PoppedVersion(tag keyval.Tag) keyval.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	if td, ok := t.tags[tag]; ok {
		return td.popped
	}
	return 0
}

// spillByValue reports whether a tag's messages are copied into the kv store
// on spill rather than referenced in place on the disk queue.
func spillByValue(tag keyval.Tag) bool {
	return tag.Locality == keyval.TagLocalityTxs || tag == keyval.TxsTag
}

func (t *TLog) tagDataLocked(tag keyval.Tag) *tagData {
	td, ok := t.tags[tag]
	if !ok {
		td = &tagData{
			tag:               tag,
			nothingPersistent: true,
			poppedLocation:    InvalidDiskLoc,
		}
		t.tags[tag] = td
	}
	return td
}

// Run drives the background loops until ctx is cancelled: the queue-commit
// loop and the storage (spill) loop.
func (t *TLog) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.commitQueueLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		t.updateStorageLoop(ctx)
	}()
	<-ctx.Done()
	wg.Wait()
	return nil
}

// Commit appends one version. Split parts are buffered until all parts
// arrive; the completing part runs the merged commit and every part's caller
// receives the same reply.
func (t *TLog) Commit(ctx context.Context, req *CommitRequest) (CommitReply, error) {
	if req.Split != nil {
		return t.commitSplit(ctx, req)
	}
	return t.commit(ctx, req)
}

func (t *TLog) commitSplit(ctx context.Context, req *CommitRequest) (CommitReply, error) {
	split := *req.Split
	fan := t.fanouts.GetOrAdd(split.ID, &splitFanout{})

	complete, merged, err := t.merger.Insert(split, req)
	if err != nil {
		return CommitReply{}, err
	}
	if !complete {
		ch := make(chan splitOutcome, 1)
		fan.mu.Lock()
		if fan.done {
			out := fan.out
			fan.mu.Unlock()
			return out.reply, out.err
		}
		fan.chans = append(fan.chans, ch)
		fan.mu.Unlock()

		expire := time.NewTimer(t.knobs.SplitTransactionHistory.Duration)
		defer expire.Stop()
		select {
		case out := <-ch:
			return out.reply, out.err
		case <-expire.C:
			return CommitReply{}, errors.Wrapf(ErrTimedOut, "split %s incomplete", split.ID)
		case <-ctx.Done():
			return CommitReply{}, errors.WithStack(ctx.Err())
		}
	}

	reply, err := t.commit(ctx, merged)
	out := splitOutcome{reply: reply, err: err}
	fan.mu.Lock()
	fan.done = true
	fan.out = out
	chans := fan.chans
	fan.chans = nil
	fan.mu.Unlock()
	for _, ch := range chans {
		ch <- out
	}
	t.fanouts.Erase(split.ID)
	return reply, err
}

func (t *TLog) commit(ctx context.Context, req *CommitRequest) (CommitReply, error) {
	if err := t.version.WhenAtLeast(ctx, int64(req.PrevVersion)); err != nil {
		return CommitReply{}, err
	}

	// Backpressure: hold commits while the volatile window is over the hard
	// limit.
	for {
		t.mu.Lock()
		lag := t.bytesInput - t.bytesDurable
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return CommitReply{}, errors.WithStack(ErrTLogStopped)
		}
		if lag < t.knobs.TLogHardLimitBytes {
			break
		}
		t.log.Warn("tlog pushed ahead of durable bytes",
			slog.Int64("lagBytes", lag),
			slog.Int64("version", int64(req.Version)),
		)
		select {
		case <-time.After(t.knobs.TLogPushBackoff.Duration):
		case <-ctx.Done():
			return CommitReply{}, errors.WithStack(ctx.Err())
		}
	}

	if err := t.append(req); err != nil {
		return CommitReply{}, err
	}

	select {
	case <-t.queueCommittedVersion.Done(int64(req.Version)):
	case <-t.stopC:
		if keyval.Version(t.queueCommittedVersion.Get()) < req.Version {
			return CommitReply{}, errors.WithStack(ErrTLogStopped)
		}
	case <-ctx.Done():
		return CommitReply{}, errors.WithStack(ctx.Err())
	}

	t.mu.Lock()
	reply := CommitReply{DurableKnownCommittedVersion: t.durableKnownCommittedVersion}
	t.mu.Unlock()
	return reply, nil
}

// append indexes the request's messages and pushes the framed entry onto the
// persistent queue. A request whose prev no longer matches the accepted
// frontier is a replay of an already-committed version and must not
// double-append.
func (t *TLog) append(req *CommitRequest) error {
	t.appendMu.Lock()
	defer t.appendMu.Unlock()
	if keyval.Version(t.version.Get()) != req.PrevVersion {
		return nil
	}

	msgs, err := keyval.ParseCommitMessages(req.Version, req.Messages)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return errors.WithStack(ErrTLogStopped)
	}

	block := &messageBlock{version: req.Version, data: req.Messages}
	for _, msg := range msgs {
		for _, tag := range msg.Tags {
			td := t.tagDataLocked(tag)
			td.entries = append(td.entries, tagEntry{
				version: msg.Version,
				sub:     msg.Subsequence,
				raw:     msg.Raw,
				block:   block,
			})
			block.refs++
			t.bytesInput += int64(len(msg.Raw))
		}
	}

	if req.KnownCommittedVersion > t.knownCommittedVersion {
		t.knownCommittedVersion = req.KnownCommittedVersion
	}
	if req.MinKnownCommittedVersion > t.minKnownCommittedVersion {
		t.minKnownCommittedVersion = req.MinKnownCommittedVersion
	}
	t.mu.Unlock()

	start, end, err := t.queue.Push(&QueueEntry{
		ID:                    t.id,
		Version:               req.Version,
		KnownCommittedVersion: req.KnownCommittedVersion,
		Messages:              req.Messages,
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.versionLocation.Put(int64(req.Version), [2]DiskLoc{start, end})
	t.mu.Unlock()

	return t.version.Set(int64(req.Version))
}

// commitQueueLoop drives disk-queue commits whenever accepted versions are
// ahead of the queue-committed frontier.
func (t *TLog) commitQueueLoop(ctx context.Context) {
	for {
		qc := t.queueCommittedVersion.Get()
		if err := t.version.WhenAtLeast(ctx, qc+1); err != nil {
			return
		}
		if err := t.doQueueCommit(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Error("queue commit failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (t *TLog) doQueueCommit(ctx context.Context) error {
	v := t.version.Get()
	t.mu.Lock()
	kcv := t.knownCommittedVersion
	t.mu.Unlock()

	if err := t.queue.Commit(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	t.durableKnownCommittedVersion = kcv
	if t.unpoppedRecoveredTags == 0 && kcv >= t.recoveredAt && t.recoveredAt > 0 {
		t.recoveredAt = 0 // recovery complete
	}
	t.mu.Unlock()

	return t.queueCommittedVersion.Set(v)
}

// Pop advances a tag's durable read frontier; data below it may be
// discarded. Pseudo-locality tags must be translated by the log system
// before reaching the TLog.
func (t *TLog) Pop(_ context.Context, tag keyval.Tag, to keyval.Version) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ignorePopRequests && time.Now().Before(t.ignorePopDeadline) {
		if cur, ok := t.deferredPops[tag]; !ok || to > cur {
			t.deferredPops[tag] = to
		}
		return nil
	}
	return t.popLocked(tag, to)
}

func (t *TLog) popLocked(tag keyval.Tag, to keyval.Version) error {
	// Pop beyond the accepted frontier clamps to it.
	if v := keyval.Version(t.version.Get()); to > v {
		to = v
	}
	td := t.tagDataLocked(tag)
	if to <= td.popped {
		return nil
	}
	td.popped = to
	td.poppedRecently = true
	if td.unpoppedRecovered && to > t.recoveredAt {
		td.unpoppedRecovered = false
		t.unpoppedRecoveredTags--
	}
	if to > t.persistentDataDurableVersion {
		t.eraseTagEntriesLocked(td, to)
	}
	return nil
}

// eraseTagEntriesLocked drops in-memory entries with version < to.
func (t *TLog) eraseTagEntriesLocked(td *tagData, to keyval.Version) {
	cut := td.firstEntryAtOrAfter(to)
	for i := 0; i < cut; i++ {
		e := td.entries[i]
		e.block.refs--
		t.bytesDurable += int64(len(e.raw))
	}
	td.entries = td.entries[cut:]
}

// DisablePops defers pops until the deadline; used while recovery copies
// unpopped data between generations.
func (t *TLog) DisablePops(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ignorePopRequests = true
	t.ignorePopDeadline = time.Now().Add(d)
}

// EnablePops replays deferred pops and resumes normal operation.
func (t *TLog) EnablePops() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ignorePopRequests = false
	for tag, to := range t.deferredPops {
		if err := t.popLocked(tag, to); err != nil {
			return err
		}
	}
	t.deferredPops = make(map[keyval.Tag]keyval.Version)
	return nil
}

// Lock stops the log and reports its final frontier. Concurrent commits fail
// with ErrTLogStopped.
func (t *TLog) Lock(ctx context.Context) (LockResult, error) {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		close(t.stopC)
	}
	t.mu.Unlock()

	end := t.version.Get()
	if err := t.queueCommittedVersion.WhenAtLeast(ctx, end); err != nil {
		return LockResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return LockResult{
		End:                   keyval.Version(end),
		KnownCommittedVersion: t.knownCommittedVersion,
	}, nil
}

// Stopped reports whether the log has been locked.
func (t *TLog) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// peekMessagesFromMemoryLocked streams entries of a tag starting at begin
// into sw until the desired byte budget is reached. Returns the version after
// the last streamed message, or begin if nothing was streamed.
func (t *TLog) peekMessagesFromMemoryLocked(td *tagData, begin keyval.Version, sw *keyval.StreamWriter) keyval.Version {
	last := keyval.InvalidVersion
	for i := td.firstEntryAtOrAfter(begin); i < len(td.entries); i++ {
		e := td.entries[i]
		if sw.Len() >= t.knobs.DesiredTotalBytes && e.version != last {
			break
		}
		sw.WriteVersion(e.version)
		sw.WriteRaw(e.raw)
		last = e.version
	}
	if last == keyval.InvalidVersion {
		return begin
	}
	return last + 1
}
