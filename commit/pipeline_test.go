package commit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
)

// fakeMaster grants versions in steps of five and shares versions across
// proxies passing the same split id.
type fakeMaster struct {
	mu           sync.Mutex
	version      keyval.Version
	splitGrants  map[uuid.UUID]GetCommitVersionReply
	liveVersion  keyval.Version
	locked       bool
	reported     []keyval.Version
	requestCount uint64
}

func newFakeMaster(start keyval.Version) *fakeMaster {
	return &fakeMaster{version: start, splitGrants: map[uuid.UUID]GetCommitVersionReply{}}
}

func (m *fakeMaster) GetCommitVersion(_ context.Context, _, _ uint64, _ uuid.UUID, splitID *uuid.UUID) (GetCommitVersionReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if splitID != nil {
		if grant, ok := m.splitGrants[*splitID]; ok {
			return grant, nil
		}
	}
	m.requestCount++
	reply := GetCommitVersionReply{
		Version:     m.version + 5,
		PrevVersion: m.version,
		RequestNum:  m.requestCount,
	}
	m.version += 5
	if splitID != nil {
		m.splitGrants[*splitID] = reply
	}
	return reply, nil
}

func (m *fakeMaster) GetLiveCommittedVersion(context.Context) (ReadVersionReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ReadVersionReply{Version: m.liveVersion, Locked: m.locked}, nil
}

func (m *fakeMaster) ReportLiveCommittedVersion(_ context.Context, v keyval.Version, _ bool, _ keyval.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported = append(m.reported, v)
	if v > m.liveVersion {
		m.liveVersion = v
	}
	return nil
}

// fakeResolver commits everything unless a conflict rule matches.
type fakeResolver struct {
	mu       sync.Mutex
	requests []*ResolveRequest
	// conflictSnapshotBelow fails any transaction whose read snapshot is
	// below the threshold.
	conflictSnapshotBelow keyval.Version
}

func (r *fakeResolver) Resolve(_ context.Context, req *ResolveRequest) (*ResolveReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	reply := &ResolveReply{
		Committed:         make([]CommitOutcome, len(req.Transactions)),
		ConflictingRanges: map[int][]int{},
	}
	for i, tx := range req.Transactions {
		if tx.ReadSnapshot < r.conflictSnapshotBelow && len(tx.ReadConflictRanges) > 0 {
			reply.Committed[i] = OutcomeConflict
			for idx := range tx.ReadConflictRanges {
				reply.ConflictingRanges[i] = append(reply.ConflictingRanges[i], idx)
			}
			continue
		}
		reply.Committed[i] = OutcomeCommitted
	}
	return reply, nil
}

// fakeLogSystem records pushed message buffers.
type fakeLogSystem struct {
	mu     sync.Mutex
	pushes []loggedPush
}

type loggedPush struct {
	prev, version keyval.Version
	messages      []byte
	split         *keyval.SplitTransaction
}

func (l *fakeLogSystem) Push(_ context.Context, prev, version, _, _ keyval.Version, messages []byte, split *keyval.SplitTransaction) (keyval.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushes = append(l.pushes, loggedPush{prev: prev, version: version, messages: messages, split: split})
	return version, nil
}

func (l *fakeLogSystem) Pop(context.Context, keyval.Version, keyval.Tag) error { return nil }
func (l *fakeLogSystem) PopTxs(context.Context, keyval.Version) error          { return nil }
func (l *fakeLogSystem) ConfirmEpochLive(context.Context) error                { return nil }

func (l *fakeLogSystem) pushed() []loggedPush {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]loggedPush(nil), l.pushes...)
}

func proxyKnobs() *knobs.Knobs {
	k := knobs.Default()
	k.CommitBatchInterval = knobs.NewDuration(time.Millisecond)
	k.MinCommitBatchInterval = knobs.NewDuration(time.Millisecond)
	k.MaxCommitBatchInterval = knobs.NewDuration(2 * time.Millisecond)
	return k
}

func startProxy(t *testing.T, k *knobs.Knobs, master Master, resolver Resolver, logSys LogSystem, opts ...ProxyOption) *Proxy {
	t.Helper()
	p := NewProxy(uuid.New(), k, master, []Resolver{resolver}, logSys, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func submitAndWait(t *testing.T, p *Proxy, req *CommitTransactionRequest) CommitResult {
	t.Helper()
	req.Reply = make(chan CommitResult, 1)
	require.NoError(t, p.Submit(context.Background(), req))
	select {
	case res := <-req.Reply:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no commit reply")
		return CommitResult{}
	}
}

func TestSmallCommitEndToEnd(t *testing.T) {
	master := newFakeMaster(100)
	resolver := &fakeResolver{}
	logSys := &fakeLogSystem{}
	team := keyval.Tag{Locality: 0, ID: 7}
	p := startProxy(t, proxyKnobs(), master, resolver, logSys,
		WithKeyInfo(NewTagRangeMap([]keyval.Tag{team})))

	res := submitAndWait(t, p, &CommitTransactionRequest{
		Mutations:    []keyval.Mutation{keyval.Set([]byte("k"), []byte("v"))},
		ReadSnapshot: 100,
	})
	require.NoError(t, res.Err)
	require.Equal(t, keyval.Version(105), res.Version)
	require.Equal(t, keyval.Version(105), p.CommittedVersion())
	require.Equal(t, []keyval.Version{105}, master.reported)

	pushes := logSys.pushed()
	require.Len(t, pushes, 1)
	require.Equal(t, keyval.Version(100), pushes[0].prev)
	require.Equal(t, keyval.Version(105), pushes[0].version)

	msgs, err := keyval.ParseCommitMessages(105, pushes[0].messages)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []keyval.Tag{team}, msgs[0].Tags)
	require.Equal(t, keyval.Subsequence(1), msgs[0].Subsequence)
	m, err := msgs[0].Mutation()
	require.NoError(t, err)
	require.Equal(t, keyval.Set([]byte("k"), []byte("v")), m)
}

func TestConflictReplyWithReportedRanges(t *testing.T) {
	master := newFakeMaster(100)
	resolver := &fakeResolver{conflictSnapshotBelow: 1000}
	p := startProxy(t, proxyKnobs(), master, resolver, &fakeLogSystem{})

	res := submitAndWait(t, p, &CommitTransactionRequest{
		Mutations:    []keyval.Mutation{keyval.Set([]byte("k"), []byte("v"))},
		ReadSnapshot: 50,
		Flags:        FlagReportConflictingKeys,
		ReadConflictRanges: []keyval.KeyRange{
			{Begin: []byte("k"), End: []byte("k\x00")},
		},
	})
	require.ErrorIs(t, res.Err, ErrNotCommitted)
	require.Equal(t, []int{0}, res.ConflictingRanges)
}

func TestEmptyBatchStillAdvancesVersions(t *testing.T) {
	master := newFakeMaster(100)
	p := startProxy(t, proxyKnobs(), master, &fakeResolver{}, &fakeLogSystem{})

	// A transaction with no mutations still pushes a version-only marker.
	res := submitAndWait(t, p, &CommitTransactionRequest{ReadSnapshot: 100})
	require.NoError(t, res.Err)
	require.Equal(t, keyval.Version(105), res.Version)
	require.Equal(t, keyval.Version(105), p.CommittedVersion())
}

func TestVersionstampedKeyPatching(t *testing.T) {
	master := newFakeMaster(100)
	logSys := &fakeLogSystem{}
	p := startProxy(t, proxyKnobs(), master, &fakeResolver{}, logSys)

	// "user" prefix + 10 zero bytes + LE offset 4 trailer.
	param := append([]byte("user"), make([]byte, 10)...)
	param = append(param, 4, 0, 0, 0)
	res := submitAndWait(t, p, &CommitTransactionRequest{
		Mutations: []keyval.Mutation{{
			Type:   keyval.MutationSetVersionstampedKey,
			Param1: param,
			Param2: []byte("v"),
		}},
		ReadSnapshot: 100,
	})
	require.NoError(t, res.Err)

	msgs, err := keyval.ParseCommitMessages(res.Version, logSys.pushed()[0].messages)
	require.NoError(t, err)
	m, err := msgs[0].Mutation()
	require.NoError(t, err)
	require.Equal(t, keyval.MutationSetValue, m.Type)
	require.Equal(t, []byte("user"), m.Param1[:4])
	// Stamp is big-endian commit version then batch index.
	require.Equal(t, byte(105), m.Param1[4+7])
}

func TestMetadataMutationsMirroredToStateStore(t *testing.T) {
	master := newFakeMaster(100)
	p := startProxy(t, proxyKnobs(), master, &fakeResolver{}, &fakeLogSystem{})

	key := append([]byte{}, SystemKeysBegin...)
	key = append(key, []byte("/conf/param")...)
	res := submitAndWait(t, p, &CommitTransactionRequest{
		Mutations:    []keyval.Mutation{keyval.Set(key, []byte("42"))},
		ReadSnapshot: 100,
		Flags:        FlagLockAware,
	})
	require.NoError(t, res.Err)

	v, ok := p.StateStore().ReadValue(key)
	require.True(t, ok)
	require.Equal(t, []byte("42"), v)
}

func TestMVCCWindowBackpressure(t *testing.T) {
	k := proxyKnobs()
	k.MaxReadTransactionLifeVersions = 10
	k.ProxySpinDelay = knobs.NewDuration(5 * time.Millisecond)
	master := newFakeMaster(100) // grants 105; window floor is 95
	p := startProxy(t, k, master, &fakeResolver{}, &fakeLogSystem{})

	req := &CommitTransactionRequest{
		Mutations:    []keyval.Mutation{keyval.Set([]byte("k"), []byte("v"))},
		ReadSnapshot: 100,
		Reply:        make(chan CommitResult, 1),
	}
	require.NoError(t, p.Submit(context.Background(), req))

	// committedVersion is 0, far below 105 - 10: phase three must block.
	select {
	case <-req.Reply:
		t.Fatal("commit finished inside the blocked MVCC window")
	case <-time.After(100 * time.Millisecond):
	}

	// A fresh committed version (e.g. from a GRV reply) releases it.
	p.SetCommittedVersion(95)
	select {
	case res := <-req.Reply:
		require.NoError(t, res.Err)
		require.Equal(t, keyval.Version(105), res.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("commit still blocked after window advanced")
	}
}

func TestBatchTooOldDominatesConflict(t *testing.T) {
	verdict := func(outcomes ...CommitOutcome) CommitOutcome {
		replies := make([]*ResolveReply, len(outcomes))
		for i, o := range outcomes {
			replies[i] = &ResolveReply{Committed: []CommitOutcome{o}}
		}
		p := &Proxy{knobs: knobs.Default()}
		batch := &Batch{Requests: []*CommitTransactionRequest{{}}}
		readIndex := make([][][]int, len(outcomes))
		for i := range readIndex {
			readIndex[i] = [][]int{{}}
		}
		return p.determineCommitted(batch, replies, readIndex)[0].outcome
	}

	require.Equal(t, OutcomeCommitted, verdict(OutcomeCommitted, OutcomeCommitted))
	require.Equal(t, OutcomeConflict, verdict(OutcomeCommitted, OutcomeConflict))
	require.Equal(t, OutcomeTooOld, verdict(OutcomeConflict, OutcomeTooOld))
	require.Equal(t, OutcomeTooOld, verdict(OutcomeTooOld, OutcomeConflict))
}

func TestSplitPartTravelsAloneWithSharedVersion(t *testing.T) {
	master := newFakeMaster(770)
	logSysA := &fakeLogSystem{}
	logSysB := &fakeLogSystem{}
	pA := startProxy(t, proxyKnobs(), master, &fakeResolver{}, logSysA)
	pB := startProxy(t, proxyKnobs(), master, &fakeResolver{}, logSysB)

	id := uuid.New()
	part := func(idx uint16) *CommitTransactionRequest {
		return &CommitTransactionRequest{
			Mutations:    []keyval.Mutation{keyval.Set([]byte{byte(idx)}, []byte("v"))},
			ReadSnapshot: 700,
			Flags:        FlagFirstInBatch,
			Split:        &keyval.SplitTransaction{ID: id, TotalParts: 2, PartIndex: idx},
		}
	}

	resA := submitAndWait(t, pA, part(0))
	resB := submitAndWait(t, pB, part(1))
	require.NoError(t, resA.Err)
	require.NoError(t, resB.Err)
	require.Equal(t, resA.Version, resB.Version)
	require.Equal(t, keyval.Version(775), resA.Version)

	require.NotNil(t, logSysA.pushed()[0].split)
	require.NotNil(t, logSysB.pushed()[0].split)
	require.Equal(t, id, logSysA.pushed()[0].split.ID)
}

func TestResolverMapRouting(t *testing.T) {
	m := NewResolverMap([]ResolverRange{
		{Range: keyval.KeyRange{Begin: []byte("m"), End: nil}, Resolver: 1},
	})

	require.Equal(t, []int{0}, m.ReadResolvers(keyval.KeyRange{Begin: []byte("a"), End: []byte("b")}))
	require.Equal(t, []int{1}, m.WriteResolvers(keyval.KeyRange{Begin: []byte("x"), End: []byte("y")}))
	require.Equal(t, []int{0, 1}, m.ReadResolvers(keyval.KeyRange{Begin: []byte("a"), End: []byte("z")}))

	// A later overlay adds history: reads see both owners, writes only the
	// newest.
	m.ApplyChange(50, keyval.KeyRange{Begin: []byte("x"), End: []byte("y")}, 0)
	require.Equal(t, []int{0, 1}, m.ReadResolvers(keyval.KeyRange{Begin: []byte("x"), End: []byte("x1")}))
	require.Equal(t, []int{0}, m.WriteResolvers(keyval.KeyRange{Begin: []byte("x"), End: []byte("x1")}))

	// Coalescing past the window forgets the old owner.
	m.Coalesce(100)
	require.Equal(t, []int{0}, m.ReadResolvers(keyval.KeyRange{Begin: []byte("x"), End: []byte("x1")}))
}

func TestTagRangeMapIntersection(t *testing.T) {
	tagA := keyval.Tag{Locality: 0, ID: 1}
	tagB := keyval.Tag{Locality: 0, ID: 2}
	m := NewTagRangeMap([]keyval.Tag{tagA})
	m.SetRange(keyval.KeyRange{Begin: []byte("m"), End: []byte("t")}, []keyval.Tag{tagB}, false)

	tags, _ := m.TagsForKey([]byte("a"))
	require.Equal(t, []keyval.Tag{tagA}, tags)
	tags, _ = m.TagsForKey([]byte("p"))
	require.Equal(t, []keyval.Tag{tagB}, tags)
	tags, _ = m.TagsForKey([]byte("z"))
	require.Equal(t, []keyval.Tag{tagA}, tags)

	slices := m.Intersecting(keyval.KeyRange{Begin: []byte("a"), End: []byte("z")})
	require.Len(t, slices, 3)
	require.Equal(t, []keyval.Tag{tagA}, slices[0].Tags)
	require.Equal(t, []keyval.Tag{tagB}, slices[1].Tags)
	require.Equal(t, []keyval.Tag{tagA}, slices[2].Tags)
}
