package commit

import (
	"container/heap"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
)

// SplitPlanner partitions an oversized transaction into one part per commit
// proxy so resolver and log work parallelize while the master still assigns a
// single shared commit version.
type SplitPlanner struct {
	knobs *knobs.Knobs
	rng   *rand.Rand
	newID func() uuid.UUID
}

func NewSplitPlanner(k *knobs.Knobs, rng *rand.Rand) *SplitPlanner {
	return &SplitPlanner{knobs: k, rng: rng, newID: uuid.New}
}

var ErrNotSplittable = errors.New("transaction does not qualify for splitting")

// ShouldSplit applies the planner preconditions.
func (p *SplitPlanner) ShouldSplit(req *CommitTransactionRequest, numProxies int) bool {
	return p.knobs.TransactionSplitEnabled &&
		numProxies >= 2 &&
		len(req.Mutations) >= 2 &&
		req.Split == nil &&
		req.ValueBytes() >= p.knobs.LargeTransactionCriteria
}

// mutation max-heap keyed by value size
type mutationHeap []keyval.Mutation

func (h mutationHeap) Len() int            { return len(h) }
func (h mutationHeap) Less(i, j int) bool  { return len(h[i].Param2) > len(h[j].Param2) }
func (h mutationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mutationHeap) Push(x interface{}) { *h = append(*h, x.(keyval.Mutation)) }
func (h *mutationHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

type partLoad struct {
	index int
	load  int
}

// part min-heap keyed by accumulated value size; index breaks ties so the
// assignment is deterministic.
type partHeap []partLoad

func (h partHeap) Len() int { return len(h) }
func (h partHeap) Less(i, j int) bool {
	if h[i].load != h[j].load {
		return h[i].load < h[j].load
	}
	return h[i].index < h[j].index
}
func (h partHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *partHeap) Push(x interface{}) { *h = append(*h, x.(partLoad)) }
func (h *partHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// Plan splits req into numProxies parts sharing a fresh split id. Mutations
// are distributed largest-value-first onto the least-loaded part (LPT);
// conflict ranges go to one uniformly chosen part or round-robin across
// parts depending on the split mode. Mutations are copied, not moved.
func (p *SplitPlanner) Plan(req *CommitTransactionRequest, numProxies int) ([]*CommitTransactionRequest, error) {
	if !p.ShouldSplit(req, numProxies) {
		return nil, errors.WithStack(ErrNotSplittable)
	}

	id := p.newID()
	parts := make([]*CommitTransactionRequest, numProxies)
	for i := range parts {
		parts[i] = &CommitTransactionRequest{
			ReadSnapshot: req.ReadSnapshot,
			Flags:        req.Flags | FlagFirstInBatch,
			Split: &keyval.SplitTransaction{
				ID:         id,
				TotalParts: uint16(numProxies),
				PartIndex:  uint16(i),
			},
			Reply: req.Reply,
		}
	}

	p.distributeConflicts(req, parts)

	muts := make(mutationHeap, len(req.Mutations))
	copy(muts, req.Mutations)
	heap.Init(&muts)

	loads := make(partHeap, numProxies)
	for i := range loads {
		loads[i] = partLoad{index: i}
	}
	heap.Init(&loads)

	for muts.Len() > 0 {
		m := heap.Pop(&muts).(keyval.Mutation)
		least := heap.Pop(&loads).(partLoad)
		dst := parts[least.index]
		dst.Mutations = append(dst.Mutations, keyval.Mutation{
			Type:   m.Type,
			Param1: append([]byte(nil), m.Param1...),
			Param2: append([]byte(nil), m.Param2...),
		})
		least.load += len(m.Param2)
		heap.Push(&loads, least)
	}

	return parts, nil
}

func (p *SplitPlanner) distributeConflicts(req *CommitTransactionRequest, parts []*CommitTransactionRequest) {
	// An empty conflict set distributes as a no-op under either mode.
	if len(req.ReadConflictRanges) == 0 && len(req.WriteConflictRanges) == 0 {
		return
	}
	switch p.knobs.TransactionSplitMode {
	case knobs.ConflictsToOneProxy:
		target := parts[p.rng.Intn(len(parts))]
		target.ReadConflictRanges = append([]keyval.KeyRange(nil), req.ReadConflictRanges...)
		target.WriteConflictRanges = append([]keyval.KeyRange(nil), req.WriteConflictRanges...)
	case knobs.ConflictsEvenlyDistribute:
		for i, r := range req.ReadConflictRanges {
			dst := parts[i%len(parts)]
			dst.ReadConflictRanges = append(dst.ReadConflictRanges, r)
		}
		for i, r := range req.WriteConflictRanges {
			dst := parts[i%len(parts)]
			dst.WriteConflictRanges = append(dst.WriteConflictRanges, r)
		}
	}
}
