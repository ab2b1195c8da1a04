package commit

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
)

func plannerKnobs() *knobs.Knobs {
	k := knobs.Default()
	k.LargeTransactionCriteria = 1 // everything qualifies
	return k
}

func mutationsWithValueSizes(sizes ...int) []keyval.Mutation {
	muts := make([]keyval.Mutation, len(sizes))
	for i, s := range sizes {
		muts[i] = keyval.Set([]byte{byte(i)}, make([]byte, s))
	}
	return muts
}

func partLoads(parts []*CommitTransactionRequest) []int {
	loads := make([]int, len(parts))
	for i, p := range parts {
		loads[i] = p.ValueBytes()
	}
	sort.Sort(sort.Reverse(sort.IntSlice(loads)))
	return loads
}

func TestPlanLPTDistribution(t *testing.T) {
	kb := 1024
	req := &CommitTransactionRequest{
		Mutations:    mutationsWithValueSizes(100*kb, 90*kb, 80*kb, 70*kb, 60*kb, 50*kb, 40*kb, 30*kb, 20*kb, 10*kb),
		ReadSnapshot: 100,
		ReadConflictRanges: []keyval.KeyRange{
			{Begin: []byte("a"), End: []byte("b")},
		},
	}
	p := NewSplitPlanner(plannerKnobs(), rand.New(rand.NewSource(1)))
	parts, err := p.Plan(req, 3)
	require.NoError(t, err)
	require.Len(t, parts, 3)

	// LPT on [100,90,80,70,60,50,40,30,20,10]KB over three bins with
	// index tie-breaking.
	require.Equal(t, []int{190 * kb, 180 * kb, 180 * kb}, partLoads(parts))

	// Total value bytes are conserved, and the LPT bound holds:
	// max load <= 4/3 * OPT + max single value.
	total := 0
	for _, part := range parts {
		total += part.ValueBytes()
	}
	require.Equal(t, req.ValueBytes(), total)
	opt := float64(total) / 3
	require.LessOrEqual(t, float64(partLoads(parts)[0]), opt*4/3+float64(100*kb))

	seenIdx := map[uint16]bool{}
	conflictCarriers := 0
	for _, part := range parts {
		require.NotNil(t, part.Split)
		require.Equal(t, parts[0].Split.ID, part.Split.ID)
		require.Equal(t, uint16(3), part.Split.TotalParts)
		require.False(t, seenIdx[part.Split.PartIndex])
		seenIdx[part.Split.PartIndex] = true
		require.True(t, part.Flags.Has(FlagFirstInBatch))
		require.Equal(t, keyval.Version(100), part.ReadSnapshot)
		if len(part.ReadConflictRanges) > 0 {
			conflictCarriers++
		}
	}
	// ConflictsToOneProxy: exactly one part carries the conflict set.
	require.Equal(t, 1, conflictCarriers)
}

func TestPlanRoundRobinConflicts(t *testing.T) {
	k := plannerKnobs()
	k.TransactionSplitMode = knobs.ConflictsEvenlyDistribute
	req := &CommitTransactionRequest{
		Mutations: mutationsWithValueSizes(10, 20, 30),
		ReadConflictRanges: []keyval.KeyRange{
			{Begin: []byte("a"), End: []byte("b")},
			{Begin: []byte("c"), End: []byte("d")},
			{Begin: []byte("e"), End: []byte("f")},
		},
	}
	p := NewSplitPlanner(k, rand.New(rand.NewSource(1)))
	parts, err := p.Plan(req, 2)
	require.NoError(t, err)
	require.Len(t, parts[0].ReadConflictRanges, 2)
	require.Len(t, parts[1].ReadConflictRanges, 1)
}

func TestPlanEmptyConflictsIsNoOpUnderBothModes(t *testing.T) {
	for _, mode := range []knobs.SplitMode{knobs.ConflictsToOneProxy, knobs.ConflictsEvenlyDistribute} {
		k := plannerKnobs()
		k.TransactionSplitMode = mode
		p := NewSplitPlanner(k, rand.New(rand.NewSource(1)))
		parts, err := p.Plan(&CommitTransactionRequest{
			Mutations: mutationsWithValueSizes(5, 6),
		}, 2)
		require.NoError(t, err)
		for _, part := range parts {
			require.Empty(t, part.ReadConflictRanges)
			require.Empty(t, part.WriteConflictRanges)
		}
	}
}

func TestPlanPreconditions(t *testing.T) {
	p := NewSplitPlanner(plannerKnobs(), rand.New(rand.NewSource(1)))

	// A single proxy cannot host a split.
	_, err := p.Plan(&CommitTransactionRequest{Mutations: mutationsWithValueSizes(5, 6)}, 1)
	require.ErrorIs(t, err, ErrNotSplittable)

	// One mutation is not worth splitting.
	_, err = p.Plan(&CommitTransactionRequest{Mutations: mutationsWithValueSizes(5)}, 3)
	require.ErrorIs(t, err, ErrNotSplittable)

	// Below the size criteria.
	k := plannerKnobs()
	k.LargeTransactionCriteria = 1 << 20
	_, err = NewSplitPlanner(k, rand.New(rand.NewSource(1))).
		Plan(&CommitTransactionRequest{Mutations: mutationsWithValueSizes(5, 6)}, 3)
	require.ErrorIs(t, err, ErrNotSplittable)

	// Disabled splitting.
	k = plannerKnobs()
	k.TransactionSplitEnabled = false
	_, err = NewSplitPlanner(k, rand.New(rand.NewSource(1))).
		Plan(&CommitTransactionRequest{Mutations: mutationsWithValueSizes(5, 6)}, 3)
	require.ErrorIs(t, err, ErrNotSplittable)

	// An already-split part is never re-split.
	_, err = p.Plan(&CommitTransactionRequest{
		Mutations: mutationsWithValueSizes(5, 6),
		Split:     &keyval.SplitTransaction{TotalParts: 2},
	}, 3)
	require.ErrorIs(t, err, ErrNotSplittable)
}

func TestPlanCopiesMutations(t *testing.T) {
	req := &CommitTransactionRequest{Mutations: mutationsWithValueSizes(8, 9)}
	p := NewSplitPlanner(plannerKnobs(), rand.New(rand.NewSource(1)))
	parts, err := p.Plan(req, 2)
	require.NoError(t, err)

	// Mutating a part must not touch the original request.
	for _, part := range parts {
		for i := range part.Mutations {
			if len(part.Mutations[i].Param2) > 0 {
				part.Mutations[i].Param2[0] = 0xEE
			}
		}
	}
	for _, m := range req.Mutations {
		require.Equal(t, byte(0), m.Param2[0])
	}
}
