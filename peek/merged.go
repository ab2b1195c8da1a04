package peek

import (
	"container/heap"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kelpiedb/kelpie/keyval"
)

const maxParallelRefills = 16

type heapEntry struct {
	version keyval.Version
	sub     keyval.Subsequence
	idx     int // position in the child list, tie-breaker
}

type cursorHeap []heapEntry

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if h[i].version != h[j].version {
		return h[i].version < h[j].version
	}
	if h[i].sub != h[j].sub {
		return h[i].sub < h[j].sub
	}
	return h[i].idx < h[j].idx
}
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergedCursor k-way merges child cursors into one stream ordered by
// (version, subsequence). Children whose remotes are exhausted are dropped.
type MergedCursor struct {
	children []Cursor
	live     []bool
	h        cursorHeap
	popped   keyval.Version
}

var _ Cursor = (*MergedCursor)(nil)

func NewMergedCursor(children []Cursor) *MergedCursor {
	m := &MergedCursor{
		children: children,
		live:     make([]bool, len(children)),
		popped:   keyval.InvalidVersion,
	}
	for i := range children {
		m.live[i] = true
	}
	m.reseed()
	return m
}

// reseed rebuilds the heap from every live child that has a buffered message.
func (m *MergedCursor) reseed() {
	m.h = m.h[:0]
	for i, c := range m.children {
		if m.live[i] && c.HasRemaining() {
			v, sub := c.Version()
			m.h = append(m.h, heapEntry{version: v, sub: sub, idx: i})
		}
	}
	heap.Init(&m.h)
}

func (m *MergedCursor) HasRemaining() bool {
	return len(m.h) > 0
}

func (m *MergedCursor) Get() keyval.TaggedMessage {
	return m.children[m.h[0].idx].Get()
}

func (m *MergedCursor) Next() error {
	idx := m.h[0].idx
	child := m.children[idx]
	if err := child.Next(); err != nil {
		return err
	}
	if child.HasRemaining() {
		v, sub := child.Version()
		m.h[0] = heapEntry{version: v, sub: sub, idx: idx}
		heap.Fix(&m.h, 0)
		return nil
	}
	heap.Pop(&m.h)
	return nil
}

// RemoteMoreAvailable refills every locally exhausted child in parallel and
// reseeds the heap. A child whose remote reports no more data and that holds
// no buffered message is dropped from the merge and is not refilled again.
func (m *MergedCursor) RemoteMoreAvailable(ctx context.Context) (bool, error) {
	var g errgroup.Group
	g.SetLimit(maxParallelRefills)
	gctx := ctx

	var mu sync.Mutex
	for i, c := range m.children {
		if !m.live[i] || c.HasRemaining() {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			more, err := c.RemoteMoreAvailable(gctx)
			if err != nil {
				return err
			}
			if !more && !c.HasRemaining() {
				mu.Lock()
				m.live[i] = false
				mu.Unlock()
			}
			if p := c.Popped(); p.Valid() {
				mu.Lock()
				if p > m.popped {
					m.popped = p
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	m.reseed()
	return len(m.h) > 0, nil
}

func (m *MergedCursor) Version() (keyval.Version, keyval.Subsequence) {
	if len(m.h) > 0 {
		return m.h[0].version, m.h[0].sub
	}
	// Minimum next version across live children: nothing below it can
	// appear later.
	var minV keyval.Version = keyval.MaxVersion
	for i, c := range m.children {
		if !m.live[i] {
			continue
		}
		if v, _ := c.Version(); v < minV {
			minV = v
		}
	}
	if minV == keyval.MaxVersion {
		minV = 0
	}
	return minV, 0
}

func (m *MergedCursor) Popped() keyval.Version {
	return m.popped
}

// MergedServerTeamCursor merges one cursor per storage team and keeps a
// team-id index over the active children.
type MergedServerTeamCursor struct {
	*MergedCursor
	byTeam map[uint64]Cursor
}

func NewMergedServerTeamCursor(teams map[uint64]Cursor) *MergedServerTeamCursor {
	children := make([]Cursor, 0, len(teams))
	byTeam := make(map[uint64]Cursor, len(teams))
	for id, c := range teams {
		children = append(children, c)
		byTeam[id] = c
	}
	return &MergedServerTeamCursor{
		MergedCursor: NewMergedCursor(children),
		byTeam:       byTeam,
	}
}

// TeamCursor returns the child cursor serving a team, if still active.
func (m *MergedServerTeamCursor) TeamCursor(team uint64) (Cursor, bool) {
	c, ok := m.byTeam[team]
	if !ok {
		return nil, false
	}
	for i, child := range m.children {
		if child == c {
			if !m.live[i] {
				return nil, false
			}
			return c, true
		}
	}
	return nil, false
}

// RemoveTeam drops a team's cursor from the merge.
func (m *MergedServerTeamCursor) RemoveTeam(team uint64) {
	c, ok := m.byTeam[team]
	if !ok {
		return
	}
	delete(m.byTeam, team)
	for i, child := range m.children {
		if child == c {
			m.live[i] = false
		}
	}
	m.reseed()
}
