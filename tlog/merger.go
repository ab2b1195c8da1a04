package tlog

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kelpiedb/kelpie/keyval"
)

// timedCache is a key/value cache whose entries expire a fixed time after
// insertion. Expired keys are swept on every access, so a split transaction
// that never completes is forgotten after the history window.
type timedCache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]V
	order   []timedCacheKey[K]
}

type timedCacheKey[K comparable] struct {
	at  time.Time
	key K
}

func newTimedCache[K comparable, V any](ttl time.Duration) *timedCache[K, V] {
	return &timedCache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]V),
	}
}

func (c *timedCache[K, V]) sweepLocked() {
	cutoff := c.now().Add(-c.ttl)
	for len(c.order) > 0 && c.order[0].at.Before(cutoff) {
		delete(c.entries, c.order[0].key)
		c.order = c.order[1:]
	}
}

func (c *timedCache[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	c.entries[key] = value
	c.order = append(c.order, timedCacheKey[K]{at: c.now(), key: key})
}

func (c *timedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	v, ok := c.entries[key]
	return v, ok
}

// GetOrAdd returns the existing entry or inserts the provided one.
func (c *timedCache[K, V]) GetOrAdd(key K, value V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	if v, ok := c.entries[key]; ok {
		return v
	}
	c.entries[key] = value
	c.order = append(c.order, timedCacheKey[K]{at: c.now(), key: key})
	return value
}

func (c *timedCache[K, V]) Erase(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// mergeParts is the accumulating state for one split transaction on this log.
type mergeParts struct {
	seen   []bool
	merged *CommitRequest
}

// partMerger reassembles split-transaction parts into one logical commit
// request. Insert reports true once all parts have arrived; partial state is
// dropped after the history window.
type partMerger struct {
	mu    sync.Mutex
	parts *timedCache[uuid.UUID, *mergeParts]
}

func newPartMerger(history time.Duration) *partMerger {
	return &partMerger{parts: newTimedCache[uuid.UUID, *mergeParts](history)}
}

// Insert merges one part. Parts must agree on prevVersion and version; the
// known committed versions take the pairwise max. Message payloads are
// concatenated in arrival order.
func (m *partMerger) Insert(split keyval.SplitTransaction, req *CommitRequest) (bool, *CommitRequest, error) {
	if split.TotalParts < 2 || split.PartIndex >= split.TotalParts {
		return false, nil, errors.Newf("malformed split part %d/%d", split.PartIndex, split.TotalParts)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.parts.Get(split.ID)
	if !ok {
		clone := *req
		clone.Messages = append([]byte(nil), req.Messages...)
		clone.Split = nil
		state = &mergeParts{
			seen:   make([]bool, split.TotalParts),
			merged: &clone,
		}
		state.seen[split.PartIndex] = true
		m.parts.Add(split.ID, state)
		return split.TotalParts == 1, state.merged, nil
	}

	if len(state.seen) != int(split.TotalParts) {
		return false, nil, errors.Newf("split %s part count changed: %d vs %d",
			split.ID, len(state.seen), split.TotalParts)
	}
	if !state.seen[split.PartIndex] {
		if req.PrevVersion != state.merged.PrevVersion || req.Version != state.merged.Version {
			return false, nil, errors.Wrapf(ErrSplitVersionMismatch,
				"split %s: (%d,%d) vs (%d,%d)", split.ID,
				req.PrevVersion, req.Version,
				state.merged.PrevVersion, state.merged.Version)
		}
		state.merged.KnownCommittedVersion =
			state.merged.KnownCommittedVersion.Max(req.KnownCommittedVersion)
		state.merged.MinKnownCommittedVersion =
			state.merged.MinKnownCommittedVersion.Max(req.MinKnownCommittedVersion)
		state.merged.Messages = append(state.merged.Messages, req.Messages...)
		state.seen[split.PartIndex] = true
	}

	for _, s := range state.seen {
		if !s {
			return false, nil, nil
		}
	}
	m.parts.Erase(split.ID)
	return true, state.merged, nil
}
