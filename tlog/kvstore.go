package tlog

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
)

// KV is one key-value pair in a TLog's persistent store.
type KV struct {
	Key   []byte
	Value []byte
}

// KVStore is the durable store a TLog spills into. Set and Clear stage
// mutations; Commit makes everything staged durable atomically. Reads observe
// committed state only, which matches how the log uses the store: spill
// commits before any peek reads the spilled keys.
type KVStore interface {
	Set(kv KV)
	Clear(r KVRange)
	ReadValue(ctx context.Context, key []byte) ([]byte, error)
	// ReadRange returns pairs in [r.Begin, r.End) in key order, stopping
	// after rowLimit rows (0 = unlimited) or once byteLimit serialized
	// bytes are reached (0 = unlimited; the row that reaches the limit is
	// included).
	ReadRange(ctx context.Context, r KVRange, rowLimit, byteLimit int) ([]KV, error)
	Commit(ctx context.Context) error
	GetStorageBytes() (int64, error)
	Close() error
}

// KVRange is a half-open key interval in store key space.
type KVRange struct {
	Begin []byte
	End   []byte
}

type kvOp struct {
	clear bool
	kv    KV
	r     KVRange
}

// memKVStore keeps committed state in a treemap so range reads come back in
// key order. Used by tests.
type memKVStore struct {
	mu      sync.RWMutex
	tree    *treemap.Map // string key -> []byte value
	pending []kvOp
	bytes   int64
}

func byteKeyComparator(a, b interface{}) int {
	return bytes.Compare([]byte(a.(string)), []byte(b.(string)))
}

func NewMemKVStore() KVStore {
	return &memKVStore{tree: treemap.NewWith(byteKeyComparator)}
}

var _ KVStore = (*memKVStore)(nil)

func (s *memKVStore) Set(kv KV) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, kvOp{kv: KV{
		Key:   append([]byte(nil), kv.Key...),
		Value: append([]byte(nil), kv.Value...),
	}})
}

func (s *memKVStore) Clear(r KVRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, kvOp{clear: true, r: KVRange{
		Begin: append([]byte(nil), r.Begin...),
		End:   append([]byte(nil), r.End...),
	}})
}

func (s *memKVStore) ReadValue(_ context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tree.Get(string(key))
	if !ok {
		return nil, nil
	}
	return v.([]byte), nil
}

func (s *memKVStore) ReadRange(_ context.Context, r KVRange, rowLimit, byteLimit int) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []KV
	total := 0
	it := s.tree.Iterator()
	for it.Next() {
		k := []byte(it.Key().(string))
		if bytes.Compare(k, r.Begin) < 0 {
			continue
		}
		if len(r.End) > 0 && bytes.Compare(k, r.End) >= 0 {
			break
		}
		v := it.Value().([]byte)
		out = append(out, KV{Key: k, Value: v})
		total += len(k) + len(v)
		if rowLimit > 0 && len(out) >= rowLimit {
			break
		}
		if byteLimit > 0 && total >= byteLimit {
			break
		}
	}
	return out, nil
}

func (s *memKVStore) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.pending {
		if op.clear {
			var doomed []string
			it := s.tree.Iterator()
			for it.Next() {
				k := it.Key().(string)
				kb := []byte(k)
				if bytes.Compare(kb, op.r.Begin) >= 0 &&
					(len(op.r.End) == 0 || bytes.Compare(kb, op.r.End) < 0) {
					doomed = append(doomed, k)
				}
			}
			for _, k := range doomed {
				if v, ok := s.tree.Get(k); ok {
					s.bytes -= int64(len(k) + len(v.([]byte)))
				}
				s.tree.Remove(k)
			}
			continue
		}
		k := string(op.kv.Key)
		if old, ok := s.tree.Get(k); ok {
			s.bytes -= int64(len(k) + len(old.([]byte)))
		}
		s.tree.Put(k, op.kv.Value)
		s.bytes += int64(len(k) + len(op.kv.Value))
	}
	s.pending = nil
	return nil
}

func (s *memKVStore) GetStorageBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes, nil
}

func (s *memKVStore) Close() error { return nil }

var errStoreClosed = errors.New("kv store closed")
