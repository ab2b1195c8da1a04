package tlog

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// pebbleStore is an LSM-backed KVStore for spill-heavy logs where bbolt's
// single writer becomes the bottleneck.
type pebbleStore struct {
	mu    sync.Mutex
	db    *pebble.DB
	batch *pebble.Batch
	log   *slog.Logger
}

// PebbleStoreOption configures the store.
type PebbleStoreOption func(*pebbleStore)

func WithPebbleLogger(l *slog.Logger) PebbleStoreOption {
	return func(s *pebbleStore) {
		s.log = l
	}
}

func NewPebbleStore(dir string, opts ...PebbleStoreOption) (KVStore, error) {
	s := &pebbleStore{
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(s)
	}
	pebbleOpts := &pebble.Options{FS: vfs.Default}
	pebbleOpts.EnsureDefaults()
	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s.db = db
	s.batch = db.NewBatch()
	return s, nil
}

var _ KVStore = (*pebbleStore)(nil)

func (s *pebbleStore) Set(kv KV) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.batch.Set(kv.Key, kv.Value, nil)
}

func (s *pebbleStore) Clear(r KVRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.batch.DeleteRange(r.Begin, r.End, nil)
}

func (s *pebbleStore) ReadValue(_ context.Context, key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	out := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (s *pebbleStore) ReadRange(_ context.Context, r KVRange, rowLimit, byteLimit int) ([]KV, error) {
	iterOpts := &pebble.IterOptions{LowerBound: r.Begin}
	if len(r.End) > 0 {
		iterOpts.UpperBound = r.End
	}
	it, err := s.db.NewIter(iterOpts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []KV
	total := 0
	for valid := it.First(); valid; valid = it.Next() {
		v, err := it.ValueAndErr()
		if err != nil {
			_ = it.Close()
			return nil, errors.WithStack(err)
		}
		out = append(out, KV{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), v...),
		})
		total += len(it.Key()) + len(v)
		if rowLimit > 0 && len(out) >= rowLimit {
			break
		}
		if byteLimit > 0 && total >= byteLimit {
			break
		}
	}
	if err := it.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (s *pebbleStore) Commit(_ context.Context) error {
	s.mu.Lock()
	batch := s.batch
	s.batch = s.db.NewBatch()
	s.mu.Unlock()
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(batch.Close())
}

func (s *pebbleStore) GetStorageBytes() (int64, error) {
	m := s.db.Metrics()
	return int64(m.DiskSpaceUsage()), nil
}

func (s *pebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.batch.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.db.Close())
}
