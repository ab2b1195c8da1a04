package tlog

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"
)

var logBucket = []byte("log")

const boltFileMode = 0o666

// boltStore is a bbolt-backed KVStore. Staged mutations are applied in a
// single update transaction at Commit, which is bbolt's durability boundary.
type boltStore struct {
	mu      sync.Mutex
	db      *bbolt.DB
	log     *slog.Logger
	pending []kvOp
	closed  bool
}

// BoltStoreOption configures the store.
type BoltStoreOption func(*boltStore)

// WithBoltLogger sets a custom logger.
func WithBoltLogger(l *slog.Logger) BoltStoreOption {
	return func(s *boltStore) {
		s.log = l
	}
}

func NewBoltStore(path string, opts ...BoltStoreOption) (KVStore, error) {
	db, err := bbolt.Open(path, boltFileMode, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := &boltStore{
		db: db,
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	for _, opt := range opts {
		opt(s)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logBucket)
		return errors.WithStack(err)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var _ KVStore = (*boltStore)(nil)

func (s *boltStore) Set(kv KV) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, kvOp{kv: KV{
		Key:   append([]byte(nil), kv.Key...),
		Value: append([]byte(nil), kv.Value...),
	}})
}

func (s *boltStore) Clear(r KVRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, kvOp{clear: true, r: KVRange{
		Begin: append([]byte(nil), r.Begin...),
		End:   append([]byte(nil), r.End...),
	}})
}

func (s *boltStore) ReadValue(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(logBucket).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, errors.WithStack(err)
}

func (s *boltStore) ReadRange(_ context.Context, r KVRange, rowLimit, byteLimit int) ([]KV, error) {
	var out []KV
	total := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.Seek(r.Begin); k != nil; k, v = c.Next() {
			if len(r.End) > 0 && bytes.Compare(k, r.End) >= 0 {
				break
			}
			out = append(out, KV{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
			total += len(k) + len(v)
			if rowLimit > 0 && len(out) >= rowLimit {
				break
			}
			if byteLimit > 0 && total >= byteLimit {
				break
			}
		}
		return nil
	})
	return out, errors.WithStack(err)
}

func (s *boltStore) Commit(_ context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.WithStack(errStoreClosed)
	}
	if len(pending) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(logBucket)
		for _, op := range pending {
			if op.clear {
				c := b.Cursor()
				var doomed [][]byte
				for k, _ := c.Seek(op.r.Begin); k != nil; k, _ = c.Next() {
					if len(op.r.End) > 0 && bytes.Compare(k, op.r.End) >= 0 {
						break
					}
					doomed = append(doomed, append([]byte(nil), k...))
				}
				for _, k := range doomed {
					if err := b.Delete(k); err != nil {
						return errors.WithStack(err)
					}
				}
				continue
			}
			if err := b.Put(op.kv.Key, op.kv.Value); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (s *boltStore) GetStorageBytes() (int64, error) {
	var size int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size, errors.WithStack(err)
}

func (s *boltStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return errors.WithStack(s.db.Close())
}
