package tlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// DiskLoc is a byte location in a disk queue's logical stream. Locations are
// stable across restarts and never reused within a generation.
type DiskLoc int64

const InvalidDiskLoc DiskLoc = -1

// DiskQueue is the durable byte stream under the transaction log. It
// guarantees atomic-prefix durability of pushed bytes at Commit boundaries;
// record framing on top is the persistent queue's job.
//
// After InitializeRecovery, ReadNext walks the committed prefix. The first
// Push after recovery discards (zero-fills) everything past the read cursor.
type DiskQueue interface {
	Push(b []byte) (DiskLoc, error)
	NextPushLocation() DiskLoc
	NextReadLocation() DiskLoc
	ReadNext(limit int) ([]byte, error)
	// Read returns committed bytes in [start, end).
	Read(start, end DiskLoc) ([]byte, error)
	Commit(ctx context.Context) error
	InitializeRecovery(min DiskLoc) (bool, error)
	// Pop releases all bytes below loc for reclamation.
	Pop(loc DiskLoc) error
	Close() error
}

// memDiskQueue is the in-process implementation used by tests.
// The logical stream lives in one buffer; base is the location of buf[0].
type memDiskQueue struct {
	mu         sync.Mutex
	base       DiskLoc
	buf        []byte
	committed  int
	readLoc    DiskLoc
	recovering bool
	popped     DiskLoc
}

func NewMemDiskQueue() DiskQueue {
	return &memDiskQueue{}
}

var _ DiskQueue = (*memDiskQueue)(nil)

func (q *memDiskQueue) Push(b []byte) (DiskLoc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.recovering {
		// Zero-fill recovery: abandon the torn tail past the read cursor.
		keep := int(q.readLoc - q.base)
		if keep < 0 || keep > len(q.buf) {
			return InvalidDiskLoc, errors.Newf("recovery cursor %d out of range", q.readLoc)
		}
		q.buf = q.buf[:keep]
		q.committed = keep
		q.recovering = false
	}
	q.buf = append(q.buf, b...)
	return q.base + DiskLoc(len(q.buf)), nil
}

func (q *memDiskQueue) NextPushLocation() DiskLoc {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.recovering {
		return q.readLoc
	}
	return q.base + DiskLoc(len(q.buf))
}

func (q *memDiskQueue) NextReadLocation() DiskLoc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLoc
}

func (q *memDiskQueue) ReadNext(limit int) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	start := int(q.readLoc - q.base)
	if start < 0 {
		return nil, errors.Newf("read location %d already popped", q.readLoc)
	}
	if start >= q.committed {
		return nil, nil
	}
	end := start + limit
	if end > q.committed {
		end = q.committed
	}
	out := make([]byte, end-start)
	copy(out, q.buf[start:end])
	q.readLoc = q.base + DiskLoc(end)
	return out, nil
}

func (q *memDiskQueue) Read(start, end DiskLoc) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if start < q.popped || end < start {
		return nil, errors.Newf("read [%d,%d) out of range", start, end)
	}
	s, e := int(start-q.base), int(end-q.base)
	if s < 0 || e > q.committed {
		return nil, errors.Newf("read [%d,%d) beyond committed bytes", start, end)
	}
	out := make([]byte, e-s)
	copy(out, q.buf[s:e])
	return out, nil
}

func (q *memDiskQueue) Commit(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committed = len(q.buf)
	return nil
}

func (q *memDiskQueue) InitializeRecovery(min DiskLoc) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if min < q.base {
		min = q.base
	}
	q.readLoc = min
	q.recovering = true
	return q.committed > int(min-q.base), nil
}

func (q *memDiskQueue) Pop(loc DiskLoc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if loc <= q.popped {
		return nil
	}
	if loc > q.base+DiskLoc(q.committed) {
		return errors.Newf("pop %d beyond committed bytes", loc)
	}
	drop := int(loc - q.base)
	q.buf = q.buf[drop:]
	q.base = loc
	q.committed -= drop
	q.popped = loc
	if q.readLoc < loc {
		q.readLoc = loc
	}
	return nil
}

func (q *memDiskQueue) Close() error { return nil }

// fileDiskQueue is a single append-only file. Popped space is not physically
// reclaimed, and the popped location is held in memory only: after a restart,
// reads start from the location given to InitializeRecovery.
type fileDiskQueue struct {
	mu         sync.Mutex
	f          *os.File
	log        *slog.Logger
	size       int64
	committed  int64
	readLoc    DiskLoc
	recovering bool
	popped     DiskLoc
}

const queueFilePerms = 0o644

func OpenFileDiskQueue(path string, log *slog.Logger) (DiskQueue, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, queueFilePerms)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.WithStack(err)
	}
	return &fileDiskQueue{
		f:         f,
		log:       log,
		size:      st.Size(),
		committed: st.Size(),
	}, nil
}

var _ DiskQueue = (*fileDiskQueue)(nil)

func (q *fileDiskQueue) Push(b []byte) (DiskLoc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.recovering {
		if err := q.zeroFillTail(); err != nil {
			return InvalidDiskLoc, err
		}
	}
	if _, err := q.f.WriteAt(b, q.size); err != nil {
		return InvalidDiskLoc, errors.WithStack(err)
	}
	q.size += int64(len(b))
	return DiskLoc(q.size), nil
}

// zeroFillTail overwrites everything past the recovery read cursor with
// zeros so a later sequential read stops there.
func (q *fileDiskQueue) zeroFillTail() error {
	tail := q.size - int64(q.readLoc)
	if tail > 0 {
		zeros := make([]byte, tail)
		if _, err := q.f.WriteAt(zeros, int64(q.readLoc)); err != nil {
			return errors.WithStack(err)
		}
		q.log.Warn("zero-filled torn disk queue tail",
			slog.Int64("at", int64(q.readLoc)),
			slog.Int64("bytes", tail),
		)
	}
	q.size = int64(q.readLoc)
	q.committed = q.size
	q.recovering = false
	return nil
}

func (q *fileDiskQueue) NextPushLocation() DiskLoc {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.recovering {
		return q.readLoc
	}
	return DiskLoc(q.size)
}

func (q *fileDiskQueue) NextReadLocation() DiskLoc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLoc
}

func (q *fileDiskQueue) ReadNext(limit int) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := q.committed - int64(q.readLoc)
	if remaining <= 0 {
		return nil, nil
	}
	if int64(limit) < remaining {
		remaining = int64(limit)
	}
	out := make([]byte, remaining)
	n, err := q.f.ReadAt(out, int64(q.readLoc))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.WithStack(err)
	}
	out = out[:n]
	q.readLoc += DiskLoc(n)
	return out, nil
}

func (q *fileDiskQueue) Read(start, end DiskLoc) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if start < q.popped || end < start || int64(end) > q.committed {
		return nil, errors.Newf("read [%d,%d) out of range", start, end)
	}
	out := make([]byte, end-start)
	if _, err := q.f.ReadAt(out, int64(start)); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (q *fileDiskQueue) Commit(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.f.Sync(); err != nil {
		return errors.WithStack(err)
	}
	q.committed = q.size
	return nil
}

func (q *fileDiskQueue) InitializeRecovery(min DiskLoc) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if min < 0 {
		min = 0
	}
	q.readLoc = min
	q.recovering = true
	return q.committed > int64(min), nil
}

func (q *fileDiskQueue) Pop(loc DiskLoc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if loc <= q.popped {
		return nil
	}
	if int64(loc) > q.committed {
		return errors.Newf("pop %d beyond committed bytes", loc)
	}
	q.popped = loc
	if q.readLoc < loc {
		q.readLoc = loc
	}
	return nil
}

func (q *fileDiskQueue) Close() error {
	return errors.WithStack(q.f.Close())
}
