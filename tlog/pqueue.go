package tlog

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kelpiedb/kelpie/keyval"
)

// protocolVersion is the envelope version of every queue record payload.
const protocolVersion uint64 = 0x0FDB00B071010001

const (
	queueRecordValid   byte = 1
	queueHeaderSize         = 4 // u32 payload length
	queueTrailerSize        = 1 // valid flag
	queueEntryFixedLen      = 8 + 16 + 8 + 8 + 4
)

// QueueEntry is one committed version's worth of messages as framed on the
// disk queue: u32 payloadLen || payload || u8 valid(=1). The payload opens
// with the protocol version.
type QueueEntry struct {
	ID                    uuid.UUID
	Version               keyval.Version
	KnownCommittedVersion keyval.Version
	Messages              []byte

	// Filled during recovery reads: the byte range the record occupies.
	StartLoc DiskLoc
	EndLoc   DiskLoc
}

func (e *QueueEntry) encode() []byte {
	payload := queueEntryFixedLen + len(e.Messages)
	b := make([]byte, 0, queueHeaderSize+payload+queueTrailerSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(payload))
	b = binary.LittleEndian.AppendUint64(b, protocolVersion)
	b = append(b, e.ID[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(e.Version))
	b = binary.LittleEndian.AppendUint64(b, uint64(e.KnownCommittedVersion))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Messages)))
	b = append(b, e.Messages...)
	b = append(b, queueRecordValid)
	return b
}

func decodeQueueEntry(payload []byte) (*QueueEntry, error) {
	if len(payload) < queueEntryFixedLen {
		return nil, errors.New("queue entry truncated")
	}
	pv := binary.LittleEndian.Uint64(payload)
	if pv != protocolVersion {
		return nil, errors.Newf("unsupported queue protocol version %#x", pv)
	}
	e := &QueueEntry{}
	copy(e.ID[:], payload[8:24])
	e.Version = keyval.Version(binary.LittleEndian.Uint64(payload[24:]))
	e.KnownCommittedVersion = keyval.Version(binary.LittleEndian.Uint64(payload[32:]))
	msgLen := binary.LittleEndian.Uint32(payload[40:])
	if int(msgLen) != len(payload)-queueEntryFixedLen {
		return nil, errors.Newf("queue entry message length mismatch: %d vs %d",
			msgLen, len(payload)-queueEntryFixedLen)
	}
	e.Messages = payload[queueEntryFixedLen:]
	return e, nil
}

// PersistentQueue frames QueueEntry records onto a DiskQueue and recovers the
// valid record prefix after a crash.
type PersistentQueue struct {
	dq DiskQueue

	// recovery read buffer; bufStart is the disk location of recBuf[0]
	recBuf   []byte
	bufStart DiskLoc
	recDone  bool
}

func NewPersistentQueue(dq DiskQueue) *PersistentQueue {
	return &PersistentQueue{dq: dq}
}

// Push frames and appends the entry, returning the byte range it occupies.
// Durability requires a later Commit.
func (q *PersistentQueue) Push(e *QueueEntry) (DiskLoc, DiskLoc, error) {
	start := q.dq.NextPushLocation()
	end, err := q.dq.Push(e.encode())
	if err != nil {
		return InvalidDiskLoc, InvalidDiskLoc, err
	}
	return start, end, nil
}

func (q *PersistentQueue) Commit(ctx context.Context) error {
	return q.dq.Commit(ctx)
}

// Pop releases queue bytes below loc.
func (q *PersistentQueue) Pop(loc DiskLoc) error {
	return q.dq.Pop(loc)
}

// InitializeRecovery seats the read cursor; records below min were already
// spilled and are skipped.
func (q *PersistentQueue) InitializeRecovery(min DiskLoc) (bool, error) {
	q.recBuf = nil
	q.recDone = false
	ok, err := q.dq.InitializeRecovery(min)
	if err != nil {
		return false, err
	}
	q.bufStart = q.dq.NextReadLocation()
	return ok, nil
}

const recoveryReadChunk = 1 << 20

// ReadNext returns the next fully valid record during recovery, or
// ErrEndOfStream once a torn record or the end of the committed prefix is
// reached. The disk queue zero-fills the abandoned tail on the next push.
func (q *PersistentQueue) ReadNext(_ context.Context) (*QueueEntry, error) {
	if q.recDone {
		return nil, errors.WithStack(ErrEndOfStream)
	}
	for {
		entry, ok, err := q.tryDecodeBuffered()
		if err != nil || ok {
			if q.recDone {
				if _, rerr := q.dq.InitializeRecovery(q.bufStart); rerr != nil && err == nil {
					err = rerr
				}
			}
			return entry, err
		}
		chunk, rerr := q.dq.ReadNext(recoveryReadChunk)
		if rerr != nil {
			return nil, rerr
		}
		if len(chunk) == 0 {
			q.recDone = true
			// Reseat the push cursor at the end of the valid prefix; the
			// next push zero-fills anything past it.
			if _, rerr := q.dq.InitializeRecovery(q.bufStart); rerr != nil {
				return nil, rerr
			}
			return nil, errors.WithStack(ErrEndOfStream)
		}
		q.recBuf = append(q.recBuf, chunk...)
	}
}

// tryDecodeBuffered attempts to slice one complete record out of recBuf.
// Returns ok=false when more bytes are needed. A zero or invalid record ends
// recovery.
func (q *PersistentQueue) tryDecodeBuffered() (*QueueEntry, bool, error) {
	if len(q.recBuf) < queueHeaderSize {
		return nil, false, nil
	}
	payloadLen := binary.LittleEndian.Uint32(q.recBuf)
	if payloadLen == 0 {
		// Zero-filled region: end of the valid prefix.
		q.recDone = true
		return nil, false, errors.WithStack(ErrEndOfStream)
	}
	total := queueHeaderSize + int(payloadLen) + queueTrailerSize
	if len(q.recBuf) < total {
		return nil, false, nil
	}
	if q.recBuf[total-1] != queueRecordValid {
		q.recDone = true
		return nil, false, errors.WithStack(ErrEndOfStream)
	}
	entry, err := decodeQueueEntry(q.recBuf[queueHeaderSize : total-queueTrailerSize])
	if err != nil {
		return nil, false, err
	}
	entry.StartLoc = q.bufStart
	entry.EndLoc = q.bufStart + DiskLoc(total)
	q.recBuf = q.recBuf[total:]
	q.bufStart = entry.EndLoc
	return entry, true, nil
}
