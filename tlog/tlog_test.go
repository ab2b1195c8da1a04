package tlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
)

var testTag = keyval.Tag{Locality: 0, ID: 1}

func testKnobs() *knobs.Knobs {
	k := knobs.Default()
	k.UpdateStorageInterval = knobs.NewDuration(time.Millisecond)
	k.SplitTransactionHistory = knobs.NewDuration(200 * time.Millisecond)
	return k
}

func startTestLog(t *testing.T, k *knobs.Knobs) (*TLog, DiskQueue, KVStore) {
	t.Helper()
	dq := NewMemDiskQueue()
	store := NewMemKVStore()
	tl := NewTLog(uuid.New(), k, store, dq)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tl, dq, store
}

func encodeMessages(t *testing.T, tag keyval.Tag, kvs ...string) []byte {
	t.Helper()
	require.Zero(t, len(kvs)%2)
	w := &keyval.MessageWriter{}
	for i := 0; i < len(kvs); i += 2 {
		w.Append([]Tag{tag}, keyval.Set([]byte(kvs[i]), []byte(kvs[i+1])))
	}
	return w.Bytes()
}

type Tag = keyval.Tag

func commitVersion(t *testing.T, tl *TLog, prev, v keyval.Version, msgs []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tl.Commit(ctx, &CommitRequest{
		PrevVersion:           prev,
		Version:               v,
		KnownCommittedVersion: prev,
		Messages:              msgs,
	})
	require.NoError(t, err)
}

func readAll(t *testing.T, reply *PeekReply) []keyval.TaggedMessage {
	t.Helper()
	r := keyval.NewStreamReader(reply.Messages)
	var out []keyval.TaggedMessage
	for r.HasMessage() {
		m, err := r.Next()
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestCommitThenPeekFromMemory(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	commitVersion(t, tl, 0, 105, encodeMessages(t, testTag, "k", "v"))

	require.Equal(t, keyval.Version(105), tl.Version())
	require.Equal(t, keyval.Version(105), tl.QueueCommittedVersion())

	reply, err := tl.Peek(context.Background(), &PeekRequest{Begin: 0, Tag: testTag})
	require.NoError(t, err)
	msgs := readAll(t, reply)
	require.Len(t, msgs, 1)
	require.Equal(t, keyval.Version(105), msgs[0].Version)
	require.Equal(t, keyval.Subsequence(1), msgs[0].Subsequence)
	m, err := msgs[0].Mutation()
	require.NoError(t, err)
	require.Equal(t, keyval.Set([]byte("k"), []byte("v")), m)
	require.Equal(t, keyval.Version(106), reply.End)
}

func TestDuplicateCommitIsIdempotent(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	msgs := encodeMessages(t, testTag, "k", "v")
	commitVersion(t, tl, 0, 10, msgs)
	before := tl.BytesInput()
	commitVersion(t, tl, 0, 10, msgs) // replay
	require.Equal(t, before, tl.BytesInput())

	reply, err := tl.Peek(context.Background(), &PeekRequest{Begin: 0, Tag: testTag})
	require.NoError(t, err)
	require.Len(t, readAll(t, reply), 1)
}

func TestPeekReturnIfBlocked(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	commitVersion(t, tl, 0, 5, encodeMessages(t, testTag, "k", "v"))
	_, err := tl.Peek(context.Background(), &PeekRequest{Begin: 100, Tag: testTag, ReturnIfBlocked: true})
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestPopHidesOldVersionsAndClamps(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	commitVersion(t, tl, 0, 10, encodeMessages(t, testTag, "a", "1"))
	commitVersion(t, tl, 10, 20, encodeMessages(t, testTag, "b", "2"))

	require.NoError(t, tl.Pop(context.Background(), testTag, 15))
	reply, err := tl.Peek(context.Background(), &PeekRequest{Begin: 5, Tag: testTag})
	require.NoError(t, err)
	require.Equal(t, keyval.Version(15), reply.Popped)
	require.Equal(t, keyval.Version(15), reply.End)

	reply, err = tl.Peek(context.Background(), &PeekRequest{Begin: 15, Tag: testTag})
	require.NoError(t, err)
	msgs := readAll(t, reply)
	require.Len(t, msgs, 1)
	require.Equal(t, keyval.Version(20), msgs[0].Version)

	// Pop beyond the accepted frontier clamps to it.
	require.NoError(t, tl.Pop(context.Background(), testTag, 10_000))
	require.Equal(t, keyval.Version(20), tl.PoppedVersion(testTag))
}

func TestDeferredPopsReplay(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	commitVersion(t, tl, 0, 10, encodeMessages(t, testTag, "a", "1"))

	tl.DisablePops(time.Minute)
	require.NoError(t, tl.Pop(context.Background(), testTag, 8))
	require.Equal(t, keyval.Version(0), tl.PoppedVersion(testTag))

	require.NoError(t, tl.EnablePops())
	require.Equal(t, keyval.Version(8), tl.PoppedVersion(testTag))
}

func TestSpillByReferenceAndPeekAcrossBoundary(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	var prev keyval.Version
	for v := keyval.Version(1); v <= 10; v++ {
		commitVersion(t, tl, prev, v, encodeMessages(t, testTag, "key", "value"))
		prev = v
	}
	require.NoError(t, tl.SpillNow(context.Background()))
	require.Equal(t, keyval.Version(10), tl.PersistentDataDurableVersion())

	for v := keyval.Version(11); v <= 15; v++ {
		commitVersion(t, tl, prev, v, encodeMessages(t, testTag, "key", "value"))
		prev = v
	}

	// Peek spans the spill boundary: [3..10] from spilled refs, [11..15]
	// from memory.
	reply, err := tl.Peek(context.Background(), &PeekRequest{Begin: 3, Tag: testTag})
	require.NoError(t, err)
	msgs := readAll(t, reply)
	require.Len(t, msgs, 13)
	for i, m := range msgs {
		require.Equal(t, keyval.Version(3+i), m.Version)
	}
	require.False(t, reply.OnlySpilled)
	require.Equal(t, keyval.Version(16), reply.End)
}

func TestSpillByValueTag(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	txs := keyval.TxsTag
	commitVersion(t, tl, 0, 7, encodeMessages(t, txs, "sys", "a"))
	commitVersion(t, tl, 7, 9, encodeMessages(t, txs, "sys", "b"))
	require.NoError(t, tl.SpillNow(context.Background()))

	reply, err := tl.Peek(context.Background(), &PeekRequest{Begin: 0, Tag: txs})
	require.NoError(t, err)
	msgs := readAll(t, reply)
	require.Len(t, msgs, 2)
	require.Equal(t, keyval.Version(7), msgs[0].Version)
	require.Equal(t, keyval.Version(9), msgs[1].Version)
}

func TestBytesDurableNeverExceedsInput(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	var prev keyval.Version
	for v := keyval.Version(1); v <= 20; v++ {
		commitVersion(t, tl, prev, v, encodeMessages(t, testTag, "key", "value"))
		prev = v
		require.LessOrEqual(t, tl.BytesDurable(), tl.BytesInput())
	}
	require.NoError(t, tl.SpillNow(context.Background()))
	require.LessOrEqual(t, tl.BytesDurable(), tl.BytesInput())
	require.Equal(t, tl.BytesDurable(), tl.BytesInput())

	require.LessOrEqual(t, tl.PersistentDataDurableVersion(), tl.PersistentDataVersion())
	require.LessOrEqual(t, tl.PersistentDataVersion(), tl.QueueCommittedVersion())
	require.LessOrEqual(t, tl.QueueCommittedVersion(), tl.Version())
}

func TestLockStopsCommits(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	commitVersion(t, tl, 0, 10, encodeMessages(t, testTag, "a", "1"))

	res, err := tl.Lock(context.Background())
	require.NoError(t, err)
	require.Equal(t, keyval.Version(10), res.End)

	_, err = tl.Commit(context.Background(), &CommitRequest{
		PrevVersion: 10, Version: 20,
		Messages: encodeMessages(t, testTag, "b", "2"),
	})
	require.ErrorIs(t, err, ErrTLogStopped)
}

func TestPeekSequenceOrderingAndObsolete(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	commitVersion(t, tl, 0, 10, encodeMessages(t, testTag, "a", "1"))
	commitVersion(t, tl, 10, 20, encodeMessages(t, testTag, "b", "2"))

	id := uuid.New()
	r0, err := tl.Peek(context.Background(), &PeekRequest{
		Begin: 0, Tag: testTag, Sequence: &PeekSequence{ID: id, No: 0},
	})
	require.NoError(t, err)
	require.Equal(t, keyval.Version(21), r0.End)

	// Sequence 1 takes its begin from sequence 0's end.
	commitVersion(t, tl, 20, 30, encodeMessages(t, testTag, "c", "3"))
	r1, err := tl.Peek(context.Background(), &PeekRequest{
		Begin: 999, Tag: testTag, Sequence: &PeekSequence{ID: id, No: 1},
	})
	require.NoError(t, err)
	msgs := readAll(t, r1)
	require.Len(t, msgs, 1)
	require.Equal(t, keyval.Version(30), msgs[0].Version)

	// A stale sequence number is rejected.
	_, err = tl.Peek(context.Background(), &PeekRequest{
		Begin: 0, Tag: testTag, Sequence: &PeekSequence{ID: id, No: 0},
	})
	require.ErrorIs(t, err, ErrOperationObsolete)
}

func TestSplitCommitMergesParts(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	id := uuid.New()

	part := func(idx uint16, msgs []byte) *CommitRequest {
		return &CommitRequest{
			PrevVersion: 0, Version: 777,
			KnownCommittedVersion: 0,
			Messages:              msgs,
			Split:                 &keyval.SplitTransaction{ID: id, TotalParts: 2, PartIndex: idx},
		}
	}

	errs := make(chan error, 1)
	go func() {
		_, err := tl.Commit(context.Background(), part(0, encodeMessages(t, testTag, "a", "1")))
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, keyval.Version(0), tl.Version()) // nothing until all parts arrive

	_, err := tl.Commit(context.Background(), part(1, encodeMessages(t, testTag, "b", "2")))
	require.NoError(t, err)
	require.NoError(t, <-errs)

	require.Equal(t, keyval.Version(777), tl.Version())
	reply, err := tl.Peek(context.Background(), &PeekRequest{Begin: 0, Tag: testTag})
	require.NoError(t, err)
	require.Len(t, readAll(t, reply), 2)
}

func TestSplitVersionMismatchIsFatal(t *testing.T) {
	tl, _, _ := startTestLog(t, testKnobs())
	id := uuid.New()

	go func() {
		_, _ = tl.Commit(context.Background(), &CommitRequest{
			PrevVersion: 0, Version: 777,
			Messages: encodeMessages(t, testTag, "a", "1"),
			Split:    &keyval.SplitTransaction{ID: id, TotalParts: 2, PartIndex: 0},
		})
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := tl.Commit(context.Background(), &CommitRequest{
		PrevVersion: 0, Version: 778, // disagrees
		Messages: encodeMessages(t, testTag, "b", "2"),
		Split:    &keyval.SplitTransaction{ID: id, TotalParts: 2, PartIndex: 1},
	})
	require.ErrorIs(t, err, ErrSplitVersionMismatch)
}

func TestSplitExpiresWithoutAllParts(t *testing.T) {
	k := testKnobs()
	k.SplitTransactionHistory = knobs.NewDuration(50 * time.Millisecond)
	tl, _, _ := startTestLog(t, k)

	_, err := tl.Commit(context.Background(), &CommitRequest{
		PrevVersion: 0, Version: 777,
		Messages: encodeMessages(t, testTag, "a", "1"),
		Split:    &keyval.SplitTransaction{ID: uuid.New(), TotalParts: 3, PartIndex: 0},
	})
	require.ErrorIs(t, err, ErrTimedOut)
}
