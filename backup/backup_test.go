package backup

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/kelpiedb/kelpie/keyval"
)

var testPrefix = []byte("\xff\x02/blog/dest1/")

func TestBlockKeyLayout(t *testing.T) {
	key := BlockKey(testPrefix, 0x0102030405060708, 3)
	require.Equal(t, testPrefix, key[:len(testPrefix)])

	body := key[len(testPrefix)+1:]
	require.Equal(t, uint64(0x0102030405060708), binary.BigEndian.Uint64(body))
	require.Equal(t, uint32(3), binary.BigEndian.Uint32(body[8:]))

	v, part, ok := SplitBlockKey(testPrefix, key)
	require.True(t, ok)
	require.Equal(t, keyval.Version(0x0102030405060708), v)
	require.Equal(t, uint32(3), part)

	// The hash byte is deterministic per version.
	require.Equal(t, key[len(testPrefix)], BlockKey(testPrefix, 0x0102030405060708, 9)[len(testPrefix)])
}

func TestFrameAndReassemble(t *testing.T) {
	muts := []keyval.Mutation{
		keyval.Set([]byte("a"), make([]byte, 300)),
		keyval.Clear([]byte("b"), []byte("c")),
		keyval.Set([]byte("d"), make([]byte, 500)),
	}
	framed, err := FrameMutations(testPrefix, 42, muts, 256)
	require.NoError(t, err)
	require.Greater(t, len(framed), 1)

	var chunks [][]byte
	for i, fm := range framed {
		require.Equal(t, keyval.MutationSetValue, fm.Type)
		v, part, ok := SplitBlockKey(testPrefix, fm.Param1)
		require.True(t, ok)
		require.Equal(t, keyval.Version(42), v)
		require.Equal(t, uint32(i), part)
		require.LessOrEqual(t, len(fm.Param2), 256)
		chunks = append(chunks, fm.Param2)
	}

	got, err := ReassembleMutations(chunks)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, muts[1], got[1])
	require.Equal(t, len(muts[2].Param2), len(got[2].Param2))
}

type flakySink struct {
	failures int
	statuses []int
	puts     int
}

func (s *flakySink) Put(_ context.Context, _ string, _ []byte) error {
	s.puts++
	if s.puts <= s.failures {
		return &StatusError{Status: s.statuses[s.puts-1]}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRetryingSinkRetriesRetryableStatuses(t *testing.T) {
	inner := &flakySink{failures: 2, statuses: []int{503, 429}}
	s := NewRetryingSink(inner, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.Equal(t, 3, inner.puts)
}

func TestRetryingSinkFailsFastOnAuth(t *testing.T) {
	inner := &flakySink{failures: 5, statuses: []int{401, 401, 401, 401, 401}}
	s := NewRetryingSink(inner, testLogger())
	err := s.Put(context.Background(), "k", []byte("v"))
	require.ErrorIs(t, err, ErrHTTPAuthFailed)
	require.Equal(t, 1, inner.puts)
}

func TestRetryingSinkHonorsRetryAfter(t *testing.T) {
	inner := &retryAfterSink{}
	s := NewRetryingSink(inner, testLogger())
	start := time.Now()
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.Equal(t, 2, inner.puts)
}

type retryAfterSink struct {
	puts int
}

func (s *retryAfterSink) Put(_ context.Context, _ string, _ []byte) error {
	s.puts++
	if s.puts == 1 {
		return &StatusError{Status: 503, RetryAfter: 50 * time.Millisecond}
	}
	return nil
}

func TestStatusErrorClassification(t *testing.T) {
	require.NoError(t, (&StatusError{Status: 200}).Classify())
	require.ErrorIs(t, (&StatusError{Status: 401}).Classify(), ErrHTTPAuthFailed)
	require.ErrorIs(t, (&StatusError{Status: 406}).Classify(), ErrHTTPNotAccepted)
	require.ErrorIs(t, (&StatusError{Status: 500}).Classify(), ErrHTTPBadResponse)
	require.True(t, (&StatusError{Status: 502}).Retryable())
	require.False(t, (&StatusError{Status: 404}).Retryable())
	require.False(t, errors.Is(ErrHTTPBadResponse, ErrConnectionFailed))
}
