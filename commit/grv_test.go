package commit

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
)

func grvKnobs() *knobs.Knobs {
	k := proxyKnobs()
	k.GRVBatchIntervalMin = knobs.NewDuration(time.Millisecond)
	k.GRVBatchIntervalMax = knobs.NewDuration(2 * time.Millisecond)
	return k
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newGRV(t *testing.T, k *knobs.Knobs, master *fakeMaster, numProxies int) (*GRVProxy, *Proxy) {
	t.Helper()
	proxy := NewProxy(uuid.New(), k, master, []Resolver{&fakeResolver{}}, &fakeLogSystem{})
	g := NewGRVProxy(k, testLogger(), proxy, master, &fakeLogSystem{}, numProxies)
	return g, proxy
}

func runGRV(t *testing.T, g *GRVProxy) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestGRVReturnsMaxOfLocalAndMaster(t *testing.T) {
	master := newFakeMaster(0)
	master.liveVersion = 400
	g, proxy := newGRV(t, grvKnobs(), master, 1)
	proxy.SetCommittedVersion(500)
	runGRV(t, g)

	req := &GetReadVersionRequest{Priority: PriorityDefault, Reply: make(chan GetReadVersionReply, 1)}
	g.Submit(req)
	reply := <-req.Reply
	require.NoError(t, reply.Err)
	require.Equal(t, keyval.Version(500), reply.Version)

	// The local committed frontier absorbed the max.
	require.Equal(t, keyval.Version(500), proxy.CommittedVersion())
}

func TestGRVQueueSaturationSentinel(t *testing.T) {
	k := grvKnobs()
	k.StartTransactionMaxQueueSize = 2
	master := newFakeMaster(0)
	g, _ := newGRV(t, k, master, 1)
	// Not running: the queue only fills.

	replies := make([]chan GetReadVersionReply, 4)
	for i := range replies {
		replies[i] = make(chan GetReadVersionReply, 1)
		g.Submit(&GetReadVersionRequest{Priority: PriorityDefault, Reply: replies[i]})
	}

	// The overflowing requests got the degraded sentinel, not an error.
	for i := 2; i < 4; i++ {
		reply := <-replies[i]
		require.NoError(t, reply.Err)
		require.Equal(t, keyval.Version(1), reply.Version)
		require.True(t, reply.Locked)
	}
	require.Equal(t, int64(2), g.Stats().RequestsErrors)

	// The queued requests drain normally once the starter runs.
	runGRV(t, g)
	for i := 0; i < 2; i++ {
		reply := <-replies[i]
		require.NoError(t, reply.Err)
	}
}

func TestGRVBatchPriorityThrottled(t *testing.T) {
	master := newFakeMaster(0)
	g, _ := newGRV(t, grvKnobs(), master, 4)
	g.SetRate(PriorityBatch, 0.1) // <= 1/numProxies
	runGRV(t, g)

	req := &GetReadVersionRequest{Priority: PriorityBatch, Reply: make(chan GetReadVersionReply, 1)}
	g.Submit(req)
	reply := <-req.Reply
	require.ErrorIs(t, reply.Err, ErrBatchTransactionThrottled)
}

func TestGRVPriorityOrdering(t *testing.T) {
	master := newFakeMaster(0)
	k := grvKnobs()
	g, _ := newGRV(t, k, master, 1)

	replies := make([]*GetReadVersionRequest, 0, 3)
	for _, pri := range []TransactionPriority{PriorityBatch, PriorityDefault, PriorityImmediate} {
		req := &GetReadVersionRequest{Priority: pri, Reply: make(chan GetReadVersionReply, 1)}
		replies = append(replies, req)
		g.Submit(req)
	}

	// One window serves every queued priority.
	g.startWindow(context.Background())
	for _, req := range replies {
		select {
		case r := <-req.Reply:
			require.NoError(t, r.Err)
		case <-time.After(5 * time.Second):
			t.Fatalf("priority %d not served", req.Priority)
		}
	}
}

func TestTagThrottleInfoFiltered(t *testing.T) {
	master := newFakeMaster(0)
	g, _ := newGRV(t, grvKnobs(), master, 1)
	hot := keyval.Tag{Locality: 0, ID: 9}
	cold := keyval.Tag{Locality: 0, ID: 10}
	g.SetTagThrottles(map[keyval.Tag]float64{hot: 12.5, cold: 99})
	runGRV(t, g)

	req := &GetReadVersionRequest{
		Priority: PriorityDefault,
		Tags:     []keyval.Tag{hot},
		Reply:    make(chan GetReadVersionReply, 1),
	}
	g.Submit(req)
	reply := <-req.Reply
	require.NoError(t, reply.Err)
	require.Equal(t, map[keyval.Tag]float64{hot: 12.5}, reply.TagThrottleInfo)
}

func TestTransactionRateInfoBudget(t *testing.T) {
	k := knobs.Default()
	k.MaxEmptyQueueBudget = 5
	ri := NewTransactionRateInfo(k, 100)

	ri.StartReleaseWindow()
	require.True(t, ri.CanStart(0, 1))
	require.True(t, ri.CanStart(0, 100))
	require.False(t, ri.CanStart(0, 200))
	require.False(t, ri.CanStart(90, 20))

	// Unspent allowance rolls into the budget but is capped when the
	// queue drained empty.
	ri.EndReleaseWindow(0, true, time.Second)
	require.LessOrEqual(t, ri.budget, 5.0)
	require.Positive(t, ri.budget)

	// Overspending drives the budget to zero, never negative.
	ri.StartReleaseWindow()
	ri.EndReleaseWindow(10_000, false, time.Second)
	require.Zero(t, ri.budget)
}
