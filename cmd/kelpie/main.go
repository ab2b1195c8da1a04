// Command kelpie runs a single-process commit pipeline: an in-process
// master and resolver, one transaction log over a file-backed disk queue and
// a bbolt spill store, and one commit proxy. It commits a handful of
// transactions and peeks them back, which makes it a smoke test for the
// whole path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kelpiedb/kelpie/commit"
	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/knobs"
	"github.com/kelpiedb/kelpie/peek"
	"github.com/kelpiedb/kelpie/tlog"
)

var (
	dataDir   = flag.String("data_dir", "data/", "Durable state directory")
	knobsFile = flag.String("knobs", "", "Optional TOML knob overrides")
	numTxns   = flag.Int("txns", 5, "Transactions to commit in the demo")
)

// localMaster is the in-process stand-in for the coordinated master.
type localMaster struct {
	mu          sync.Mutex
	version     keyval.Version
	live        keyval.Version
	splitGrants map[uuid.UUID]commit.GetCommitVersionReply
	requests    uint64
}

func (m *localMaster) GetCommitVersion(_ context.Context, _, _ uint64, _ uuid.UUID, splitID *uuid.UUID) (commit.GetCommitVersionReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if splitID != nil {
		if grant, ok := m.splitGrants[*splitID]; ok {
			return grant, nil
		}
	}
	m.requests++
	reply := commit.GetCommitVersionReply{
		Version:     m.version + 1_000_000,
		PrevVersion: m.version,
		RequestNum:  m.requests,
	}
	m.version = reply.Version
	if splitID != nil {
		m.splitGrants[*splitID] = reply
	}
	return reply, nil
}

func (m *localMaster) GetLiveCommittedVersion(context.Context) (commit.ReadVersionReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return commit.ReadVersionReply{Version: m.live}, nil
}

func (m *localMaster) ReportLiveCommittedVersion(_ context.Context, v keyval.Version, _ bool, _ keyval.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.live {
		m.live = v
	}
	return nil
}

// localResolver commits everything; conflict detection is out of scope for
// the single-process demo.
type localResolver struct{}

func (localResolver) Resolve(_ context.Context, req *commit.ResolveRequest) (*commit.ResolveReply, error) {
	reply := &commit.ResolveReply{Committed: make([]commit.CommitOutcome, len(req.Transactions))}
	for i := range reply.Committed {
		reply.Committed[i] = commit.OutcomeCommitted
	}
	return reply, nil
}

// singleLogSystem pushes every batch to one TLog.
type singleLogSystem struct {
	log *tlog.TLog
}

func (l *singleLogSystem) Push(ctx context.Context, prev, version, kcv, minKCV keyval.Version, messages []byte, split *keyval.SplitTransaction) (keyval.Version, error) {
	reply, err := l.log.Commit(ctx, &tlog.CommitRequest{
		PrevVersion:              prev,
		Version:                  version,
		KnownCommittedVersion:    kcv,
		MinKnownCommittedVersion: minKCV,
		Messages:                 messages,
		Split:                    split,
	})
	if err != nil {
		return keyval.InvalidVersion, err
	}
	return reply.DurableKnownCommittedVersion, nil
}

func (l *singleLogSystem) Pop(ctx context.Context, v keyval.Version, tag keyval.Tag) error {
	return l.log.Pop(ctx, tag, v)
}

func (l *singleLogSystem) PopTxs(ctx context.Context, v keyval.Version) error {
	return l.log.Pop(ctx, keyval.TxsTag, v)
}

func (l *singleLogSystem) ConfirmEpochLive(context.Context) error { return nil }

func main() {
	flag.Parse()

	k := knobs.Default()
	if *knobsFile != "" {
		if err := k.LoadFile(*knobsFile); err != nil {
			log.Fatalf("failed to load knobs: %v", err)
		}
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{}))

	dq, err := tlog.OpenFileDiskQueue(filepath.Join(*dataDir, "diskqueue"), logger)
	if err != nil {
		log.Fatalf("failed to open disk queue: %v", err)
	}
	store, err := tlog.NewBoltStore(filepath.Join(*dataDir, "tlog.bolt"), tlog.WithBoltLogger(logger))
	if err != nil {
		log.Fatalf("failed to open spill store: %v", err)
	}

	team := keyval.Tag{Locality: 0, ID: 1}
	logServer := tlog.NewTLog(uuid.New(), k, store, dq, tlog.WithLogger(logger))
	master := &localMaster{splitGrants: map[uuid.UUID]commit.GetCommitVersionReply{}}
	logSystem := &singleLogSystem{log: logServer}

	proxy := commit.NewProxy(uuid.New(), k, master, []commit.Resolver{localResolver{}}, logSystem,
		commit.WithProxyLogger(logger),
		commit.WithKeyInfo(commit.NewTagRangeMap([]keyval.Tag{team})),
	)
	grv := commit.NewGRVProxy(k, logger, proxy, master, logSystem, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return logServer.Run(gctx) })
	g.Go(func() error { return proxy.Run(gctx) })
	g.Go(func() error { return grv.Run(gctx) })

	for i := 0; i < *numTxns; i++ {
		grvReply := make(chan commit.GetReadVersionReply, 1)
		grv.Submit(&commit.GetReadVersionRequest{Priority: commit.PriorityDefault, Reply: grvReply})
		rv := <-grvReply
		if rv.Err != nil {
			log.Fatalf("grv failed: %v", rv.Err)
		}

		reply := make(chan commit.CommitResult, 1)
		err := proxy.Submit(ctx, &commit.CommitTransactionRequest{
			Mutations: []keyval.Mutation{
				keyval.Set([]byte(fmt.Sprintf("demo/key%03d", i)), []byte(fmt.Sprintf("value%03d", i))),
			},
			ReadSnapshot: rv.Version,
			Reply:        reply,
		})
		if err != nil {
			log.Fatalf("submit failed: %v", err)
		}
		res := <-reply
		if res.Err != nil {
			log.Fatalf("commit failed: %v", res.Err)
		}
		logger.Info("committed", slog.Int("txn", i), slog.Int64("version", int64(res.Version)))
	}

	cursor := peek.NewServerCursor([]peek.LogPeeker{logServer}, team, 0, rand.New(rand.NewSource(1)))
	count := 0
	for {
		for cursor.HasRemaining() {
			msg := cursor.Get()
			m, err := msg.Mutation()
			if err != nil {
				log.Fatalf("bad message: %v", err)
			}
			logger.Info("peeked",
				slog.Int64("version", int64(msg.Version)),
				slog.String("key", string(m.Param1)),
				slog.String("value", string(m.Param2)),
			)
			count++
			if err := cursor.Next(); err != nil {
				log.Fatalf("cursor advance failed: %v", err)
			}
		}
		more, err := cursor.RemoteMoreAvailable(ctx)
		if err != nil {
			log.Fatalf("peek failed: %v", err)
		}
		if !more {
			break
		}
	}
	logger.Info("demo complete", slog.Int("committed", *numTxns), slog.Int("peeked", count))

	cancel()
	_ = g.Wait()
	_ = store.Close()
	_ = dq.Close()
}
