// Package commit implements the commit proxy: admission and batching of
// client write transactions, commit version acquisition, conflict resolution
// dispatch, mutation tagging, log push, and replies. It also hosts the
// read-version (GRV) starter and the planner that splits oversized
// transactions across proxies.
package commit

import (
	"context"

	"github.com/google/uuid"

	"github.com/kelpiedb/kelpie/keyval"
)

// Flags on a commit transaction request.
type Flags uint32

const (
	// FlagFirstInBatch forces the request to open a new commit batch.
	FlagFirstInBatch Flags = 1 << iota
	// FlagLockAware lets the transaction commit while the database is locked.
	FlagLockAware
	// FlagReportConflictingKeys asks for the offending conflict ranges on
	// a conflict reply.
	FlagReportConflictingKeys
	// FlagMustContainSystemKey downgrades the transaction to a conflict
	// unless it mutates a key past the non-metadata system key space.
	FlagMustContainSystemKey
)

func (f Flags) Has(o Flags) bool { return f&o != 0 }

// CommitOutcome is a resolver's verdict on one transaction.
type CommitOutcome uint8

const (
	OutcomeConflict CommitOutcome = iota
	OutcomeCommitted
	OutcomeTooOld
)

// CommitCost estimates a transaction's per-tag write cost; the proxy
// aggregates it for tag throttling.
type CommitCost struct {
	OpsSum   int64
	CostsSum int64
}

// CommitResult is the single reply every transaction receives.
type CommitResult struct {
	// Version is the commit version; invalid unless Err is nil.
	Version       keyval.Version
	TxnBatchIndex uint16
	// MetadataVersion is the metadata version after this commit.
	MetadataVersion keyval.Version
	// ConflictingRanges holds indices into the request's read conflict
	// ranges when conflict reporting was requested.
	ConflictingRanges []int
	Err               error
}

// CommitTransactionRequest is a client-submitted write transaction.
type CommitTransactionRequest struct {
	Mutations           []keyval.Mutation
	ReadConflictRanges  []keyval.KeyRange
	WriteConflictRanges []keyval.KeyRange
	ReadSnapshot        keyval.Version
	Flags               Flags
	Split               *keyval.SplitTransaction
	CommitCost          *CommitCost
	Reply               chan CommitResult
}

// Bytes is the admission-accounting size of the request.
func (r *CommitTransactionRequest) Bytes() int {
	n := 0
	for _, m := range r.Mutations {
		n += m.ExpectedSize()
	}
	for _, cr := range r.ReadConflictRanges {
		n += len(cr.Begin) + len(cr.End)
	}
	for _, cr := range r.WriteConflictRanges {
		n += len(cr.Begin) + len(cr.End)
	}
	return n
}

// ValueBytes is the split-planner's balancing metric: mutation value sizes.
func (r *CommitTransactionRequest) ValueBytes() int {
	n := 0
	for _, m := range r.Mutations {
		n += len(m.Param2)
	}
	return n
}

func (r *CommitTransactionRequest) sendReply(res CommitResult) {
	if r.Reply != nil {
		r.Reply <- res
	}
}

// ResolverRange reassigns a key range to a resolver from a version onward.
type ResolverRange struct {
	Range    keyval.KeyRange
	Resolver int
}

// GetCommitVersionReply is the master's version grant for one batch.
type GetCommitVersionReply struct {
	Version                keyval.Version
	PrevVersion            keyval.Version
	ResolverChanges        []ResolverRange
	ResolverChangesVersion keyval.Version
	RequestNum             uint64
}

// ReadVersionReply answers a GRV request.
type ReadVersionReply struct {
	Version         keyval.Version
	Locked          bool
	MetadataVersion keyval.Version
	// TagThrottleInfo carries per-tag throttle limits filtered to the
	// tags the client asked about.
	TagThrottleInfo map[keyval.Tag]float64
}

// Master is the coordinated collaborator that issues commit versions.
// GetCommitVersion is strictly monotone; all proxies passing the same
// non-nil splitID receive the identical version.
type Master interface {
	GetCommitVersion(ctx context.Context, requestNum, lastProcessed uint64, proxyID uuid.UUID, splitID *uuid.UUID) (GetCommitVersionReply, error)
	GetLiveCommittedVersion(ctx context.Context) (ReadVersionReply, error)
	ReportLiveCommittedVersion(ctx context.Context, v keyval.Version, locked bool, metadataVersion keyval.Version) error
}

// ResolveTransaction is one transaction's slice of a resolver request:
// only the conflict ranges owned by that resolver are mirrored to it.
type ResolveTransaction struct {
	ReadConflictRanges  []keyval.KeyRange
	WriteConflictRanges []keyval.KeyRange
	ReadSnapshot        keyval.Version
	ReportConflictingKeys bool
	// ReadRangeIndex maps each mirrored read conflict range back to its
	// index in the client's request.
	ReadRangeIndex []int
}

// ResolveRequest is the batch sent to one resolver.
type ResolveRequest struct {
	PrevVersion  keyval.Version
	Version      keyval.Version
	Transactions []ResolveTransaction
	// StateMutations carries metadata mutations of this batch's
	// transactions to resolver zero for cross-proxy broadcast.
	StateMutations [][]keyval.Mutation
	Split          bool
}

// StateTxn is one prior metadata transaction rebroadcast by the resolvers.
type StateTxn struct {
	Committed bool
	Mutations []keyval.Mutation
}

// ResolveReply is a resolver's verdict batch.
type ResolveReply struct {
	Committed []CommitOutcome
	// StateMutations must agree in length across all resolvers for the
	// same batch.
	StateMutations []StateTxn
	// ConflictingRanges maps a transaction index to the read conflict
	// range indices (resolver-local) that failed it.
	ConflictingRanges map[int][]int
}

// Resolver detects read-write conflicts between transactions sharing an
// overlapping commit-version window.
type Resolver interface {
	Resolve(ctx context.Context, req *ResolveRequest) (*ResolveReply, error)
}

// LogSystem pushes tagged commit messages to the transaction logs.
// Push returns the version TXS tags may be popped to.
type LogSystem interface {
	Push(ctx context.Context, prev, version, knownCommitted, minKnownCommitted keyval.Version, messages []byte, split *keyval.SplitTransaction) (keyval.Version, error)
	Pop(ctx context.Context, v keyval.Version, tag keyval.Tag) error
	PopTxs(ctx context.Context, v keyval.Version) error
	ConfirmEpochLive(ctx context.Context) error
}
