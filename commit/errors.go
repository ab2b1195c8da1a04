package commit

import "github.com/cockroachdb/errors"

var (
	// Client-visible commit outcomes.
	ErrNotCommitted              = errors.New("transaction not committed due to conflict")
	ErrTransactionTooOld         = errors.New("transaction is too old to perform reads or be committed")
	ErrBatchTransactionThrottled = errors.New("batch transaction throttled")
	ErrProxyMemoryLimitExceeded  = errors.New("commit proxy memory limit exceeded")

	// Transport / lifecycle.
	ErrBrokenPromise = errors.New("broken promise")
	ErrTxnStopped    = errors.New("transaction processing stopped")

	// Recovery-fatal.
	ErrMasterTLogFailed    = errors.New("master terminating because a tlog failed")
	ErrCoordinatorsChanged = errors.New("coordinators have changed")
)
