package tlog

import "github.com/cockroachdb/errors"

var (
	ErrTLogStopped          = errors.New("tlog stopped")
	ErrWorkerRemoved        = errors.New("worker removed")
	ErrEndOfStream          = errors.New("end of stream")
	ErrOperationObsolete    = errors.New("operation obsolete")
	ErrTimedOut             = errors.New("timed out")
	ErrSplitVersionMismatch = errors.New("split transaction parts disagree on version")
	ErrPeekMemoryExceeded   = errors.New("peek memory limit exceeded")
)
