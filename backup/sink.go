package backup

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

var (
	ErrHTTPBadResponse  = errors.New("backup destination returned a bad response")
	ErrHTTPBadRequestID = errors.New("backup destination echoed a mismatched request id")
	ErrHTTPAuthFailed   = errors.New("backup destination authentication failed")
	ErrHTTPNotAccepted  = errors.New("backup destination did not accept the request")
	ErrConnectionFailed = errors.New("backup destination connection failed")
)

// StatusError carries an HTTP-level status from a sink, plus an optional
// server-requested retry delay.
type StatusError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return errors.Newf("backup sink status %d", e.Status).Error()
}

// Classify maps a status to the error taxonomy; ok statuses return nil.
func (e *StatusError) Classify() error {
	switch {
	case e.Status >= 200 && e.Status < 300:
		return nil
	case e.Status == 401:
		return errors.WithStack(ErrHTTPAuthFailed)
	case e.Status == 406:
		return errors.WithStack(ErrHTTPNotAccepted)
	default:
		return errors.WithStack(ErrHTTPBadResponse)
	}
}

// Retryable reports whether the request may be re-sent.
func (e *StatusError) Retryable() bool {
	switch e.Status {
	case 429, 500, 502, 503:
		return true
	}
	return false
}

// Sink stores one serialized backup block under a key.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) error
}

const maxRetryInterval = 60 * time.Second

// RetryingSink wraps a sink with capped exponential backoff. A server's
// Retry-After overrides the computed delay; non-retryable statuses fail
// immediately with their classified error.
type RetryingSink struct {
	inner Sink
	log   *slog.Logger
}

func NewRetryingSink(inner Sink, log *slog.Logger) *RetryingSink {
	return &RetryingSink{inner: inner, log: log}
}

var _ Sink = (*RetryingSink)(nil)

func (s *RetryingSink) Put(ctx context.Context, key string, body []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxRetryInterval
	bo.MaxElapsedTime = 0 // retry until ctx cancels
	bo.Reset()

	for {
		err := s.inner.Put(ctx, key, body)
		if err == nil {
			return nil
		}

		var st *StatusError
		retryable := errors.Is(err, ErrConnectionFailed)
		delay := bo.NextBackOff()
		if errors.As(err, &st) {
			if !st.Retryable() {
				return st.Classify()
			}
			retryable = true
			if st.RetryAfter > 0 {
				delay = st.RetryAfter
			}
		}
		if !retryable {
			return err
		}
		if delay == backoff.Stop {
			return err
		}
		if delay > maxRetryInterval {
			delay = maxRetryInterval
		}

		s.log.Warn("backup put retrying",
			slog.String("key", key),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
}
