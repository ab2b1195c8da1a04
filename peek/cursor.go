// Package peek implements the read-side cursors storage servers use to
// consume transaction logs in tag order.
package peek

import (
	"context"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kelpiedb/kelpie/keyval"
	"github.com/kelpiedb/kelpie/tlog"
)

// LogPeeker is one peekable log endpoint.
type LogPeeker interface {
	Peek(ctx context.Context, req *tlog.PeekRequest) (*tlog.PeekReply, error)
}

// Cursor is a single-consumer pull iterator over a tag's message stream.
// Get/Next operate on the locally buffered messages; once HasRemaining turns
// false, RemoteMoreAvailable refills the buffer, returning false when the
// remote side has nothing further.
type Cursor interface {
	HasRemaining() bool
	Get() keyval.TaggedMessage
	Next() error
	RemoteMoreAvailable(ctx context.Context) (bool, error)
	// Version is the version of the current message, or the next version
	// the cursor would fetch once the local buffer is drained.
	Version() (keyval.Version, keyval.Subsequence)
	// Popped reports the highest pop frontier observed, if any.
	Popped() keyval.Version
}

// ServerCursor peeks one team's tag from a set of equivalent log peers.
type ServerCursor struct {
	peers       []LogPeeker
	tag         keyval.Tag
	id          uuid.UUID
	seq         int
	begin       keyval.Version
	onlySpilled bool
	rng         *rand.Rand

	reader *keyval.StreamReader
	cur    *keyval.TaggedMessage
	popped keyval.Version
}

var _ Cursor = (*ServerCursor)(nil)

// NewServerCursor starts a cursor at begin. The rng picks the peer for each
// refill and is injectable for deterministic tests.
func NewServerCursor(peers []LogPeeker, tag keyval.Tag, begin keyval.Version, rng *rand.Rand) *ServerCursor {
	return &ServerCursor{
		peers:  peers,
		tag:    tag,
		id:     uuid.New(),
		begin:  begin,
		rng:    rng,
		popped: keyval.InvalidVersion,
	}
}

func (c *ServerCursor) HasRemaining() bool {
	return c.cur != nil
}

func (c *ServerCursor) Get() keyval.TaggedMessage {
	return *c.cur
}

func (c *ServerCursor) Next() error {
	if c.reader != nil && c.reader.HasMessage() {
		msg, err := c.reader.Next()
		if err != nil {
			return err
		}
		c.cur = &msg
		return nil
	}
	c.cur = nil
	return nil
}

// RemoteMoreAvailable fetches the next batch. It returns false when the log
// is caught up or a reply carries no messages without moving the cursor
// forward; an empty reply that does move it (for example past a pop) is
// followed at once by another peek. The caller polls again once it expects
// new commits.
func (c *ServerCursor) RemoteMoreAvailable(ctx context.Context) (bool, error) {
	if c.cur != nil {
		return true, nil
	}
	for {
		peer := c.peers[c.rng.Intn(len(c.peers))]
		reply, err := peer.Peek(ctx, &tlog.PeekRequest{
			Begin:           c.begin,
			Tag:             c.tag,
			ReturnIfBlocked: true,
			OnlySpilled:     c.onlySpilled,
			Sequence:        &tlog.PeekSequence{ID: c.id, No: c.seq},
		})
		if errors.Is(err, tlog.ErrEndOfStream) {
			c.seq++
			return false, nil
		}
		if err != nil {
			return false, err
		}
		c.seq++
		if reply.Popped.Valid() && reply.Popped > c.popped {
			c.popped = reply.Popped
		}
		advanced := reply.End > c.begin
		if advanced {
			c.begin = reply.End
		}
		c.onlySpilled = reply.OnlySpilled
		if len(reply.Messages) == 0 {
			if advanced {
				// Popped past or an empty window: resume from the new
				// frontier immediately.
				continue
			}
			return false, nil
		}
		c.reader = keyval.NewStreamReader(reply.Messages)
		if err := c.Next(); err != nil {
			return false, err
		}
		return c.cur != nil, nil
	}
}

func (c *ServerCursor) Version() (keyval.Version, keyval.Subsequence) {
	if c.cur != nil {
		return c.cur.Version, c.cur.Subsequence
	}
	return c.begin, 0
}

func (c *ServerCursor) Popped() keyval.Version {
	return c.popped
}

// AdvanceTo moves a cursor forward to the first message at or past the
// target, driving remote refills as needed. Positions already past the
// target are left alone.
func AdvanceTo(ctx context.Context, c Cursor, v keyval.Version, sub keyval.Subsequence) error {
	for {
		if c.HasRemaining() {
			cv, csub := c.Version()
			if cv > v || (cv == v && csub >= sub) {
				return nil
			}
			if err := c.Next(); err != nil {
				return err
			}
			continue
		}
		cv, _ := c.Version()
		if cv > v {
			return nil
		}
		more, err := c.RemoteMoreAvailable(ctx)
		if err != nil {
			return err
		}
		if !more {
			// The log has not produced the target version yet; the caller
			// retries once it expects more commits.
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
	}
}
