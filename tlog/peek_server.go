package tlog

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/kelpiedb/kelpie/keyval"
)

// PeekRequest asks for messages of one tag from a version onward.
type PeekRequest struct {
	Begin           keyval.Version
	Tag             keyval.Tag
	ReturnIfBlocked bool
	// OnlySpilled continues a spilled read that hit the per-peek batch cap.
	OnlySpilled bool
	// Sequence, when set, serializes a cursor's peeks on the server.
	Sequence *PeekSequence
}

// PeekSequence orders the peeks of one cursor. No starts at zero; each reply
// seeds the begin version of the next sequence number.
type PeekSequence struct {
	ID uuid.UUID
	No int
}

// PeekReply carries serialized messages with version headers.
type PeekReply struct {
	Messages []byte
	// End is the version after the last one covered by this reply: the
	// begin version of the next peek.
	End keyval.Version
	// Popped is set when begin was below the tag's pop frontier.
	Popped                   keyval.Version
	MaxKnownVersion          keyval.Version
	MinKnownCommittedVersion keyval.Version
	Begin                    keyval.Version
	OnlySpilled              bool
}

type seqState struct {
	done        chan struct{}
	begin       keyval.Version
	onlySpilled bool
	err         error
}

type peekTracker struct {
	mu         sync.Mutex
	lastUpdate time.Time
	floor      int
	states     map[int]*seqState
}

// Peek serves one peek request, honoring sequence ordering when present.
func (t *TLog) Peek(ctx context.Context, req *PeekRequest) (*PeekReply, error) {
	begin, onlySpilled := req.Begin, req.OnlySpilled

	var tracker *peekTracker
	if req.Sequence != nil {
		var err error
		tracker, begin, onlySpilled, err = t.waitSequence(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	reply, err := t.serve(ctx, begin, req.Tag, onlySpilled, req.ReturnIfBlocked)

	if tracker != nil {
		tracker.mu.Lock()
		next, ok := tracker.states[req.Sequence.No+1]
		if !ok {
			next = &seqState{done: make(chan struct{})}
			tracker.states[req.Sequence.No+1] = next
		}
		select {
		case <-next.done:
			// already seeded by a retry
		default:
			switch {
			case err == nil:
				next.begin = reply.End
				next.onlySpilled = reply.OnlySpilled
			case errors.Is(err, ErrEndOfStream):
				// A blocked return-if-blocked peek consumes its sequence
				// number but leaves the cursor position unchanged.
				next.begin = begin
				next.onlySpilled = onlySpilled
			default:
				next.err = err
			}
			close(next.done)
		}
		if req.Sequence.No >= tracker.floor {
			tracker.floor = req.Sequence.No
		}
		tracker.mu.Unlock()
	}

	return reply, err
}

// waitSequence blocks until the prior sequence number has been served and
// returns the begin/onlySpilled it seeded.
func (t *TLog) waitSequence(ctx context.Context, req *PeekRequest) (*peekTracker, keyval.Version, bool, error) {
	seq := req.Sequence
	now := time.Now()

	t.trackersMu.Lock()
	tracker, ok := t.trackers[seq.ID]
	if ok && now.Sub(tracker.lastUpdate) > t.knobs.PeekTrackerExpiration.Duration {
		// Expired tracker: drop its state; in-flight waiters fail below.
		tracker.mu.Lock()
		for _, st := range tracker.states {
			select {
			case <-st.done:
			default:
				st.err = errors.WithStack(ErrTimedOut)
				close(st.done)
			}
		}
		tracker.mu.Unlock()
		ok = false
	}
	if !ok {
		tracker = &peekTracker{states: make(map[int]*seqState)}
		st := &seqState{done: make(chan struct{}), begin: req.Begin, onlySpilled: req.OnlySpilled}
		close(st.done)
		tracker.states[seq.No] = st
		t.trackers[seq.ID] = tracker
	}
	tracker.lastUpdate = now
	t.trackersMu.Unlock()

	tracker.mu.Lock()
	if seq.No < tracker.floor || seq.No > tracker.floor+t.knobs.ParallelGetMoreRequests {
		tracker.mu.Unlock()
		return nil, 0, false, errors.WithStack(ErrOperationObsolete)
	}
	st, ok := tracker.states[seq.No]
	if !ok {
		st = &seqState{done: make(chan struct{})}
		tracker.states[seq.No] = st
	}
	tracker.mu.Unlock()

	expire := time.NewTimer(t.knobs.PeekTrackerExpiration.Duration)
	defer expire.Stop()
	select {
	case <-st.done:
	case <-expire.C:
		return nil, 0, false, errors.WithStack(ErrTimedOut)
	case <-ctx.Done():
		return nil, 0, false, errors.WithStack(ctx.Err())
	}
	if st.err != nil {
		return nil, 0, false, st.err
	}
	return tracker, st.begin, st.onlySpilled, nil
}

func (t *TLog) serve(ctx context.Context, begin keyval.Version, tag keyval.Tag, onlySpilled, returnIfBlocked bool) (*PeekReply, error) {
	if returnIfBlocked && keyval.Version(t.version.Get()) < begin {
		return nil, errors.WithStack(ErrEndOfStream)
	}
	if err := t.version.WhenAtLeast(ctx, int64(begin)); err != nil {
		return nil, err
	}

	// Log-router peeks expand spilled data aggressively; bound their
	// concurrency so they cannot starve commits.
	if tag.Locality == keyval.TagLocalityLogRouter {
		if err := t.logRouterReads.Acquire(ctx, 1); err != nil {
			return nil, errors.WithStack(err)
		}
		defer t.logRouterReads.Release(1)
	}

	reply := &PeekReply{Popped: keyval.InvalidVersion, Begin: begin}
	sw := keyval.NewStreamWriter()

	for {
		t.mu.Lock()
		td := t.tagDataLocked(tag)
		if td.popped > begin {
			popped := td.popped
			reply.End = popped
			reply.Popped = popped
			reply.MaxKnownVersion = keyval.Version(t.version.Get())
			reply.MinKnownCommittedVersion = t.minKnownCommittedVersion
			t.mu.Unlock()
			return reply, nil
		}
		durable := t.persistentDataDurableVersion

		if begin > durable {
			// Entirely in memory; serve under the lock so spill cannot
			// erase what we are reading.
			memEnd := t.peekMessagesFromMemoryLocked(td, begin, sw)
			if sw.Len() >= t.knobs.DesiredTotalBytes {
				reply.End = memEnd
			} else {
				reply.End = keyval.Version(t.version.Get()) + 1
			}
			reply.MaxKnownVersion = keyval.Version(t.version.Get())
			reply.MinKnownCommittedVersion = t.minKnownCommittedVersion
			t.mu.Unlock()
			reply.Messages = sw.Bytes()
			reply.OnlySpilled = false
			return reply, nil
		}
		t.mu.Unlock()

		// Spilled portion. The spill frontier may advance while we read;
		// loop with the new begin until the tail is in memory.
		var spilledEnd keyval.Version
		var capped bool
		var err error
		if spillByValue(tag) {
			spilledEnd, err = t.readSpilledByValue(ctx, tag, begin, sw)
		} else {
			spilledEnd, capped, err = t.readSpilledByRef(ctx, tag, begin, sw)
		}
		if err != nil {
			return nil, err
		}

		if capped {
			reply.End = spilledEnd
			reply.OnlySpilled = true
			t.mu.Lock()
			reply.MaxKnownVersion = keyval.Version(t.version.Get())
			reply.MinKnownCommittedVersion = t.minKnownCommittedVersion
			t.mu.Unlock()
			reply.Messages = sw.Bytes()
			return reply, nil
		}
		if onlySpilled {
			// The caller only wanted the spilled range; the next peek
			// resumes normally.
			reply.End = spilledEnd
			reply.OnlySpilled = false
			t.mu.Lock()
			reply.MaxKnownVersion = keyval.Version(t.version.Get())
			reply.MinKnownCommittedVersion = t.minKnownCommittedVersion
			t.mu.Unlock()
			reply.Messages = sw.Bytes()
			return reply, nil
		}
		if spilledEnd > begin {
			begin = spilledEnd
		} else {
			t.mu.Lock()
			begin = t.persistentDataDurableVersion + 1
			t.mu.Unlock()
		}
		// Loop: either the tail is now in memory, or more data spilled
		// meanwhile and another spilled read picks it up.
	}
}

// readSpilledByValue streams spilled message bytes straight from the kv
// store. Returns the version after the last one read.
func (t *TLog) readSpilledByValue(ctx context.Context, tag keyval.Tag, begin keyval.Version, sw *keyval.StreamWriter) (keyval.Version, error) {
	kvs, err := t.store.ReadRange(ctx, tagMessagesRange(t.id, tag, begin), 0, t.knobs.DesiredTotalBytes)
	if err != nil {
		return 0, err
	}
	end := begin
	for _, kv := range kvs {
		v := versionFromTagKey(kv.Key)
		sw.WriteVersion(v)
		sw.WriteRaw(kv.Value)
		end = v + 1
	}
	return end, nil
}

// readSpilledByRef resolves spilled references to disk-queue records, reads
// them back, and streams the messages matching the tag. capped reports that
// the per-peek batch cap was hit, meaning more spilled data remains.
func (t *TLog) readSpilledByRef(ctx context.Context, tag keyval.Tag, begin keyval.Version, sw *keyval.StreamWriter) (keyval.Version, bool, error) {
	kvs, err := t.store.ReadRange(ctx, tagMessageRefsRange(t.id, tag, begin), t.knobs.MaxBatchesPerPeek+1, 0)
	if err != nil {
		return 0, false, err
	}
	capped := false
	if len(kvs) > t.knobs.MaxBatchesPerPeek {
		capped = true
		kvs = kvs[:t.knobs.MaxBatchesPerPeek]
	}

	end := begin
	for _, kv := range kvs {
		batch, err := decodeSpilledBatch(kv.Value)
		if err != nil {
			return 0, false, err
		}
		for _, ref := range batch {
			if ref.Version < begin {
				continue
			}
			if err := t.streamQueueRecord(ctx, tag, ref, sw); err != nil {
				return 0, false, err
			}
			end = ref.Version + 1
			if sw.Len() >= t.knobs.DesiredTotalBytes && !capped {
				// Byte budget reached mid-range: report what we covered.
				return end, false, nil
			}
		}
	}
	return end, capped, nil
}

// streamQueueRecord reads one referenced record off the disk queue and
// appends the tag's messages to the stream. The byte-weighted semaphore
// bounds memory held by concurrent spilled peeks.
func (t *TLog) streamQueueRecord(ctx context.Context, tag keyval.Tag, ref SpilledData, sw *keyval.StreamWriter) error {
	if err := t.peekMemLimiter.Acquire(ctx, int64(ref.Length)); err != nil {
		return errors.WithStack(err)
	}
	defer t.peekMemLimiter.Release(int64(ref.Length))

	raw, err := t.queue.dq.Read(ref.Start, ref.Start+DiskLoc(ref.Length))
	if err != nil {
		return err
	}
	if len(raw) < queueHeaderSize+queueTrailerSize {
		return errors.New("spilled record truncated")
	}
	entry, err := decodeQueueEntry(raw[queueHeaderSize : len(raw)-queueTrailerSize])
	if err != nil {
		return err
	}
	msgs, err := keyval.ParseCommitMessages(entry.Version, entry.Messages)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if !keyval.ContainsTag(msg.Tags, tag) {
			continue
		}
		sw.WriteVersion(msg.Version)
		sw.WriteRaw(msg.Raw)
	}
	return nil
}
