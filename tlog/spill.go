package tlog

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kelpiedb/kelpie/keyval"
)

// SpilledData is one spilled-by-reference record: where on the disk queue a
// version's entry lives and how many of its bytes belong to the spilled tag.
type SpilledData struct {
	Version       keyval.Version
	Start         DiskLoc
	Length        uint32
	MutationBytes uint32
}

const spilledDataEncodedSize = 8 + 8 + 4 + 4

func encodeSpilledBatch(batch []SpilledData) []byte {
	b := make([]byte, 0, 8+4+len(batch)*spilledDataEncodedSize)
	b = binary.LittleEndian.AppendUint64(b, protocolVersion)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(batch)))
	for _, s := range batch {
		b = binary.LittleEndian.AppendUint64(b, uint64(s.Version))
		b = binary.LittleEndian.AppendUint64(b, uint64(s.Start))
		b = binary.LittleEndian.AppendUint32(b, s.Length)
		b = binary.LittleEndian.AppendUint32(b, s.MutationBytes)
	}
	return b
}

func decodeSpilledBatch(b []byte) ([]SpilledData, error) {
	if len(b) < 12 {
		return nil, errors.New("spilled batch truncated")
	}
	if pv := binary.LittleEndian.Uint64(b); pv != protocolVersion {
		return nil, errors.Newf("unsupported spill protocol version %#x", pv)
	}
	count := binary.LittleEndian.Uint32(b[8:])
	b = b[12:]
	if len(b) != int(count)*spilledDataEncodedSize {
		return nil, errors.New("spilled batch length mismatch")
	}
	out := make([]SpilledData, count)
	for i := range out {
		out[i] = SpilledData{
			Version:       keyval.Version(binary.LittleEndian.Uint64(b)),
			Start:         DiskLoc(binary.LittleEndian.Uint64(b[8:])),
			Length:        binary.LittleEndian.Uint32(b[16:]),
			MutationBytes: binary.LittleEndian.Uint32(b[20:]),
		}
		b = b[spilledDataEncodedSize:]
	}
	return out, nil
}

// updatePersistentData spills all in-memory messages at or below newVersion
// into the kv store, commits it, and only then erases the spilled messages
// and advances the durable spill frontier.
func (t *TLog) updatePersistentData(ctx context.Context, newVersion keyval.Version) error {
	t.mu.Lock()
	if newVersion <= t.persistentDataVersion {
		t.mu.Unlock()
		return nil
	}

	for _, td := range t.tags {
		limit := td.firstEntryAtOrAfter(newVersion + 1)
		if limit == 0 && td.popped <= td.persistentPopped {
			continue
		}
		if spillByValue(td.tag) {
			t.spillTagByValueLocked(td, limit)
		} else {
			t.spillTagByRefLocked(td, limit)
		}
		t.store.Set(KV{
			Key:   persistTagPoppedKey(t.id, td.tag),
			Value: encodeVersionValue(td.popped),
		})
		td.persistentPopped = td.popped
		if limit > 0 {
			td.nothingPersistent = false
		}
	}

	t.store.Set(KV{Key: persistFormatKey, Value: persistFormatValue})
	t.store.Set(KV{Key: persistCurrentVersionKey(t.id), Value: encodeVersionValue(newVersion)})
	t.store.Set(KV{Key: persistKnownCommittedKey(t.id), Value: encodeVersionValue(t.knownCommittedVersion)})

	recoveryLoc := t.queue.dq.NextPushLocation()
	if k, v := t.versionLocation.Ceiling(int64(newVersion + 1)); k != nil {
		recoveryLoc = v.([2]DiskLoc)[0]
	}
	t.store.Set(KV{Key: persistRecoveryLocKey, Value: encodeDiskLocValue(recoveryLoc)})

	t.persistentDataVersion = newVersion
	t.mu.Unlock()

	t.persistentDataCommitLock.Lock()
	err := t.store.Commit(ctx)
	t.persistentDataCommitLock.Unlock()
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, td := range t.tags {
		t.eraseTagEntriesLocked(td, newVersion+1)
	}
	t.persistentDataDurableVersion = newVersion
	t.mu.Unlock()
	return nil
}

// spillTagByValueLocked writes the raw message bytes per version under the
// tag's by-value key space.
func (t *TLog) spillTagByValueLocked(td *tagData, limit int) {
	i := 0
	for i < limit {
		v := td.entries[i].version
		var concat []byte
		for i < limit && td.entries[i].version == v {
			concat = append(concat, td.entries[i].raw...)
			i++
		}
		t.store.Set(KV{Key: persistTagMessagesKey(t.id, td.tag, v), Value: concat})
	}
}

// spillTagByRefLocked writes batched disk-queue references; the raw bytes
// stay in the queue. A batch key carries the highest version it covers so a
// range scan from any begin version finds the covering batch.
func (t *TLog) spillTagByRefLocked(td *tagData, limit int) {
	var batch []SpilledData
	var batchBytes int
	flush := func() {
		if len(batch) == 0 {
			return
		}
		last := batch[len(batch)-1].Version
		t.store.Set(KV{
			Key:   persistTagMessageRefsKey(t.id, td.tag, last),
			Value: encodeSpilledBatch(batch),
		})
		batch = nil
		batchBytes = 0
	}

	i := 0
	for i < limit {
		v := td.entries[i].version
		var mutationBytes int
		for i < limit && td.entries[i].version == v {
			mutationBytes += len(td.entries[i].raw)
			i++
		}
		locVal, ok := t.versionLocation.Get(int64(v))
		if !ok {
			t.log.Error("no disk location for spilled version", slog.Int64("version", int64(v)))
			continue
		}
		loc := locVal.([2]DiskLoc)
		batch = append(batch, SpilledData{
			Version:       v,
			Start:         loc[0],
			Length:        uint32(loc[1] - loc[0]),
			MutationBytes: uint32(mutationBytes),
		})
		batchBytes += mutationBytes
		if batchBytes >= t.knobs.MaxBytesPerSpillBatch {
			flush()
		}
	}
	flush()
}

// updateStorageLoop periodically spills: fully once stopped, otherwise only
// while the volatile window exceeds the spill threshold. Only queue-durable
// versions are spilled.
func (t *TLog) updateStorageLoop(ctx context.Context) {
	ticker := time.NewTicker(t.knobs.UpdateStorageInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		stopped := t.stopped
		lag := t.bytesInput - t.bytesDurable
		pdv := t.persistentDataVersion
		t.mu.Unlock()

		target := keyval.Version(t.queueCommittedVersion.Get())
		if (stopped || lag >= t.knobs.TLogSpillThreshold) && target > pdv {
			if err := t.updatePersistentData(ctx, target); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Error("spill failed", slog.String("error", err.Error()))
			}
		}
		if err := t.popDiskQueue(); err != nil {
			t.log.Error("disk queue pop failed", slog.String("error", err.Error()))
		}
	}
}

// SpillNow forces a spill up to the queue-committed frontier.
func (t *TLog) SpillNow(ctx context.Context) error {
	return t.updatePersistentData(ctx, keyval.Version(t.queueCommittedVersion.Get()))
}

// popDiskQueue releases disk-queue bytes no tag still needs: everything
// below the earliest unpopped version that has also been spilled.
func (t *TLog) popDiskQueue() error {
	t.mu.Lock()

	minPopped := t.persistentDataDurableVersion + 1
	for _, td := range t.tags {
		if td.popped < minPopped {
			minPopped = td.popped
		}
	}

	k, v := t.versionLocation.Ceiling(int64(minPopped))
	if k == nil {
		t.mu.Unlock()
		return nil
	}
	popLoc := v.([2]DiskLoc)[0]
	t.minPoppedTagVersion = minPopped

	// forget locations of fully released versions
	for {
		mk, _ := t.versionLocation.Min()
		if mk == nil || mk.(int64) >= int64(minPopped) {
			break
		}
		t.versionLocation.Remove(mk)
	}
	t.mu.Unlock()

	return t.queue.Pop(popLoc)
}

// MinPoppedTagVersion is the earliest version any tag still holds on the
// disk queue.
func (t *TLog) MinPoppedTagVersion() keyval.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minPoppedTagVersion
}

// RestorePersistentState rebuilds a log instance after a restart: seats the
// spill frontier from the kv store, then replays the disk queue's valid
// record suffix into memory. The torn tail, if any, is zero-filled by the
// queue on the next push.
func (t *TLog) RestorePersistentState(ctx context.Context) error {
	if v, err := t.store.ReadValue(ctx, persistFormatKey); err != nil {
		return err
	} else if v != nil && string(v) != string(persistFormatValue) {
		return errors.Newf("unsupported log format %q", v)
	}

	verBytes, err := t.store.ReadValue(ctx, persistCurrentVersionKey(t.id))
	if err != nil {
		return err
	}
	kcvBytes, err := t.store.ReadValue(ctx, persistKnownCommittedKey(t.id))
	if err != nil {
		return err
	}
	locBytes, err := t.store.ReadValue(ctx, persistRecoveryLocKey)
	if err != nil {
		return err
	}

	var restored keyval.Version
	if verBytes != nil {
		restored = decodeVersionValue(verBytes)
	}
	var kcv keyval.Version
	if kcvBytes != nil {
		kcv = decodeVersionValue(kcvBytes)
	}
	recoveryLoc := DiskLoc(0)
	if locBytes != nil {
		recoveryLoc = decodeDiskLocValue(locBytes)
	}

	popPrefix := idKey(persistTagPopPrefix, t.id)
	pops, err := t.store.ReadRange(ctx, KVRange{Begin: popPrefix, End: prefixEnd(popPrefix)}, 0, 0)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.persistentDataVersion = restored
	t.persistentDataDurableVersion = restored
	t.knownCommittedVersion = kcv
	t.durableKnownCommittedVersion = kcv
	t.recoveredAt = restored
	for _, kv := range pops {
		suffix := kv.Key[len(popPrefix):]
		if len(suffix) != 3 {
			t.mu.Unlock()
			return errors.Newf("malformed tag pop key %q", kv.Key)
		}
		tag := keyval.Tag{
			Locality: int8(suffix[0]),
			ID:       binary.LittleEndian.Uint16(suffix[1:]),
		}
		td := t.tagDataLocked(tag)
		td.popped = decodeVersionValue(kv.Value)
		td.persistentPopped = td.popped
		td.nothingPersistent = false
		if td.popped < restored {
			td.unpoppedRecovered = true
			t.unpoppedRecoveredTags++
		}
	}
	t.mu.Unlock()

	if err := t.version.Set(int64(restored)); err != nil {
		return err
	}

	if _, err := t.queue.InitializeRecovery(recoveryLoc); err != nil {
		return err
	}
	for {
		entry, err := t.queue.ReadNext(ctx)
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			return err
		}
		if entry.ID != t.id || entry.Version <= keyval.Version(t.version.Get()) {
			continue
		}
		if err := t.reindexRecovered(entry); err != nil {
			return err
		}
	}

	return t.queueCommittedVersion.Set(t.version.Get())
}

// reindexRecovered re-applies one recovered queue record to memory.
func (t *TLog) reindexRecovered(entry *QueueEntry) error {
	msgs, err := keyval.ParseCommitMessages(entry.Version, entry.Messages)
	if err != nil {
		return err
	}
	t.mu.Lock()
	block := &messageBlock{version: entry.Version, data: entry.Messages}
	for _, msg := range msgs {
		for _, tag := range msg.Tags {
			td := t.tagDataLocked(tag)
			if msg.Version < td.popped {
				continue
			}
			td.entries = append(td.entries, tagEntry{
				version: msg.Version,
				sub:     msg.Subsequence,
				raw:     msg.Raw,
				block:   block,
			})
			block.refs++
			t.bytesInput += int64(len(msg.Raw))
		}
	}
	t.versionLocation.Put(int64(entry.Version), [2]DiskLoc{entry.StartLoc, entry.EndLoc})
	if entry.KnownCommittedVersion > t.knownCommittedVersion {
		t.knownCommittedVersion = entry.KnownCommittedVersion
		t.durableKnownCommittedVersion = entry.KnownCommittedVersion
	}
	t.mu.Unlock()
	return t.version.Set(int64(entry.Version))
}
