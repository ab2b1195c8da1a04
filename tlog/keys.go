package tlog

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/kelpiedb/kelpie/keyval"
)

// Persistent key schema of a TLog's kv store. Keys are ASCII prefixes plus
// fixed-width binary suffixes; the big-endian version suffix makes range
// scans return versions in order.

var (
	persistFormatKey       = []byte("Format")
	persistFormatValue     = []byte("Kelpie/LogServer/4/0")
	persistRecoveryLocKey  = []byte("recoveryLocation")
	persistVersionPrefix   = []byte("version/")
	persistKnownCommPrefix = []byte("knownCommitted/")
	persistLocalityPrefix  = []byte("Locality/")
	persistLogRouterPrefix = []byte("LogRouterTags/")
	persistTxsTagsPrefix   = []byte("TxsTags/")
	persistRecoveryPrefix  = []byte("DbRecoveryCount/")
	persistProtocolPrefix  = []byte("ProtocolVersion/")
	persistSpillTypePrefix = []byte("TLogSpillType/")
	persistTagMsgPrefix    = []byte("TagMsg/")
	persistTagMsgRefPrefix = []byte("TagMsgRef/")
	persistTagPopPrefix    = []byte("TagPop/")
)

func idKey(prefix []byte, id uuid.UUID) []byte {
	k := make([]byte, 0, len(prefix)+36)
	k = append(k, prefix...)
	k = append(k, []byte(id.String())...)
	return k
}

func persistCurrentVersionKey(id uuid.UUID) []byte { return idKey(persistVersionPrefix, id) }
func persistKnownCommittedKey(id uuid.UUID) []byte { return idKey(persistKnownCommPrefix, id) }
func persistLocalityKey(id uuid.UUID) []byte       { return idKey(persistLocalityPrefix, id) }
func persistLogRouterTagsKey(id uuid.UUID) []byte  { return idKey(persistLogRouterPrefix, id) }
func persistTxsTagsKey(id uuid.UUID) []byte        { return idKey(persistTxsTagsPrefix, id) }
func persistRecoveryCountKey(id uuid.UUID) []byte  { return idKey(persistRecoveryPrefix, id) }
func persistProtocolKey(id uuid.UUID) []byte       { return idKey(persistProtocolPrefix, id) }
func persistSpillTypeKey(id uuid.UUID) []byte      { return idKey(persistSpillTypePrefix, id) }

func appendTag(k []byte, tag keyval.Tag) []byte {
	k = append(k, byte(tag.Locality))
	return binary.LittleEndian.AppendUint16(k, tag.ID)
}

func tagKeyPrefix(prefix []byte, id uuid.UUID, tag keyval.Tag) []byte {
	k := idKey(prefix, id)
	return appendTag(k, tag)
}

// persistTagMessagesKey addresses spilled-by-value message bytes for one
// (tag, version).
func persistTagMessagesKey(id uuid.UUID, tag keyval.Tag, v keyval.Version) []byte {
	k := tagKeyPrefix(persistTagMsgPrefix, id, tag)
	return binary.BigEndian.AppendUint64(k, uint64(v))
}

// persistTagMessageRefsKey addresses a batch of spilled-by-reference records;
// v is the highest version in the batch.
func persistTagMessageRefsKey(id uuid.UUID, tag keyval.Tag, v keyval.Version) []byte {
	k := tagKeyPrefix(persistTagMsgRefPrefix, id, tag)
	return binary.BigEndian.AppendUint64(k, uint64(v))
}

func persistTagPoppedKey(id uuid.UUID, tag keyval.Tag) []byte {
	return tagKeyPrefix(persistTagPopPrefix, id, tag)
}

// tagMessagesRange spans all by-value keys of a tag from version begin on.
func tagMessagesRange(id uuid.UUID, tag keyval.Tag, begin keyval.Version) KVRange {
	return KVRange{
		Begin: persistTagMessagesKey(id, tag, begin),
		End:   prefixEnd(tagKeyPrefix(persistTagMsgPrefix, id, tag)),
	}
}

func tagMessageRefsRange(id uuid.UUID, tag keyval.Tag, begin keyval.Version) KVRange {
	return KVRange{
		Begin: persistTagMessageRefsKey(id, tag, begin),
		End:   prefixEnd(tagKeyPrefix(persistTagMsgRefPrefix, id, tag)),
	}
}

// versionFromTagKey recovers the big-endian version suffix.
func versionFromTagKey(key []byte) keyval.Version {
	return keyval.Version(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// prefixEnd returns the first key after every key with the given prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return append(end, 0xFF)
}

func encodeVersionValue(v keyval.Version) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

func decodeVersionValue(b []byte) keyval.Version {
	if len(b) < 8 {
		return keyval.InvalidVersion
	}
	return keyval.Version(binary.LittleEndian.Uint64(b))
}

func encodeDiskLocValue(loc DiskLoc) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(loc))
}

func decodeDiskLocValue(b []byte) DiskLoc {
	if len(b) < 8 {
		return InvalidDiskLoc
	}
	return DiskLoc(binary.LittleEndian.Uint64(b))
}
