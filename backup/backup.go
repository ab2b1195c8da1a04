// Package backup frames committed mutations into chunked backup keys and
// ships serialized blocks to a destination with a retrying sink.
package backup

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/kelpiedb/kelpie/keyval"
)

// versionHashByte spreads backup keys of adjacent versions across shards:
// the low byte of a hash over the little-endian version.
func versionHashByte(v keyval.Version) byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return byte(murmur3.Sum32(b[:]) & 0xFF)
}

// BlockKey builds the backup mutation key:
//
//	destPrefix || u8 version-hash || big-endian u64 version || big-endian u32 part
func BlockKey(destPrefix []byte, v keyval.Version, part uint32) []byte {
	k := make([]byte, 0, len(destPrefix)+1+8+4)
	k = append(k, destPrefix...)
	k = append(k, versionHashByte(v))
	k = binary.BigEndian.AppendUint64(k, uint64(v))
	k = binary.BigEndian.AppendUint32(k, part)
	return k
}

// SplitBlockKey recovers (version, part) from a framed key.
func SplitBlockKey(destPrefix, key []byte) (keyval.Version, uint32, bool) {
	if len(key) != len(destPrefix)+1+8+4 {
		return 0, 0, false
	}
	body := key[len(destPrefix)+1:]
	return keyval.Version(binary.BigEndian.Uint64(body)), binary.BigEndian.Uint32(body[8:]), true
}

// FrameMutations serializes the mutations of one commit version and chunks
// them into SetValue mutations on framed backup keys, blockSize bytes per
// chunk.
func FrameMutations(destPrefix []byte, v keyval.Version, muts []keyval.Mutation, blockSize int) ([]keyval.Mutation, error) {
	if blockSize <= 0 {
		blockSize = 1 << 20
	}
	var buf []byte
	for _, m := range muts {
		buf = m.AppendTo(buf)
	}
	var out []keyval.Mutation
	for part := uint32(0); len(buf) > 0; part++ {
		n := blockSize
		if n > len(buf) {
			n = len(buf)
		}
		out = append(out, keyval.Set(BlockKey(destPrefix, v, part), buf[:n:n]))
		buf = buf[n:]
	}
	return out, nil
}

// ReassembleMutations concatenates ordered chunk values back into the
// mutation list of one version.
func ReassembleMutations(chunks [][]byte) ([]keyval.Mutation, error) {
	var buf []byte
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	var out []keyval.Mutation
	for len(buf) > 0 {
		m, rest, err := keyval.DecodeMutation(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		buf = rest
	}
	return out, nil
}
