package keyval

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// MutationType enumerates the mutation union. SetValue, ClearRange and the
// atomic ops reach a transaction log; versionstamped mutations are rewritten
// into SetValue by the commit proxy before tagging, and atomic ops are
// applied by storage.
type MutationType uint8

const (
	MutationSetValue MutationType = iota
	MutationClearRange
	MutationAddValue
	MutationAnd
	MutationOr
	MutationXor
	MutationMax
	MutationMin
	MutationByteMax
	MutationByteMin
	MutationCompareAndClear
	MutationSetVersionstampedKey
	MutationSetVersionstampedValue
	mutationTypeEnd
)

var ErrUnknownMutationType = errors.New("unknown mutation type")

// Mutation is (type, param1, param2). For SetValue param1 is the key and
// param2 the value; for ClearRange param1/param2 are the range begin/end;
// for atomic ops param2 is the operand.
type Mutation struct {
	Type   MutationType
	Param1 []byte
	Param2 []byte
}

func Set(key, value []byte) Mutation {
	return Mutation{Type: MutationSetValue, Param1: key, Param2: value}
}

func Clear(begin, end []byte) Mutation {
	return Mutation{Type: MutationClearRange, Param1: begin, Param2: end}
}

// SingleKey reports whether the mutation addresses exactly one key.
func (m Mutation) SingleKey() bool {
	return m.Type != MutationClearRange
}

// Atomic reports whether the mutation is an atomic read-modify-write op.
func (m Mutation) Atomic() bool {
	return m.Type >= MutationAddValue && m.Type <= MutationCompareAndClear
}

// ExpectedSize is the byte accounting used for batching and splitting.
func (m Mutation) ExpectedSize() int {
	return len(m.Param1) + len(m.Param2)
}

const mutationHeaderSize = 1 + 4 + 4

// EncodedSize is the exact on-wire size of the mutation.
func (m Mutation) EncodedSize() int {
	return mutationHeaderSize + len(m.Param1) + len(m.Param2)
}

// AppendTo serializes the mutation: u8 type, u32 len1, param1, u32 len2, param2.
func (m Mutation) AppendTo(b []byte) []byte {
	b = append(b, byte(m.Type))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.Param1)))
	b = append(b, m.Param1...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.Param2)))
	b = append(b, m.Param2...)
	return b
}

// DecodeMutation parses one mutation from b, returning the remainder.
func DecodeMutation(b []byte) (Mutation, []byte, error) {
	if len(b) < mutationHeaderSize {
		return Mutation{}, nil, errors.New("mutation truncated")
	}
	m := Mutation{Type: MutationType(b[0])}
	if m.Type >= mutationTypeEnd {
		return Mutation{}, nil, errors.WithStack(ErrUnknownMutationType)
	}
	b = b[1:]
	l1 := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < l1 {
		return Mutation{}, nil, errors.New("mutation param1 truncated")
	}
	m.Param1 = b[:l1:l1]
	b = b[l1:]
	if len(b) < 4 {
		return Mutation{}, nil, errors.New("mutation param2 length truncated")
	}
	l2 := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < l2 {
		return Mutation{}, nil, errors.New("mutation param2 truncated")
	}
	m.Param2 = b[:l2:l2]
	return m, b[l2:], nil
}

// KeyRange is a half-open lexicographic key interval [Begin, End).
type KeyRange struct {
	Begin []byte
	End   []byte
}

func (r KeyRange) Empty() bool {
	return bytes.Compare(r.Begin, r.End) >= 0
}

func (r KeyRange) Contains(key []byte) bool {
	return bytes.Compare(r.Begin, key) <= 0 && bytes.Compare(key, r.End) < 0
}

// Intersect clips r to o; the result may be empty.
func (r KeyRange) Intersect(o KeyRange) KeyRange {
	out := r
	if bytes.Compare(o.Begin, out.Begin) > 0 {
		out.Begin = o.Begin
	}
	if bytes.Compare(o.End, out.End) < 0 {
		out.End = o.End
	}
	return out
}

const versionstampTrailerSize = 4

// PatchVersionstamp rewrites a versionstamped parameter in place. The final
// four bytes of p are a little-endian offset at which the ten-byte stamp
// (big-endian commit version, big-endian batch index) is written; the trailer
// is stripped from the result.
func PatchVersionstamp(p []byte, commitVersion Version, batchIndex uint16) ([]byte, error) {
	if len(p) < versionstampTrailerSize {
		return nil, errors.New("versionstamped parameter too short")
	}
	body := p[:len(p)-versionstampTrailerSize]
	offset := binary.LittleEndian.Uint32(p[len(p)-versionstampTrailerSize:])
	if int(offset)+10 > len(body) {
		return nil, errors.Newf("versionstamp offset %d out of range", offset)
	}
	binary.BigEndian.PutUint64(body[offset:], uint64(commitVersion))
	binary.BigEndian.PutUint16(body[offset+8:], batchIndex)
	return body, nil
}
