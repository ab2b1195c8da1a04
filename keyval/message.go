package keyval

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Wire format of a tagged message:
//
//	u32 totalLen   bytes after this field
//	u16 subsequence
//	u16 tagCount
//	tagCount x (i8 locality, u16 id)
//	payload        one encoded Mutation
//
// A message stream (peek replies, cursor buffers) interleaves version
// headers between messages of different versions:
//
//	u32 0xFFFFFFFF | i64 version
//
// All integers are little-endian. The commit path ships messages without
// version headers; the version travels in the enclosing request.

const (
	versionHeaderSentinel uint32 = 0xFFFFFFFF
	versionHeaderSize            = 4 + 8
	messagePrefixSize            = 4 + 2 + 2
	tagEncodedSize               = 3
)

var (
	ErrMessageTruncated = errors.New("message truncated")
	ErrStreamCorrupt    = errors.New("message stream corrupt")
)

// TaggedMessage is one decoded log message.
type TaggedMessage struct {
	Version     Version
	Subsequence Subsequence
	Tags        []Tag
	// Payload is the encoded mutation.
	Payload []byte
	// Raw is the full encoded message including length prefix, shared with
	// the buffer it was parsed from.
	Raw []byte
}

func (m TaggedMessage) Mutation() (Mutation, error) {
	mut, _, err := DecodeMutation(m.Payload)
	return mut, err
}

// MessageWriter accumulates tagged messages for a single commit version,
// assigning subsequences in append order starting at 1.
type MessageWriter struct {
	buf     []byte
	nextSub Subsequence
}

func (w *MessageWriter) Append(tags []Tag, m Mutation) Subsequence {
	w.nextSub++
	sub := w.nextSub
	total := 2 + 2 + len(tags)*tagEncodedSize + m.EncodedSize()
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(total))
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(sub))
	w.buf = binary.LittleEndian.AppendUint16(w.buf, clampIntToUint16(len(tags)))
	for _, t := range tags {
		w.buf = append(w.buf, byte(t.Locality))
		w.buf = binary.LittleEndian.AppendUint16(w.buf, t.ID)
	}
	w.buf = m.AppendTo(w.buf)
	return sub
}

// AppendRaw copies an already-encoded message, keeping its subsequence.
func (w *MessageWriter) AppendRaw(raw []byte) {
	w.buf = append(w.buf, raw...)
}

func (w *MessageWriter) Len() int      { return len(w.buf) }
func (w *MessageWriter) Empty() bool   { return len(w.buf) == 0 }
func (w *MessageWriter) Bytes() []byte { return w.buf }

// StreamWriter serializes messages for transport to peek consumers,
// inserting a version header at each version transition.
type StreamWriter struct {
	buf         []byte
	lastVersion Version
}

func NewStreamWriter() *StreamWriter {
	return &StreamWriter{lastVersion: InvalidVersion}
}

func (w *StreamWriter) WriteVersion(v Version) {
	if v == w.lastVersion {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, versionHeaderSentinel)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
	w.lastVersion = v
}

// WriteRaw appends an encoded message under the current version header.
func (w *StreamWriter) WriteRaw(raw []byte) {
	w.buf = append(w.buf, raw...)
}

func (w *StreamWriter) Len() int      { return len(w.buf) }
func (w *StreamWriter) Bytes() []byte { return w.buf }

// ParseTaggedMessage decodes the first message in b. The caller supplies the
// version; the remainder of b is returned.
func ParseTaggedMessage(version Version, b []byte) (TaggedMessage, []byte, error) {
	if len(b) < messagePrefixSize {
		return TaggedMessage{}, nil, errors.WithStack(ErrMessageTruncated)
	}
	total := binary.LittleEndian.Uint32(b)
	if total == versionHeaderSentinel {
		return TaggedMessage{}, nil, errors.WithStack(ErrStreamCorrupt)
	}
	if uint32(len(b)-4) < total || total < 4 {
		return TaggedMessage{}, nil, errors.WithStack(ErrMessageTruncated)
	}
	raw := b[: 4+total : 4+total]
	body := raw[4:]
	msg := TaggedMessage{
		Version:     version,
		Subsequence: Subsequence(binary.LittleEndian.Uint16(body)),
		Raw:         raw,
	}
	tagCount := int(binary.LittleEndian.Uint16(body[2:]))
	body = body[4:]
	if len(body) < tagCount*tagEncodedSize {
		return TaggedMessage{}, nil, errors.WithStack(ErrMessageTruncated)
	}
	msg.Tags = make([]Tag, tagCount)
	for i := 0; i < tagCount; i++ {
		msg.Tags[i] = Tag{
			Locality: int8(body[i*tagEncodedSize]),
			ID:       binary.LittleEndian.Uint16(body[i*tagEncodedSize+1:]),
		}
	}
	msg.Payload = body[tagCount*tagEncodedSize:]
	return msg, b[4+total:], nil
}

// StreamReader iterates a serialized message stream with version headers.
type StreamReader struct {
	b       []byte
	version Version
}

func NewStreamReader(b []byte) *StreamReader {
	return &StreamReader{b: b, version: InvalidVersion}
}

func (r *StreamReader) HasMessage() bool {
	return len(r.b) > 0
}

// Next returns the next message, consuming any version headers first.
func (r *StreamReader) Next() (TaggedMessage, error) {
	for {
		if len(r.b) == 0 {
			return TaggedMessage{}, errors.WithStack(ErrMessageTruncated)
		}
		if len(r.b) >= 4 && binary.LittleEndian.Uint32(r.b) == versionHeaderSentinel {
			if len(r.b) < versionHeaderSize {
				return TaggedMessage{}, errors.WithStack(ErrMessageTruncated)
			}
			v := Version(binary.LittleEndian.Uint64(r.b[4:]))
			if v < r.version {
				return TaggedMessage{}, errors.WithStack(ErrStreamCorrupt)
			}
			r.version = v
			r.b = r.b[versionHeaderSize:]
			continue
		}
		msg, rest, err := ParseTaggedMessage(r.version, r.b)
		if err != nil {
			return TaggedMessage{}, err
		}
		r.b = rest
		return msg, nil
	}
}

// ParseCommitMessages decodes a commit payload (no version headers) into the
// ordered message list for version v.
func ParseCommitMessages(v Version, b []byte) ([]TaggedMessage, error) {
	var out []TaggedMessage
	for len(b) > 0 {
		msg, rest, err := ParseTaggedMessage(v, b)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		b = rest
	}
	return out, nil
}
