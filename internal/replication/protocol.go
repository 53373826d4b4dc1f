// Package replication implements the checkpoint wire protocol spec.md §6
// exposes "for replication; only because the core exposes it": a
// length-prefixed TCP message stream a remote uses to mirror checkpoint
// records as they are produced.
package replication

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// MessageTag identifies a frame on the wire.
type MessageTag uint8

const (
	TagRegister MessageTag = iota + 1
	TagCkptStart
	TagRecMeta
	TagRecPages
	TagCkptDone
	TagDone
)

func (t MessageTag) String() string {
	switch t {
	case TagRegister:
		return "Register"
	case TagCkptStart:
		return "CkptStart"
	case TagRecMeta:
		return "RecMeta"
	case TagRecPages:
		return "RecPages"
	case TagCkptDone:
		return "CkptDone"
	case TagDone:
		return "Done"
	default:
		return fmt.Sprintf("MessageTag(%d)", uint8(t))
	}
}

// RecordKind distinguishes the record types spec.md §6 names: manifest,
// VM-object (sparse page data), inode-like.
type RecordKind uint8

const (
	RecordManifest RecordKind = iota + 1
	RecordVMObject
	RecordInode
)

const maxFrameLen = 64 << 20 // guard against a corrupt length prefix

// WriteMessage writes one length-prefixed frame: a 4-byte big-endian total
// length (tag byte + payload), the tag byte, then the payload.
func WriteMessage(w io.Writer, tag MessageTag, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)+1))
	hdr[4] = byte(tag)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("replication: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("replication: write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one frame written by WriteMessage.
func ReadMessage(r io.Reader) (MessageTag, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total == 0 || total > maxFrameLen {
		return 0, nil, fmt.Errorf("replication: frame length %d out of range", total)
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("replication: read body: %w", err)
	}
	return MessageTag(body[0]), body[1:], nil
}

// RegisterMsg identifies the sender's object id to the remote.
type RegisterMsg struct {
	ObjectID uint64
}

func (m RegisterMsg) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, m.ObjectID)
	return buf
}

func DecodeRegister(b []byte) (RegisterMsg, error) {
	if len(b) != 8 {
		return RegisterMsg{}, fmt.Errorf("replication: Register: want 8 bytes, got %d", len(b))
	}
	return RegisterMsg{ObjectID: binary.BigEndian.Uint64(b)}, nil
}

// CkptStartMsg opens a new epoch for ObjectID on the remote.
type CkptStartMsg struct {
	ObjectID uint64
	Epoch    uint64
}

func (m CkptStartMsg) Encode() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], m.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], m.Epoch)
	return buf
}

func DecodeCkptStart(b []byte) (CkptStartMsg, error) {
	if len(b) != 16 {
		return CkptStartMsg{}, fmt.Errorf("replication: CkptStart: want 16 bytes, got %d", len(b))
	}
	return CkptStartMsg{
		ObjectID: binary.BigEndian.Uint64(b[0:8]),
		Epoch:    binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// RecMetaMsg carries a metadata record's header: which record, what kind,
// and its raw encoded body (manifest/VM-object-info/inode-like, opaque to
// the wire protocol itself).
type RecMetaMsg struct {
	RecordID uuid.UUID
	Kind     RecordKind
	Data     []byte
}

func (m RecMetaMsg) Encode() []byte {
	buf := make([]byte, 16+1+len(m.Data))
	copy(buf[0:16], m.RecordID[:])
	buf[16] = byte(m.Kind)
	copy(buf[17:], m.Data)
	return buf
}

func DecodeRecMeta(b []byte) (RecMetaMsg, error) {
	if len(b) < 17 {
		return RecMetaMsg{}, fmt.Errorf("replication: RecMeta: frame too short (%d bytes)", len(b))
	}
	var id uuid.UUID
	copy(id[:], b[0:16])
	data := make([]byte, len(b)-17)
	copy(data, b[17:])
	return RecMetaMsg{RecordID: id, Kind: RecordKind(b[16]), Data: data}, nil
}

// RecPagesMsg carries one sparse page run: Data fills [Offset, Offset+len)
// of the file already opened for RecordID by a prior RecMeta.
type RecPagesMsg struct {
	RecordID uuid.UUID
	Offset   uint64
	Data     []byte
}

func (m RecPagesMsg) Encode() []byte {
	buf := make([]byte, 16+8+len(m.Data))
	copy(buf[0:16], m.RecordID[:])
	binary.BigEndian.PutUint64(buf[16:24], m.Offset)
	copy(buf[24:], m.Data)
	return buf
}

func DecodeRecPages(b []byte) (RecPagesMsg, error) {
	if len(b) < 24 {
		return RecPagesMsg{}, fmt.Errorf("replication: RecPages: frame too short (%d bytes)", len(b))
	}
	var id uuid.UUID
	copy(id[:], b[0:16])
	data := make([]byte, len(b)-24)
	copy(data, b[24:])
	return RecPagesMsg{RecordID: id, Offset: binary.BigEndian.Uint64(b[16:24]), Data: data}, nil
}

// CkptDoneMsg closes the epoch opened by a matching CkptStart.
type CkptDoneMsg struct {
	ObjectID uint64
	Epoch    uint64
}

func (m CkptDoneMsg) Encode() []byte { return CkptStartMsg(m).Encode() }

func DecodeCkptDone(b []byte) (CkptDoneMsg, error) {
	s, err := DecodeCkptStart(b)
	return CkptDoneMsg(s), err
}
