package replication

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Sender is a thin client over the checkpoint wire protocol, used by a
// replication consumer (or a test) driving a Server.
type Sender struct {
	conn net.Conn
}

// Dial connects to a replication Server at addr.
func Dial(addr string) (*Sender, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("replication: dial %s: %w", addr, err)
	}
	return &Sender{conn: conn}, nil
}

// NewSender wraps an already-established connection (e.g. net.Pipe in tests).
func NewSender(conn net.Conn) *Sender { return &Sender{conn: conn} }

func (s *Sender) Register(objectID uint64) error {
	return WriteMessage(s.conn, TagRegister, RegisterMsg{ObjectID: objectID}.Encode())
}

func (s *Sender) CkptStart(objectID, epoch uint64) error {
	return WriteMessage(s.conn, TagCkptStart, CkptStartMsg{ObjectID: objectID, Epoch: epoch}.Encode())
}

func (s *Sender) RecMeta(id uuid.UUID, kind RecordKind, data []byte) error {
	return WriteMessage(s.conn, TagRecMeta, RecMetaMsg{RecordID: id, Kind: kind, Data: data}.Encode())
}

func (s *Sender) RecPages(id uuid.UUID, offset uint64, data []byte) error {
	return WriteMessage(s.conn, TagRecPages, RecPagesMsg{RecordID: id, Offset: offset, Data: data}.Encode())
}

func (s *Sender) CkptDone(objectID, epoch uint64) error {
	return WriteMessage(s.conn, TagCkptDone, CkptDoneMsg{ObjectID: objectID, Epoch: epoch}.Encode())
}

func (s *Sender) Done() error {
	return WriteMessage(s.conn, TagDone, nil)
}

func (s *Sender) Close() error { return s.conn.Close() }
