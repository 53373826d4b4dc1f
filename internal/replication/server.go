package replication

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Logger receives one line per accepted connection and per protocol error,
// the ambient logging convention internal/checkpoint.Logger also uses.
type Logger interface {
	Printf(format string, args ...any)
}

// Server accepts checkpoint-replication connections and mirrors each
// object's records to disk: one directory per object id, one subdirectory
// per epoch, one file per record UUID (spec.md §6).
type Server struct {
	BaseDir string
	Logger  Logger

	mu       sync.Mutex
	listener net.Listener
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// ListenAndServe binds addr and serves connections until Close is called or
// Accept returns a permanent error.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("replication: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.logf("replication: accepted connection from %s", conn.RemoteAddr())
		go func() {
			if err := s.handleConn(conn); err != nil && err != io.EOF {
				s.logf("replication: connection %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// connState tracks the object/epoch a connection is currently streaming
// records for, and the open record files within that epoch.
type connState struct {
	objectID   uint64
	epoch      uint64
	epochDir   string
	recordPath map[string]string // record UUID -> file path, for RecPages lookups
}

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	st := &connState{recordPath: make(map[string]string)}

	for {
		tag, payload, err := ReadMessage(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		switch tag {
		case TagRegister:
			msg, err := DecodeRegister(payload)
			if err != nil {
				return err
			}
			st.objectID = msg.ObjectID

		case TagCkptStart:
			msg, err := DecodeCkptStart(payload)
			if err != nil {
				return err
			}
			st.objectID, st.epoch = msg.ObjectID, msg.Epoch
			st.epochDir = filepath.Join(s.BaseDir, fmt.Sprint(st.objectID), fmt.Sprint(st.epoch))
			if err := os.MkdirAll(st.epochDir, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", st.epochDir, err)
			}
			st.recordPath = make(map[string]string)

		case TagRecMeta:
			msg, err := DecodeRecMeta(payload)
			if err != nil {
				return err
			}
			if err := s.writeRecMeta(st, msg); err != nil {
				return err
			}

		case TagRecPages:
			msg, err := DecodeRecPages(payload)
			if err != nil {
				return err
			}
			if err := s.writeRecPages(st, msg); err != nil {
				return err
			}

		case TagCkptDone:
			if _, err := DecodeCkptDone(payload); err != nil {
				return err
			}
			s.logf("replication: checkpoint done for object %d epoch %d", st.objectID, st.epoch)

		case TagDone:
			return nil

		default:
			return fmt.Errorf("unexpected message tag %s", tag)
		}
	}
}

func (s *Server) writeRecMeta(st *connState, msg RecMetaMsg) error {
	if st.epochDir == "" {
		return fmt.Errorf("RecMeta before CkptStart for record %s", msg.RecordID)
	}
	path := filepath.Join(st.epochDir, msg.RecordID.String())
	if err := os.WriteFile(path, msg.Data, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", msg.RecordID, err)
	}
	st.recordPath[msg.RecordID.String()] = path
	return nil
}

func (s *Server) writeRecPages(st *connState, msg RecPagesMsg) error {
	path, ok := st.recordPath[msg.RecordID.String()]
	if !ok {
		return fmt.Errorf("RecPages for unknown record %s", msg.RecordID)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open record %s: %w", msg.RecordID, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(msg.Data, int64(msg.Offset)); err != nil {
		return fmt.Errorf("write pages for record %s at %d: %w", msg.RecordID, msg.Offset, err)
	}
	return nil
}
