// ABOUTME: Per-connection websocket session with a buffered outbound queue.
// ABOUTME: A dedicated write pump keeps broker fanout from blocking on slow peers.

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pi-hive/hive/internal/protocol"
)

const (
	// outboundQueueSize bounds how far a slow consumer may fall behind
	// before its session is torn down.
	outboundQueueSize = 256

	writeTimeout = 10 * time.Second
)

// session wraps one agent's websocket connection. Records are enqueued
// without blocking; the write pump drains the queue in order. Overflowing
// the queue closes the session.
type session struct {
	conn   *websocket.Conn
	out    chan []byte
	done   chan struct{}
	closer sync.Once
	logger *slog.Logger
}

func newSession(conn *websocket.Conn, logger *slog.Logger) *session {
	s := &session{
		conn:   conn,
		out:    make(chan []byte, outboundQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.writePump()
	return s
}

// send enqueues an encoded record. Reports false if the session is closed or
// the queue overflowed; in the overflow case the session is closed so the
// broker's disconnect cleanup runs via the read loop.
func (s *session) send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- frame:
		return true
	default:
		s.logger.Warn("outbound queue full, closing session")
		s.close()
		return false
	}
}

// sendRecord encodes and enqueues a record.
func (s *session) sendRecord(m protocol.Message) bool {
	frame, err := protocol.Encode(m)
	if err != nil {
		s.logger.Error("encoding outbound record", "type", m.Type, "error", err)
		return false
	}
	return s.send(frame)
}

func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		}
	}
}

// close shuts the transport down. Safe to call from any goroutine, any
// number of times. The read loop observes the closed connection and triggers
// disconnect cleanup.
func (s *session) close() {
	s.closer.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
