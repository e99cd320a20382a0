package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendBufferSize is the outbound frame buffer per agent socket. Large enough
// to absorb short bursts, small enough that a stalled agent gets dropped
// rather than consuming memory.
const sendBufferSize = 64

const writeDeadline = 10 * time.Second

// session is one live agent WebSocket. All writes go through the send
// channel so a single writer goroutine owns the socket.
type session struct {
	agentID  string
	hostID   string
	engineID string
	version  string

	conn   *websocket.Conn
	send   chan *Frame
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSeen time.Time
}

func newSession(conn *websocket.Conn, cancel context.CancelFunc) *session {
	return &session{
		conn:   conn,
		send:   make(chan *Frame, sendBufferSize),
		cancel: cancel,
	}
}

// enqueue hands a frame to the writer goroutine. Non-blocking: a full buffer
// means the agent is not consuming, and the caller gets an error instead of
// a stall.
func (s *session) enqueue(f *Frame) error {
	select {
	case s.send <- f:
		return nil
	default:
		return fmt.Errorf("agent %s send buffer full", s.agentID)
	}
}

// writePump drains the send channel and writes frames to the socket. Runs
// until the context is cancelled; a write failure cancels the session.
func (s *session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteJSON(f); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// readFrame blocks on the next frame from the agent.
func (s *session) readFrame() (*Frame, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *session) touch(at time.Time) {
	s.mu.Lock()
	s.lastSeen = at
	s.mu.Unlock()
}

func (s *session) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// mustJSON marshals a payload that cannot fail for our own types.
func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
