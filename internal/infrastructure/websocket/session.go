package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/graylink/internal/link"
)

// outbound is one queued text frame and the token waiting on it.
type outbound struct {
	data []byte
	tok  *link.Token
}

// session is one open socket with its read and write pumps.
type session struct {
	conn *websocket.Conn
	send chan outbound
	pong chan struct{}

	sendOnce   sync.Once
	readerDone chan struct{}
	writerDone chan struct{}
}

func newSession(conn *websocket.Conn) *session {
	s := &session{
		conn:       conn,
		send:       make(chan outbound, sendBufferSize),
		pong:       make(chan struct{}, 1),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		select {
		case s.pong <- struct{}{}:
		default:
		}
		return nil
	})
	return s
}

// trySend queues a frame without blocking. The caller must hold the
// link lock and the session must still be current.
func (s *session) trySend(data []byte, tok *link.Token) {
	select {
	case s.send <- outbound{data: data, tok: tok}:
	default:
		tok.Complete(ErrSendBufferFull)
	}
}

// closeSend stops the write pump once the queue is drained.
func (s *session) closeSend() {
	s.sendOnce.Do(func() { close(s.send) })
}

// writePump writes queued frames in order. After the first write error
// the socket is closed and the rest of the queue fails.
func (s *session) writePump() {
	defer close(s.writerDone)

	var failed error
	for out := range s.send {
		if failed != nil {
			out.tok.Complete(failed)
			continue
		}
		//nolint:errcheck // Best-effort deadline; write error caught below
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
			failed = fmt.Errorf("%w: %w", ErrPublishFailed, err)
			out.tok.Complete(failed)
			s.conn.Close() //nolint:errcheck // Read pump reports the loss
			continue
		}
		out.tok.Complete(nil)
	}
}

// stop closes a detached session. Queued frames get up to quiesce to be
// written before a normal close frame is sent.
func (s *session) stop(quiesce time.Duration) {
	s.closeSend()

	timer := time.NewTimer(quiesce)
	select {
	case <-s.writerDone:
	case <-timer.C:
	}
	timer.Stop()

	//nolint:errcheck // Best-effort close message
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.conn.Close() //nolint:errcheck // Already shutting down

	<-s.writerDone
	<-s.readerDone
}
