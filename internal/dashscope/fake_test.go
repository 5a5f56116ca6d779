package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	in     chan inbound
	sent   chan Frame
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inbound, 64),
		sent:   make(chan Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.messageType, m.data, m.err
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	c.sent <- f
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentFrames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func (c *fakeConn) event(name string) {
	c.eventWithError(name, "", "")
}

func (c *fakeConn) eventWithError(name, code, message string) {
	raw, _ := json.Marshal(Frame{Header: Header{Event: name, TaskID: "t", ErrorCode: code, ErrorMessage: message}})
	c.in <- inbound{messageType: websocket.TextMessage, data: raw}
}

func (c *fakeConn) audio(p []byte) {
	c.in <- inbound{messageType: websocket.BinaryMessage, data: p}
}

type fakeDialer struct {
	conn *fakeConn
	err  error

	mu    sync.Mutex
	dials int
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type memSink struct {
	mu       sync.Mutex
	buf      []byte
	closed   bool
	aborted  bool
	writeErr error
	closeErr error
}

func (s *memSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.buf = append(s.buf, p...)
	return nil
}

func (s *memSink) Close() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.closeErr != nil {
		return "", s.closeErr
	}
	return "mem://artifact", nil
}

func (s *memSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *memSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}
