package ingest

import (
	"context"
	"io"
	"net"
	"sync"
)

// NullSource is an in-process push channel. It never delivers anything on its
// own; tests drive it with Push and Drop.
type NullSource struct {
	mu      sync.Mutex
	dialErr error
	dials   int
	tokens  []string
	conns   []*nullConn
	sent    []Message
}

func NewNullSource() *NullSource {
	return &NullSource{}
}

func (s *NullSource) Dial(ctx context.Context, token string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.tokens = append(s.tokens, token)
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &nullConn{
		src:     s,
		in:      make(chan Message, 64),
		dropped: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

// SetDialErr makes subsequent dials fail with err; nil restores them.
func (s *NullSource) SetDialErr(err error) {
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

// Push delivers msg on the most recent open connection.
func (s *NullSource) Push(msg Message) bool {
	c := s.latest()
	if c == nil {
		return false
	}
	select {
	case <-c.closed:
		return false
	case c.in <- msg:
		return true
	}
}

// Drop simulates a network loss on the most recent connection.
func (s *NullSource) Drop() {
	if c := s.latest(); c != nil {
		c.dropOnce.Do(func() { close(c.dropped) })
	}
}

func (s *NullSource) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *NullSource) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Sent returns every message written by clients, across connections.
func (s *NullSource) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func (s *NullSource) latest() *nullConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

type nullConn struct {
	src       *NullSource
	in        chan Message
	dropped   chan struct{}
	closed    chan struct{}
	dropOnce  sync.Once
	closeOnce sync.Once
}

func (c *nullConn) Send(msg Message) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-c.dropped:
		return io.ErrClosedPipe
	default:
	}
	c.src.mu.Lock()
	c.src.sent = append(c.src.sent, msg)
	c.src.mu.Unlock()
	return nil
}

func (c *nullConn) Receive() (Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.dropped:
		return Message{}, io.ErrUnexpectedEOF
	case <-c.closed:
		return Message{}, net.ErrClosed
	}
}

func (c *nullConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
