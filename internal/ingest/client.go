package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"backend-fieldtrack/internal/metrics"
	"backend-fieldtrack/internal/shared/apperr"
)

// ErrDisconnected is returned by Connect when Disconnect was called while the
// connection was being established.
var ErrDisconnected = errors.New("disconnect requested")

type Status struct {
	State     State     `json:"state"`
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

type Client struct {
	source   Source
	handler  Handler
	channels []string
	now      func() time.Time

	mu      sync.Mutex
	state   State
	lastErr error
	since   time.Time
	attempt uint64
	current *link
	last    *link
	halt    chan struct{}
}

// link is one established connection. done closes when it ends; err is nil
// when the end was requested.
type link struct {
	conn Conn
	done chan struct{}
	once sync.Once
	err  error
}

func (l *link) finish(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

func NewClient(source Source, handler Handler, channels []string) *Client {
	c := &Client{
		source:   source,
		handler:  handler,
		channels: append([]string(nil), channels...),
		now:      time.Now,
		state:    StateDisconnected,
		halt:     make(chan struct{}),
	}
	c.since = c.now()
	metrics.SetChannelState(string(StateDisconnected), allStates...)
	return c
}

// Connect dials with token, subscribes every channel and starts reading.
// Connecting an already subscribed client is a no-op.
func (c *Client) Connect(ctx context.Context, token string) error {
	if token == "" {
		err := fmt.Errorf("connect: %w", apperr.ErrAuthentication)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateSubscribed:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return &apperr.ChannelError{Op: "connect", Err: errors.New("connect already in progress")}
	}
	c.attempt++
	attempt := c.attempt
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.source.Dial(ctx, token)
	if err != nil {
		if !errors.Is(err, apperr.ErrAuthentication) {
			err = &apperr.ChannelError{Op: "dial", Err: err}
		}
		return c.abort(attempt, err)
	}

	for _, ch := range c.channels {
		if err := conn.Send(channelMessage(eventSubscribe, ch)); err != nil {
			_ = conn.Close()
			return c.abort(attempt, &apperr.ChannelError{Op: "subscribe " + ch, Err: err})
		}
	}

	l := &link{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	if attempt != c.attempt {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	c.current = l
	c.last = l
	c.lastErr = nil
	c.setStateLocked(StateSubscribed)
	c.mu.Unlock()

	log.Printf("ingest: subscribed to %s", strings.Join(c.channels, ", "))
	go c.readLoop(l)
	return nil
}

func (c *Client) abort(attempt uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt != c.attempt {
		return ErrDisconnected
	}
	c.lastErr = err
	c.setStateLocked(StateDisconnected)
	return err
}

// Disconnect unsubscribes and closes the connection. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.attempt++
	l := c.current
	c.current = nil
	close(c.halt)
	c.halt = make(chan struct{})
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if l == nil {
		return
	}
	l.finish(nil)
	for _, ch := range c.channels {
		_ = l.conn.Send(channelMessage(eventUnsubscribe, ch))
	}
	_ = l.conn.Close()
	log.Printf("ingest: disconnected")
}

// Wait blocks until the latest connection ends. It returns nil when the end
// was requested through Disconnect.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	l := c.last
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Connected: c.state == StateSubscribed, Since: c.since}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// halted closes on the next Disconnect.
func (c *Client) halted() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halt
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	c.since = c.now()
	metrics.SetChannelState(string(s), allStates...)
}

func (c *Client) readLoop(l *link) {
	for {
		msg, err := l.conn.Receive()
		if err != nil {
			if errors.Is(err, apperr.ErrMalformedPayload) {
				log.Printf("ingest: dropping message: %v", err)
				metrics.EventsDropped.WithLabelValues("malformed_envelope").Inc()
				continue
			}
			c.lost(l, err)
			return
		}
		c.dispatch(l, msg)
	}
}

func (c *Client) lost(l *link, err error) {
	chErr := &apperr.ChannelError{Op: "receive", Err: err}

	c.mu.Lock()
	owned := c.current == l
	if owned {
		c.current = nil
		c.lastErr = chErr
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	_ = l.conn.Close()
	if owned {
		log.Printf("ingest: connection lost: %v", err)
		l.finish(chErr)
	}
}

func (c *Client) dispatch(l *link, msg Message) {
	switch {
	case msg.Event == eventPing:
		if err := l.conn.Send(Message{Event: eventPong, Data: []byte("{}")}); err != nil {
			log.Printf("ingest: pong failed: %v", err)
		}
	case msg.Event == eventError:
		log.Printf("ingest: channel error: %s", payloadOf(msg.Data))
	case strings.HasPrefix(msg.Event, "pusher:"), strings.HasPrefix(msg.Event, "pusher_internal:"):
	default:
		event := strings.TrimPrefix(msg.Event, ".")
		c.handler.HandleMessage(msg.Channel, event, payloadOf(msg.Data))
	}
}
