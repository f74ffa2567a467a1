package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"backend-fieldtrack/internal/auth"
	"backend-fieldtrack/internal/shared/apperr"
)

type received struct {
	channel string
	event   string
	payload string
}

type recorder struct {
	ch chan received
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan received, 16)}
}

func (r *recorder) HandleMessage(channel, event string, payload []byte) {
	r.ch <- received{channel, event, string(payload)}
}

func (r *recorder) next(t *testing.T) received {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for dispatched message")
	}
	return received{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var testChannels = []string{"tracking", "operaciones", "asistencias"}

func TestConnectWithoutTokenStaysDisconnected(t *testing.T) {
	src := NewNullSource()
	c := NewClient(src, newRecorder(), testChannels)

	err := c.Connect(context.Background(), "")
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	st := c.Status()
	if st.State != StateDisconnected || st.Connected || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if src.Dials() != 0 {
		t.Fatalf("expected no dial attempt")
	}
}

func TestConnectSubscribesChannels(t *testing.T) {
	src := NewNullSource()
	c := NewClient(src, newRecorder(), testChannels)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := c.Status(); st.State != StateSubscribed || !st.Connected {
		t.Fatalf("expected subscribed, got %+v", st)
	}
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("second connect should be a no-op: %v", err)
	}
	if src.Dials() != 1 {
		t.Fatalf("expected single dial, got %d", src.Dials())
	}

	sent := src.Sent()
	if len(sent) != len(testChannels) {
		t.Fatalf("expected %d subscribe messages, got %d", len(testChannels), len(sent))
	}
	for i, msg := range sent {
		var data struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("subscribe data: %v", err)
		}
		if msg.Event != "pusher:subscribe" || data.Channel != testChannels[i] {
			t.Fatalf("unexpected subscribe message %+v", msg)
		}
	}
}

func TestDispatchUnwrapsData(t *testing.T) {
	src := NewNullSource()
	rec := newRecorder()
	c := NewClient(src, rec, testChannels)
	defer c.Disconnect()
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	src.Push(Message{Event: "pusher_internal:subscription_succeeded", Channel: "tracking"})
	src.Push(Message{Event: "location.updated", Channel: "tracking", Data: json.RawMessage(`"{\"userId\":1}"`)})
	src.Push(Message{Event: ".formulario.creado", Channel: "operaciones", Data: json.RawMessage(`{"id":9}`)})

	first := rec.next(t)
	if first.event != "location.updated" || first.channel != "tracking" || first.payload != `{"userId":1}` {
		t.Fatalf("unexpected dispatch %+v", first)
	}
	second := rec.next(t)
	if second.event != "formulario.creado" || second.payload != `{"id":9}` {
		t.Fatalf("unexpected dispatch %+v", second)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	src := NewNullSource()
	c := NewClient(src, newRecorder(), []string{"tracking"})
	defer c.Disconnect()
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	src.Push(Message{Event: "pusher:ping"})
	waitFor(t, "pong", func() bool {
		sent := src.Sent()
		return len(sent) == 2 && sent[1].Event == "pusher:pong"
	})
}

func TestConnectionLossReported(t *testing.T) {
	src := NewNullSource()
	c := NewClient(src, newRecorder(), testChannels)
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	src.Drop()
	err := c.Wait(context.Background())
	var chErr *apperr.ChannelError
	if !errors.As(err, &chErr) || !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable channel error, got %v", err)
	}
	if st := c.Status(); st.State != StateDisconnected || st.Connected || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	src := NewNullSource()
	c := NewClient(src, newRecorder(), []string{"tracking"})
	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect()
	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("expected nil after requested disconnect, got %v", err)
	}
	if st := c.Status(); st.State != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", st.State)
	}
	sent := src.Sent()
	if sent[len(sent)-1].Event != "pusher:unsubscribe" {
		t.Fatalf("expected unsubscribe on disconnect")
	}
}

func TestDialFailure(t *testing.T) {
	src := NewNullSource()
	src.SetDialErr(errors.New("connection refused"))
	c := NewClient(src, newRecorder(), testChannels)

	err := c.Connect(context.Background(), "tok")
	var chErr *apperr.ChannelError
	if !errors.As(err, &chErr) || chErr.Op != "dial" {
		t.Fatalf("expected dial channel error, got %v", err)
	}
	if c.Status().State != StateDisconnected {
		t.Fatalf("expected disconnected")
	}
}

func TestSupervisorReconnectsAfterLoss(t *testing.T) {
	src := NewNullSource()
	c := NewClient(src, newRecorder(), testChannels)
	s := NewSupervisor(c, auth.NewTokenHolder("tok"), time.Minute)

	var mu sync.Mutex
	var delays []time.Duration
	s.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "first subscribe", func() bool { return c.Status().Connected })
	src.Drop()
	waitFor(t, "reconnect", func() bool { return src.Dials() == 2 && c.Status().Connected })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if c.Status().State != StateDisconnected {
		t.Fatalf("expected disconnected after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 1 || delays[0] != time.Minute {
		t.Fatalf("expected one flat delay, got %v", delays)
	}
}

func TestSupervisorWaitsForToken(t *testing.T) {
	src := NewNullSource()
	c := NewClient(src, newRecorder(), testChannels)
	tokens := auth.NewTokenHolder("")
	s := NewSupervisor(c, tokens, 0)

	ticks := make(chan time.Time)
	waiting := make(chan time.Duration, 4)
	s.after = func(d time.Duration) <-chan time.Time {
		waiting <- d
		return ticks
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case d := <-waiting:
		if d != DefaultReconnectDelay {
			t.Fatalf("expected default delay, got %s", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for retry delay")
	}
	if src.Dials() != 0 || c.Status().State != StateDisconnected {
		t.Fatalf("expected no dial without a token")
	}

	tokens.Set("fresh")
	ticks <- time.Now()
	waitFor(t, "subscribe", func() bool { return c.Status().Connected })
	if got := src.Tokens(); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("expected dial with refreshed token, got %v", got)
	}

	c.Disconnect()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after disconnect, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("supervisor kept running after disconnect")
	}
}

func TestSupervisorStopsOnDisconnectDuringDelay(t *testing.T) {
	src := NewNullSource()
	src.SetDialErr(errors.New("unreachable"))
	c := NewClient(src, newRecorder(), testChannels)
	s := NewSupervisor(c, auth.NewTokenHolder("tok"), time.Hour)
	waiting := make(chan struct{}, 1)
	s.after = func(time.Duration) <-chan time.Time {
		waiting <- struct{}{}
		return make(chan time.Time)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	<-waiting
	c.Disconnect()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("supervisor did not stop")
	}
}
