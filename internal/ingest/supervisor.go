package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"backend-fieldtrack/internal/auth"
	"backend-fieldtrack/internal/metrics"
	"backend-fieldtrack/internal/shared/apperr"
)

const DefaultReconnectDelay = 5 * time.Second

// Supervisor keeps the client connected. Every failure, including a missing
// or rejected token, is retried after the same fixed delay.
type Supervisor struct {
	client *Client
	tokens auth.TokenSource
	delay  time.Duration
	after  func(time.Duration) <-chan time.Time
}

func NewSupervisor(client *Client, tokens auth.TokenSource, delay time.Duration) *Supervisor {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Supervisor{client: client, tokens: tokens, delay: delay, after: time.After}
}

// Run returns nil once Disconnect is called on the client, or ctx.Err() when
// ctx ends; the connection is closed either way.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		halt := s.client.halted()

		err := s.client.Connect(ctx, s.tokens.Token())
		if err == nil {
			err = s.client.Wait(ctx)
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			s.client.Disconnect()
			return ctx.Err()
		}
		if errors.Is(err, ErrDisconnected) {
			return nil
		}

		if errors.Is(err, apperr.ErrAuthentication) {
			log.Printf("ingest: no usable token, checking again in %s", s.delay)
		} else {
			log.Printf("ingest: %v; reconnecting in %s", err, s.delay)
		}
		metrics.Reconnects.Inc()

		select {
		case <-ctx.Done():
			s.client.Disconnect()
			return ctx.Err()
		case <-halt:
			return nil
		case <-s.after(s.delay):
		}
	}
}
