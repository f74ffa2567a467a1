package auth

import "sync"

// TokenSource supplies the bearer token used against the field-operations backend.
// An empty token means no credentials are available yet.
type TokenSource interface {
	Token() string
}

// TokenHolder is a TokenSource whose value can be replaced at runtime, e.g.
// when the configured token is rotated.
type TokenHolder struct {
	mu    sync.RWMutex
	token string
}

func NewTokenHolder(token string) *TokenHolder {
	return &TokenHolder{token: token}
}

func (h *TokenHolder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

func (h *TokenHolder) Set(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}
