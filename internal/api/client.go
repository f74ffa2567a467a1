// Package api is the HTTP client for the field-operations backend's admin
// tracking endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"backend-fieldtrack/internal/auth"
	"backend-fieldtrack/internal/marker"
	"backend-fieldtrack/internal/metrics"
	"backend-fieldtrack/internal/presence"
	"backend-fieldtrack/internal/route"
	"backend-fieldtrack/internal/shared/apperr"
)

const (
	EndpointActiveUsers    = "/admin/active-users-locations"
	EndpointActiveSessions = "/admin/tracking/active-sessions"
	EndpointFormsLocations = "/admin/forms-locations"
	EndpointLocations      = "/locations"

	DefaultTimeout = 10 * time.Second
	dateLayout     = "2006-01-02"
	maxBodyBytes   = 16 << 20
)

type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
}

func NewClient(baseURL string, tokens auth.TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ActiveUsersLocations returns the last known location of every worker.
func (c *Client) ActiveUsersLocations(ctx context.Context) ([]presence.WorkerPresence, error) {
	var body struct {
		Users []userDTO `json:"users"`
	}
	if err := c.get(ctx, "active users", EndpointActiveUsers, nil, &body); err != nil {
		return nil, err
	}

	out := make([]presence.WorkerPresence, 0, len(body.Users))
	for _, u := range body.Users {
		if p, ok := u.presence(); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ActiveSessions returns the routes of sessions currently open on the backend.
func (c *Client) ActiveSessions(ctx context.Context) ([]route.SessionRoute, error) {
	var body struct {
		Sessions []sessionDTO `json:"sessions"`
	}
	if err := c.get(ctx, "active sessions", EndpointActiveSessions, nil, &body); err != nil {
		return nil, err
	}

	out := make([]route.SessionRoute, 0, len(body.Sessions))
	for _, s := range body.Sessions {
		if r, ok := s.route(); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// FormsLocations returns form markers for one day. userID 0 means every worker.
func (c *Client) FormsLocations(ctx context.Context, userID int, date time.Time) ([]marker.FormMarker, error) {
	q := url.Values{}
	if userID > 0 {
		q.Set("user_id", strconv.Itoa(userID))
	}
	q.Set("date", date.Format(dateLayout))

	var body struct {
		Forms []formDTO `json:"forms"`
	}
	if err := c.get(ctx, "forms locations", EndpointFormsLocations, q, &body); err != nil {
		return nil, err
	}

	out := make([]marker.FormMarker, 0, len(body.Forms))
	for _, f := range body.Forms {
		if m, ok := f.marker(); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Locations returns the raw tracking history of one worker for one day.
func (c *Client) Locations(ctx context.Context, userID int, date time.Time) ([]LocationRecord, error) {
	q := url.Values{}
	q.Set("user_id", strconv.Itoa(userID))
	q.Set("date", date.Format(dateLayout))

	var body struct {
		Data []LocationRecord `json:"data"`
	}
	if err := c.get(ctx, "locations", EndpointLocations, q, &body); err != nil {
		return nil, err
	}
	if body.Data == nil {
		body.Data = []LocationRecord{}
	}
	return body.Data, nil
}

func (c *Client) get(ctx context.Context, op, endpoint string, query url.Values, out any) error {
	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}
	if token == "" {
		log.Printf("api: %s skipped: no bearer token", op)
		metrics.APIRequests.WithLabelValues(op, "skipped").Inc()
		return fmt.Errorf("%s: %w", op, apperr.ErrAuthentication)
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &apperr.NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(op, "error").Inc()
		return &apperr.NetworkError{Op: op, Retryable: transient(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.APIRequests.WithLabelValues(op, "error").Inc()
		return &apperr.NetworkError{Op: op, Status: resp.StatusCode, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.APIRequests.WithLabelValues(op, "unauthorized").Inc()
		return &apperr.NetworkError{Op: op, Status: resp.StatusCode, Err: apperr.ErrAuthentication}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.APIRequests.WithLabelValues(op, "error").Inc()
		return &apperr.NetworkError{
			Op:        op,
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       errors.New(snippet(body)),
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.APIRequests.WithLabelValues(op, "error").Inc()
		return &apperr.NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Success != nil && !*env.Success {
		metrics.APIRequests.WithLabelValues(op, "rejected").Inc()
		msg := env.Message
		if msg == "" {
			msg = "backend reported success=false"
		}
		return &apperr.NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		metrics.APIRequests.WithLabelValues(op, "error").Inc()
		return &apperr.NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	metrics.APIRequests.WithLabelValues(op, "ok").Inc()
	return nil
}

// transient reports whether a transport failure is worth retrying. A caller
// cancelling its own context is not.
func transient(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty response"
	}
	return s
}
