// Package api is the authenticated request capability used by the presence
// subsystem: status push, bulk and single presence fetch, and typing updates.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/haasonsaas/presence/pkg/models"
)

// DeviceHeader carries the per-process device id.
const DeviceHeader = "X-Device-ID"

const (
	EndpointPushStatus    = "push_status"
	EndpointFetchAll      = "fetch_all"
	EndpointFetchOne      = "fetch_one"
	EndpointTyping        = "typing"
	defaultRequestTimeout = 10 * time.Second
	maxErrorBody          = 4096
)

// Requester is the subset of the client the presence components depend on.
type Requester interface {
	PushStatus(ctx context.Context, status models.Status) (models.Presence, error)
	FetchPresences(ctx context.Context, userIDs []string) ([]models.Presence, error)
	FetchPresence(ctx context.Context, userID string) (models.Presence, error)
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// RequestObserver receives per-request timing for metrics.
type RequestObserver interface {
	ObserveRequest(endpoint, outcome string, d time.Duration)
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Tokens    oauth2.TokenSource
	DeviceID  string
	Timeout   time.Duration
	Transport http.RoundTripper
	Tracer    trace.Tracer
	Observer  RequestObserver
	Logger    *slog.Logger
}

// Client talks to the presence REST API.
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
	tracer     trace.Tracer
	observer   RequestObserver
	logger     *slog.Logger
}

// NewClient creates a client. Every request carries the bearer token from
// cfg.Tokens; the source is consulted per request so rotated credentials
// apply immediately.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	baseTransport := cfg.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("presence/api")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:  base,
		deviceID: cfg.DeviceID,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: tokenSource{cfg.Tokens},
				Base:   baseTransport,
			},
		},
		tracer:   tracer,
		observer: cfg.Observer,
		logger:   logger.With("component", "api"),
	}, nil
}

type tokenSource struct {
	src oauth2.TokenSource
}

func (t tokenSource) Token() (*oauth2.Token, error) {
	tok, err := t.src.Token()
	if err != nil {
		return nil, &tokenError{err: err}
	}
	return tok, nil
}

type statusRequest struct {
	Status models.Status `json:"status"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// PushStatus sends the local user's status and returns the server-confirmed record.
func (c *Client) PushStatus(ctx context.Context, status models.Status) (models.Presence, error) {
	var out models.Presence
	err := c.do(ctx, EndpointPushStatus, http.MethodPost, "/presence/status", statusRequest{Status: status}, &out)
	return out, err
}

// FetchPresences returns every known presence, optionally filtered to userIDs.
func (c *Client) FetchPresences(ctx context.Context, userIDs []string) ([]models.Presence, error) {
	path := "/presence"
	if len(userIDs) > 0 {
		path += "?" + url.Values{"user_ids": {strings.Join(userIDs, ",")}}.Encode()
	}
	var raw []json.RawMessage
	if err := c.do(ctx, EndpointFetchAll, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]models.Presence, 0, len(raw))
	for _, item := range raw {
		var p models.Presence
		if err := json.Unmarshal(item, &p); err != nil {
			c.logger.Warn("skipping malformed presence record", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// FetchPresence returns one user's presence.
func (c *Client) FetchPresence(ctx context.Context, userID string) (models.Presence, error) {
	var out models.Presence
	if strings.TrimSpace(userID) == "" {
		return out, errors.New("user id is required")
	}
	err := c.do(ctx, EndpointFetchOne, http.MethodGet, "/presence/"+url.PathEscape(userID), nil, &out)
	return out, err
}

// SendTyping publishes the local user's typing state in a conversation.
func (c *Client) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return c.do(ctx, EndpointTyping, http.MethodPost, "/typing", typingRequest{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}, nil)
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, payload any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "presence.api."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("presence.endpoint", endpoint),
		),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.observer != nil {
			c.observer.ObserveRequest(endpoint, Outcome(err), time.Since(start))
		}
	}()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.deviceID != "" {
		req.Header.Set(DeviceHeader, c.deviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var tokErr *tokenError
		if errors.As(err, &tokErr) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, tokErr.err)
		}
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s returned %d", ErrUnauthorized, endpoint, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}
