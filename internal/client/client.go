// Package client talks to the call service over HTTP and websockets. It
// provides the call store, mailbox and notifier a callflow.Controller needs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/push"
)

// Client is an authenticated connection to the call service
type Client struct {
	baseURL *url.URL
	token   string
	userID  uuid.UUID

	http   *http.Client
	dialer *websocket.Dialer
	log    *zap.Logger

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithReconnectBackoff bounds the delay between stream reconnects
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.reconnectMin, c.reconnectMax = min, max
	}
}

// New creates a client for the service at baseURL acting as the token's user
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", u.Scheme)
	}

	userID, err := jwt.ExtractUserID(token)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	c := &Client{
		baseURL:      u,
		token:        token,
		userID:       userID,
		http:         &http.Client{Timeout: constants.DefaultTimeout},
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:          logger.Log,
		reconnectMin: 250 * time.Millisecond,
		reconnectMax: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UserID is the authenticated user
func (c *Client) UserID() uuid.UUID {
	return c.userID
}

// Calls returns the call record collaborator
func (c *Client) Calls() *CallStore {
	return &CallStore{c: c}
}

// Mailbox returns the signal mailbox collaborator
func (c *Client) Mailbox() *Mailbox {
	return &Mailbox{c: c}
}

// Notifier returns the notification sink
func (c *Client) Notifier() *Notifier {
	return &Notifier{c: c}
}

// RegisterPushToken registers a device for missed-call pushes
func (c *Client) RegisterPushToken(ctx context.Context, token string, tokenType push.TokenType, platform string) error {
	body := map[string]string{"token": token, "type": string(tokenType), "platform": platform}
	return c.do(ctx, http.MethodPost, "/v1/push/tokens", body, nil)
}

// UnregisterPushToken stops pushes to a device, reporting whether the
// token was registered to this user
func (c *Client) UnregisterPushToken(ctx context.Context, token string) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/v1/push/tokens", map[string]string{"token": token}, &out)
	return out.Removed, err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends a JSON request and decodes the envelope's data into out. Error
// envelopes come back as *apperrors.AppError with the server's code.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.WrapWithStatus(apperrors.ErrCodeServiceUnavail, "Call service unreachable", http.StatusServiceUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := decodeEnvelope(resp, &env); err != nil {
		return fmt.Errorf("failed to decode %s %s response (status %d): %w", method, path, resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		if env.Error == nil {
			return apperrors.NewWithStatus(apperrors.ErrCodeInternal, resp.Status, resp.StatusCode)
		}
		return apperrors.NewWithStatus(apperrors.ErrorCode(env.Error.Code), env.Error.Message, resp.StatusCode)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s %s data: %w", method, path, err)
		}
	}
	return nil
}

func decodeEnvelope(resp *http.Response, env *envelope) error {
	return json.NewDecoder(resp.Body).Decode(env)
}

func (c *Client) wsURL(path string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += path
	return u.String()
}

func callPath(callID uuid.UUID, suffix string) string {
	return "/v1/calls/" + callID.String() + suffix
}
