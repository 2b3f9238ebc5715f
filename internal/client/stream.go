package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
)

const (
	frameCall    = "call"
	frameSignals = "signals"
)

type frame struct {
	Type    string                  `json:"type"`
	Call    *domain.CallRecord      `json:"call"`
	Signals []*domain.SignalMessage `json:"signals"`
}

// subscribe opens a snapshot stream and calls onFrame for every frame until
// ctx is done or the returned func is called. A dropped connection is
// redialled with backoff; frames are full snapshots, so nothing is lost.
// Only the first dial's failure is returned. onFrame calls are sequential.
func (c *Client) subscribe(ctx context.Context, path string, onFrame func(frame)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	conn, err := c.dial(subCtx, path)
	if err != nil {
		cancel()
		return nil, err
	}

	var (
		mu      sync.Mutex
		current = conn
		once    sync.Once
	)
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			mu.Lock()
			current.Close()
			mu.Unlock()
		})
	}

	go func() {
		backoff := c.reconnectMin
		for {
			c.readFrames(subCtx, current, onFrame)
			if subCtx.Err() != nil {
				return
			}

			for {
				select {
				case <-subCtx.Done():
					return
				case <-time.After(backoff):
				}
				next, err := c.dial(subCtx, path)
				if err == nil {
					mu.Lock()
					current = next
					mu.Unlock()
					if subCtx.Err() != nil {
						next.Close()
						return
					}
					backoff = c.reconnectMin
					break
				}
				if apperrors.HasCode(err, apperrors.ErrCodeForbidden) || apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
					c.log.Warn("Stream can no longer be opened", zap.String("path", path), zap.Error(err))
					return
				}
				c.log.Debug("Stream reconnect failed", zap.String("path", path), zap.Error(err))
				backoff *= 2
				if backoff > c.reconnectMax {
					backoff = c.reconnectMax
				}
			}
		}
	}()

	return unsubscribe, nil
}

func (c *Client) readFrames(ctx context.Context, conn *websocket.Conn, onFrame func(frame)) {
	defer conn.Close()

	pongWait := constants.WebSocketPongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(constants.WebSocketWriteWait))
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Debug("Stream read failed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		onFrame(f)
	}
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(path), header)
	if err == nil {
		return conn, nil
	}
	if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
		defer resp.Body.Close()
		var env envelope
		if derr := decodeEnvelope(resp, &env); derr == nil && env.Error != nil {
			return nil, apperrors.NewWithStatus(apperrors.ErrorCode(env.Error.Code), env.Error.Message, resp.StatusCode)
		}
		return nil, apperrors.NewWithStatus(apperrors.ErrCodeInternal, fmt.Sprintf("stream handshake failed: %s", resp.Status), resp.StatusCode)
	}
	return nil, apperrors.WrapWithStatus(apperrors.ErrCodeServiceUnavail, "Call service unreachable", http.StatusServiceUnavailable, err)
}
