package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/service/callrecord"
	"peercall-backend/internal/service/mailbox"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/env"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/response"
)

// Stream names, used as metric labels
const (
	streamCall    = "call"
	streamActive  = "active_call"
	streamSignals = "signals"
)

// StreamHandler serves the call record, active call and mailbox
// subscriptions over websockets. Every frame is a full snapshot, so a slow
// reader only ever gets the newest one.
type StreamHandler struct {
	calls   *callrecord.Service
	mailbox *mailbox.Service
	metrics *metrics.Metrics

	upgrader       websocket.Upgrader
	maxConnections int
	semaphore      chan struct{}
	pingInterval   time.Duration
}

// NewStreamHandler creates a stream handler. The connection limit comes from
// WS_MAX_STREAM_CONNECTIONS.
func NewStreamHandler(calls *callrecord.Service, mb *mailbox.Service, m *metrics.Metrics) *StreamHandler {
	maxConns := env.GetInt("WS_MAX_STREAM_CONNECTIONS", 1000)
	if maxConns <= 0 {
		maxConns = 1000
	}
	allowedOrigins := middleware.AllowedOrigins()

	return &StreamHandler{
		calls:   calls,
		mailbox: mb,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin; browsers must match
				return origin == "" || allowedOrigins[origin]
			},
		},
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
		pingInterval:   constants.WebSocketPingInterval,
	}
}

// ServeCall streams one call record
// GET /v1/calls/:id/ws
func (h *StreamHandler) ServeCall(c *gin.Context) {
	call, userID, ok := h.participantCall(c)
	if !ok {
		return
	}

	h.serve(c, streamCall, userID, func(ctx context.Context, push func(any)) (func(), error) {
		return h.calls.SubscribeCallRecord(ctx, call.CallID, func(rec *domain.CallRecord) {
			push(CallFrame{Type: FrameTypeCall, Call: rec})
		})
	})
}

// ServeActive streams the caller's live call, null when there is none
// GET /v1/calls/active/ws
func (h *StreamHandler) ServeActive(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	h.serve(c, streamActive, userID, func(ctx context.Context, push func(any)) (func(), error) {
		return h.calls.SubscribeActiveCallsFor(ctx, userID, func(rec *domain.CallRecord) {
			push(CallFrame{Type: FrameTypeCall, Call: rec})
		})
	})
}

// ServeSignals streams a call's mailbox
// GET /v1/calls/:id/signals/ws
func (h *StreamHandler) ServeSignals(c *gin.Context) {
	call, userID, ok := h.participantCall(c)
	if !ok {
		return
	}

	h.serve(c, streamSignals, userID, func(ctx context.Context, push func(any)) (func(), error) {
		return h.mailbox.Subscribe(ctx, call.CallID, func(signals []*domain.SignalMessage) {
			if signals == nil {
				signals = []*domain.SignalMessage{}
			}
			push(SignalsFrame{Type: FrameTypeSignals, Signals: signals})
		})
	})
}

func (h *StreamHandler) participantCall(c *gin.Context) (*domain.CallRecord, uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return nil, uuid.Nil, false
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return nil, uuid.Nil, false
	}

	call, err := h.calls.GetCallForUser(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return nil, uuid.Nil, false
	}
	return call, userID, true
}

type subscribeFunc func(ctx context.Context, push func(frame any)) (func(), error)

// serve upgrades the request and pumps frames from subscribe until either
// side goes away
func (h *StreamHandler) serve(c *gin.Context, stream string, userID uuid.UUID, subscribe subscribeFunc) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Server at capacity, please try again later")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("stream", stream),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &streamClient{
		conn:    conn,
		stream:  stream,
		userID:  userID,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		metrics: h.metrics,
		ping:    h.pingInterval,
	}

	unsubscribe, err := subscribe(ctx, client.push)
	if err != nil {
		logger.Warn("Stream subscription failed",
			zap.String("stream", stream),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(constants.WebSocketWriteWait))
		conn.Close()
		cancel()
		<-h.semaphore
		return
	}

	h.metrics.WebSocketOpened(stream)
	go func() {
		defer func() {
			unsubscribe()
			h.metrics.WebSocketClosed(stream)
			<-h.semaphore
		}()
		client.writePump()
	}()
	go client.readPump()
}

// streamClient is one websocket subscriber. pending holds the newest
// unwritten frame.
type streamClient struct {
	conn    *websocket.Conn
	stream  string
	userID  uuid.UUID
	metrics *metrics.Metrics
	ping    time.Duration

	mu      sync.Mutex
	pending []byte
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *streamClient) push(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("Failed to encode stream frame",
			zap.String("stream", c.stream),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	c.pending = data
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *streamClient) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.pending
	c.pending = nil
	return data
}

// readPump discards client messages; it exists to process pongs and notice
// the peer closing
func (c *streamClient) readPump() {
	defer c.cancel()

	pongWait := c.ping + 10*time.Second
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("stream", c.stream),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
	}
}

// writePump writes frames and keepalive pings
func (c *streamClient) writePump() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(constants.WebSocketWriteWait))
			return

		case <-c.wake:
			data := c.take()
			if data == nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			c.metrics.RecordWebSocketMessage(c.stream)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
