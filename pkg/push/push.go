package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/resilience"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
	// CollapseKey lets a later push for the same call replace an earlier one
	CollapseKey string `json:"collapse_key,omitempty"`
	// TTL drops the push if it cannot be delivered in time; zero keeps the
	// provider default
	TTL time.Duration `json:"ttl,omitempty"`
}

// IncomingCall describes a ringing call for the callee's devices
type IncomingCall struct {
	CallID     uuid.UUID
	CallerID   uuid.UUID
	CallerName string
	CallType   string
	CreatedAt  time.Time
}

// MissedCall describes a call the recipient never got to talk on
type MissedCall struct {
	CallID     uuid.UUID
	FromUserID uuid.UUID
	Message    string
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	// GetByToken returns nil, nil when the token is unknown
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	MarkInactive(ctx context.Context, token string) error
}

// The provider is skipped for a while after this many failures in a row
const (
	providerFailureThreshold = 5
	providerCooldown         = 30 * time.Second
)

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	breaker  *resilience.Breaker
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		breaker:  resilience.NewBreaker("push_provider", providerFailureThreshold, providerCooldown),
	}
}

// RegisterToken registers a push notification token for a user, reactivating
// it when the device registers again
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err != nil {
		return fmt.Errorf("failed to look up push token: %w", err)
	}
	if existing != nil {
		existing.UserID = token.UserID
		existing.Active = true
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		*token = *existing
		return s.repo.Update(ctx, existing)
	}

	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken stops pushes to a device. Tokens registered by another
// user are left alone and reported as not found.
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, tokenStr string) (bool, error) {
	existing, err := s.repo.GetByToken(ctx, tokenStr)
	if err != nil {
		return false, fmt.Errorf("failed to look up push token: %w", err)
	}
	if existing == nil || existing.UserID != userID || !existing.Active {
		return false, nil
	}
	if err := s.repo.MarkInactive(ctx, tokenStr); err != nil {
		return false, fmt.Errorf("failed to deactivate push token: %w", err)
	}
	return true, nil
}

// SendIncomingCall rings the callee's devices
func (s *Service) SendIncomingCall(ctx context.Context, call *IncomingCall, calleeID uuid.UUID) error {
	notification := &Notification{
		Title:       "Incoming Call",
		Body:        fmt.Sprintf("%s is calling you", call.CallerName),
		Priority:    "high",
		Sound:       "default",
		Category:    "INCOMING_CALL",
		TTL:         constants.RingingStaleAfter,
		CollapseKey: call.CallID.String(),
		Data: map[string]string{
			"type":        "call",
			"call_id":     call.CallID.String(),
			"caller_id":   call.CallerID.String(),
			"caller_name": call.CallerName,
			"call_type":   call.CallType,
			"timestamp":   fmt.Sprintf("%d", call.CreatedAt.Unix()),
		},
	}
	return s.sendToUser(ctx, notification, calleeID, "incoming_call")
}

// SendMissedCall tells the recipient about a call they never answered
func (s *Service) SendMissedCall(ctx context.Context, missed *MissedCall, recipientID uuid.UUID) error {
	notification := &Notification{
		Title:       "Missed Call",
		Body:        missed.Message,
		Priority:    "normal",
		Sound:       "default",
		CollapseKey: missed.CallID.String(),
		Data: map[string]string{
			"type":         "missed_call",
			"call_id":      missed.CallID.String(),
			"from_user_id": missed.FromUserID.String(),
		},
	}
	return s.sendToUser(ctx, notification, recipientID, "missed_call")
}

func (s *Service) sendToUser(ctx context.Context, notification *Notification, userID uuid.UUID, kind string) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}

	if len(active) == 0 {
		logger.Debug("No active push tokens for user",
			zap.String("user_id", userID.String()),
			zap.String("kind", kind))
		return nil
	}

	var result *SendResult
	err = s.breaker.Execute(ctx, kind, func(ctx context.Context) error {
		var sendErr error
		result, sendErr = s.provider.Send(ctx, notification, active)
		return sendErr
	})
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("user_id", userID.String()),
			zap.String("kind", kind),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}

	logger.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.String("kind", kind),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, token := range invalidTokens {
		if err := s.repo.MarkInactive(ctx, token); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token_prefix", maskPushToken(token)),
				zap.Error(err))
		}
	}
}

// maskPushToken returns a safe masked version of a push token for logging
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	Sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.Sent = append(m.Sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Count returns how many notifications were sent
func (m *MockProvider) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
