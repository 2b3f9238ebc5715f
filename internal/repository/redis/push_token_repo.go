package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/push"
)

// PushTokenRepository keeps each device token as a JSON value keyed by the
// token, plus a per-user set of token strings. Both expire after
// constants.PushTokenExpiry unless refreshed by a new registration.
type PushTokenRepository struct {
	client *database.RedisClient
}

var _ push.TokenRepository = (*PushTokenRepository)(nil)

func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return "push:token:" + token
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}
	if err := r.put(ctx, token); err != nil {
		return err
	}
	logger.Debug("Push token stored",
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))
	return nil
}

func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	return r.put(ctx, token)
}

// GetByToken returns nil, nil for an unknown or expired token
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.SafeGet(ctx, tokenKey(tokenStr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID skips set members whose value has expired or now belongs to
// another user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	members, err := r.client.SafeSMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var tokens []*push.Token
	for _, member := range members {
		token, err := r.GetByToken(ctx, member)
		if err != nil {
			logger.Warn("Skipping unreadable push token", zap.String("user_id", userID.String()), zap.Error(err))
			continue
		}
		if token != nil && token.UserID == userID {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil || token == nil {
		return err
	}
	token.Active = false
	return r.put(ctx, token)
}

func (r *PushTokenRepository) put(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.SafeSet(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	if err := r.client.SafeAddToSet(ctx, userTokensKey(token.UserID), constants.PushTokenExpiry, token.Token); err != nil {
		return fmt.Errorf("failed to index token for user: %w", err)
	}
	return nil
}
