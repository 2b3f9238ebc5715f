package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"peercall-backend/pkg/push"
)

// PushTokenRepository keeps device push tokens in process memory
type PushTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]*push.Token
}

var _ push.TokenRepository = (*PushTokenRepository)(nil)

// NewPushTokenRepository creates an empty repository
func NewPushTokenRepository() *PushTokenRepository {
	return &PushTokenRepository{tokens: make(map[string]*push.Token)}
}

// Store saves a new token
func (r *PushTokenRepository) Store(_ context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	cp := *token
	r.mu.Lock()
	r.tokens[token.Token] = &cp
	r.mu.Unlock()
	return nil
}

// GetByToken returns nil, nil when the token is unknown
func (r *PushTokenRepository) GetByToken(_ context.Context, token string) (*push.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[token]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// GetByUserID returns every token registered to the user, active or not
func (r *PushTokenRepository) GetByUserID(_ context.Context, userID uuid.UUID) ([]*push.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*push.Token
	for _, t := range r.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Update replaces a stored token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	return r.Store(ctx, token)
}

// MarkInactive stops pushes to a token the provider rejected
func (r *PushTokenRepository) MarkInactive(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[token]; ok {
		t.Active = false
		t.UpdatedAt = time.Now().Unix()
	}
	return nil
}
