package push

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"peercall-backend/pkg/logger"
)

// FCMProvider sends through Firebase Cloud Messaging, which also relays to
// iOS devices registered with an FCM token
type FCMProvider struct {
	client *messaging.Client
}

// FCMConfig takes either a service account file or its JSON content
type FCMConfig struct {
	CredentialsPath string
	CredentialsJSON []byte
	ProjectID       string
}

func NewFCMProvider(ctx context.Context, cfg *FCMConfig) (*FCMProvider, error) {
	var opt option.ClientOption
	switch {
	case cfg == nil:
		return nil, errors.New("FCM config is required")
	case len(cfg.CredentialsJSON) > 0:
		opt = option.WithCredentialsJSON(cfg.CredentialsJSON)
	case cfg.CredentialsPath != "":
		opt = option.WithCredentialsFile(cfg.CredentialsPath)
	default:
		return nil, errors.New("FCM needs CredentialsPath or CredentialsJSON")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Info("FCM provider initialized", zap.String("project_id", cfg.ProjectID))
	return &FCMProvider{client: client}, nil
}

// fcmMessage maps a notification onto one multicast message
func fcmMessage(n *Notification, tokens []string) *messaging.MulticastMessage {
	android := &messaging.AndroidConfig{
		CollapseKey: n.CollapseKey,
		Notification: &messaging.AndroidNotification{
			Sound:     n.Sound,
			ChannelID: n.Category,
		},
	}
	if n.Priority == "high" {
		android.Priority = "high"
	}
	if n.TTL > 0 {
		ttl := n.TTL
		android.TTL = &ttl
	}

	apns := &messaging.APNSConfig{
		Headers: map[string]string{},
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{Sound: n.Sound, Category: n.Category},
		},
	}
	if n.CollapseKey != "" {
		apns.Headers["apns-collapse-id"] = n.CollapseKey
	}
	if n.Priority == "high" {
		apns.Headers["apns-priority"] = "10"
	}

	return &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: n.Title, Body: n.Body},
		Data:         n.Data,
		Android:      android,
		APNS:         apns,
	}
}

func (f *FCMProvider) Send(ctx context.Context, n *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	batch, err := f.client.SendEachForMulticast(ctx, fcmMessage(n, tokens))
	if err != nil {
		return nil, fmt.Errorf("failed to send FCM message: %w", err)
	}

	result := &SendResult{SuccessCount: batch.SuccessCount, FailureCount: batch.FailureCount}
	for i, resp := range batch.Responses {
		if resp.Success || resp.Error == nil {
			continue
		}
		result.Errors = append(result.Errors, resp.Error)
		if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
		logger.Warn("FCM send failed for token",
			zap.String("token_prefix", maskPushToken(tokens[i])),
			zap.Error(resp.Error))
	}
	return result, nil
}
