package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
)

// APNsProvider sends straight to Apple, one request per device
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
	now      func() time.Time
}

// APNsConfig takes a .p8 signing key (KeyPath, KeyID, TeamID) or, failing
// that, a .p12 certificate
type APNsConfig struct {
	CertificatePath     string
	CertificatePassword string

	KeyPath string
	KeyID   string
	TeamID  string

	BundleID   string
	Production bool
}

func (c *APNsConfig) client() (*apns2.Client, error) {
	switch {
	case c.KeyPath != "" && c.KeyID != "" && c.TeamID != "":
		authKey, err := token.AuthKeyFromFile(c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load APNs key: %w", err)
		}
		return apns2.NewTokenClient(&token.Token{AuthKey: authKey, KeyID: c.KeyID, TeamID: c.TeamID}), nil
	case c.CertificatePath != "":
		cert, err := certificate.FromP12File(c.CertificatePath, c.CertificatePassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		return apns2.NewClient(cert), nil
	default:
		return nil, errors.New("APNs needs a signing key (KeyPath, KeyID, TeamID) or CertificatePath")
	}
}

func NewAPNsProvider(cfg *APNsConfig) (*APNsProvider, error) {
	if cfg == nil || cfg.BundleID == "" {
		return nil, errors.New("APNs BundleID is required")
	}
	client, err := cfg.client()
	if err != nil {
		return nil, err
	}
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized",
		zap.String("bundle_id", cfg.BundleID),
		zap.Bool("production", cfg.Production))
	return &APNsProvider{client: client, bundleID: cfg.BundleID, now: time.Now}, nil
}

// apnsNotification builds the request for one device
func apnsNotification(n *Notification, deviceToken, topic string, now time.Time) *apns2.Notification {
	p := payload.NewPayload().AlertTitle(n.Title).AlertBody(n.Body)
	if n.Sound != "" {
		p.Sound(n.Sound)
	}
	if n.Category != "" {
		p.Category(n.Category)
	}
	for key, value := range n.Data {
		p.Custom(key, value)
	}

	msg := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       topic,
		Payload:     p,
		Priority:    apns2.PriorityLow,
		CollapseID:  n.CollapseKey,
	}
	if n.Priority == "high" {
		msg.Priority = apns2.PriorityHigh
	}
	if n.TTL > 0 {
		msg.Expiration = now.Add(n.TTL)
	}
	return msg
}

// invalidAPNsToken reports responses after which the token should be dropped
func invalidAPNsToken(resp *apns2.Response) bool {
	if resp.StatusCode == http.StatusGone {
		return true
	}
	switch resp.Reason {
	case apns2.ReasonUnregistered, apns2.ReasonBadDeviceToken, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}

func (a *APNsProvider) Send(ctx context.Context, n *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}
	now := a.now()

	for _, deviceToken := range tokens {
		resp, err := a.client.PushWithContext(ctx, apnsNotification(n, deviceToken, a.bundleID, now))
		if err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, err)
			logger.Warn("Failed to send APNs notification",
				zap.String("token_prefix", maskPushToken(deviceToken)),
				zap.Error(err))
			continue
		}
		if resp.Sent() {
			result.SuccessCount++
			continue
		}

		result.FailureCount++
		result.Errors = append(result.Errors, fmt.Errorf("APNs error: %s", resp.Reason))
		if invalidAPNsToken(resp) {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}
		logger.Warn("APNs notification failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("reason", resp.Reason),
			zap.String("token_prefix", maskPushToken(deviceToken)))
	}
	return result, nil
}
