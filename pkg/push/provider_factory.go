package push

import (
	"context"
	"errors"
	"fmt"

	"peercall-backend/pkg/config"
)

// ProviderType names a push backend, as set by PUSH_PROVIDER
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider builds the configured backend. An empty provider means mock.
func NewProvider(ctx context.Context, cfg *config.PushConfig) (Provider, error) {
	switch ProviderType(cfg.Provider) {
	case ProviderTypeFCM:
		if cfg.FCMProjectID == "" {
			return nil, errors.New("FCM_PROJECT_ID is required for the fcm provider")
		}
		return NewFCMProvider(ctx, &FCMConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsPath: cfg.FCMCredentialsPath,
		})
	case ProviderTypeAPNs:
		return NewAPNsProvider(&APNsConfig{
			BundleID:            cfg.APNsBundleID,
			KeyPath:             cfg.APNsKeyPath,
			KeyID:               cfg.APNsKeyID,
			TeamID:              cfg.APNsTeamID,
			CertificatePath:     cfg.APNsCertPath,
			CertificatePassword: cfg.APNsCertPassword,
			Production:          cfg.APNsProduction,
		})
	case ProviderTypeMock, "":
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
}
