// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single WebSocket write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketPongWait must exceed the ping interval
	WebSocketPongWait = WebSocketPingInterval + 10*time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// Call-related constants
const (
	// RingingStaleAfter is how long an unanswered call stays valid.
	// Older ringing records are treated as nonexistent.
	RingingStaleAfter = 2 * time.Minute

	// CallCloseGrace delays closing the call UI after a remote reject/end
	CallCloseGrace = 2 * time.Second

	// CallExpirySchedule is the default cron schedule for the expiry sweeper
	CallExpirySchedule = "@every 30s"

	// CallExpiryBatchSize bounds one sweeper pass
	CallExpiryBatchSize = 100

	// MaxSignalPayloadBytes bounds one signaling payload (SDP blobs are a few KB)
	MaxSignalPayloadBytes = 64 * 1024
	// MaxNotificationMessage bounds a notification line, in runes
	MaxNotificationMessage = 500

	// SignalSendLimit is the per-user signal send budget per SignalSendWindow
	SignalSendLimit = 200

	// SignalSendWindow is the rate limit window for signal sends
	SignalSendWindow = time.Minute
)

// Notification kinds
const (
	// NotificationKindMissedCall is sent to the party that did not get to talk
	NotificationKindMissedCall = "missed_call"
)
