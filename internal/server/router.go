// Package server assembles the call service's gin router.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	callHandler "peercall-backend/internal/handler/http/call"
	notificationHandler "peercall-backend/internal/handler/http/notification"
	pushHandler "peercall-backend/internal/handler/http/push"
	wsHandler "peercall-backend/internal/handler/ws"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/service/callrecord"
	"peercall-backend/internal/service/mailbox"
	"peercall-backend/internal/service/notification"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/push"
)

// Deps is everything the router serves
type Deps struct {
	ServiceName string

	Calls         *callrecord.Service
	Mailbox       *mailbox.Service
	Notifications *notification.Service
	Push          *push.Service // optional

	JWT        *jwt.JWTManager
	Revocation middleware.RevocationChecker // optional
	// RateCounter backs the signal send limit. Nil counts in memory.
	RateCounter middleware.WindowCounter

	Metrics        *metrics.Metrics
	TrustedProxies []string

	// ReadinessChecks are run by /ready, keyed by dependency name
	ReadinessChecks map[string]func(context.Context) error
}

// NewRouter builds the HTTP and websocket surface
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.SetTrustedProxies(d.TrustedProxies)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.NewPrometheusMiddleware(d.Metrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": d.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/ready", readiness(d.ReadinessChecks))
	router.GET(middleware.MetricsPath, middleware.MetricsHandler(d.Metrics))

	calls := callHandler.NewHandler(d.Calls, d.Mailbox)
	notifications := notificationHandler.NewHandler(d.Notifications)
	streams := wsHandler.NewStreamHandler(d.Calls, d.Mailbox, d.Metrics)
	signalLimit := middleware.NewRateLimiter(d.RateCounter, "signals",
		constants.SignalSendLimit, constants.SignalSendWindow, d.Metrics)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(d.JWT, d.Revocation))
	{
		timeout := middleware.RequestTimeout(constants.DefaultTimeout)

		v1.POST("/calls", timeout, calls.CreateCall)
		v1.GET("/calls/active", timeout, calls.GetActiveCall)
		v1.GET("/calls/active/ws", streams.ServeActive)
		v1.GET("/calls/:id", timeout, calls.GetCall)
		v1.POST("/calls/:id/status", timeout, calls.SetStatus)
		v1.GET("/calls/:id/ws", streams.ServeCall)
		v1.POST("/calls/:id/signals", timeout, signalLimit.Middleware(), calls.SendSignal)
		v1.GET("/calls/:id/signals", timeout, calls.ListSignals)
		v1.GET("/calls/:id/signals/ws", streams.ServeSignals)

		v1.POST("/notifications", timeout, notifications.Notify)
		v1.GET("/notifications", timeout, notifications.GetNotifications)

		if d.Push != nil {
			tokens := pushHandler.NewHandler(d.Push)
			v1.POST("/push/tokens", timeout, tokens.RegisterToken)
			v1.DELETE("/push/tokens", timeout, tokens.UnregisterToken)
		}
	}

	return router
}

// readiness reports 503 when any dependency check fails
func readiness(checks map[string]func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		c.JSON(status, gin.H{"ready": status == http.StatusOK, "checks": results})
	}
}
