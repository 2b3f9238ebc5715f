package callrecord

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/service/notification"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
)

// MissedCallNotifier records a missed call for the callee
type MissedCallNotifier interface {
	Send(ctx context.Context, input *notification.SendInput) (*domain.Notification, error)
}

// Sweeper periodically ends ringing calls nobody answered within the stale
// window. Readers already ignore such calls; the sweeper makes the store
// agree with them and tells the callee what they missed.
type Sweeper struct {
	svc      *Service
	notifier MissedCallNotifier
	cron     *cron.Cron
	schedule string
	batch    int
}

// NewSweeper creates a sweeper running on a cron schedule such as
// "@every 30s". notifier may be nil.
func NewSweeper(svc *Service, notifier MissedCallNotifier, schedule string) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid expiry schedule %q: %w", schedule, err)
	}

	cl := cronLogger{logger.Log.Sugar().Named("call-expiry")}
	return &Sweeper{
		svc:      svc,
		notifier: notifier,
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		schedule: schedule,
		batch:    constants.CallExpiryBatchSize,
	}, nil
}

// Start begins running sweeps in the background
func (w *Sweeper) Start() error {
	_, err := w.cron.AddFunc(w.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if _, err := w.Sweep(ctx); err != nil {
			logger.Error("Call expiry sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule call expiry: %w", err)
	}
	w.cron.Start()
	logger.Info("Call expiry sweeper started", zap.String("schedule", w.schedule))
	return nil
}

// Stop stops scheduling sweeps and waits for a running one to finish
func (w *Sweeper) Stop() {
	<-w.cron.Stop().Done()
}

// Sweep ends one batch of stale ringing calls and returns how many it ended
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := w.svc.now()
	stale, err := w.svc.repo.ListStaleRinging(ctx, now.Add(-w.svc.window), w.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale calls: %w", err)
	}

	ended := 0
	for _, call := range stale {
		applied, err := w.svc.repo.UpdateStatus(ctx, call.CallID,
			[]domain.CallStatus{domain.CallStatusRinging}, domain.CallStatusEnded, &now)
		if err != nil {
			logger.Warn("Failed to expire call",
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
			continue
		}
		if !applied {
			continue
		}

		ended++
		call.ApplyTransition(domain.CallStatusEnded, now)
		w.svc.publish(ctx, call)
		w.svc.metrics.RecordCallExpired()

		if w.notifier != nil {
			_, err := w.notifier.Send(ctx, &notification.SendInput{
				To:      call.ToUserID,
				From:    call.FromUserID,
				Kind:    constants.NotificationKindMissedCall,
				Message: "You missed a call",
				CallID:  call.CallID,
			})
			if err != nil {
				logger.Warn("Failed to record missed call",
					zap.String("call_id", call.CallID.String()),
					zap.Error(err))
			}
		}
	}

	if ended > 0 {
		logger.Info("Expired unanswered calls", zap.Int("count", ended))
	}
	return ended, nil
}

// cronLogger adapts zap to cron's logger
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
