package logger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func withObserver(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return logs
}

func TestNew_Level(t *testing.T) {
	l, err := New(&Config{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))

	_, err = New(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestFromContext(t *testing.T) {
	logs := withObserver(t)

	FromContext(WithRequestID(context.Background(), "req-1")).Info("with id")
	FromContext(context.Background()).Info("without id")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.NotContains(t, entries[1].ContextMap(), "request_id")
}

func TestForCall(t *testing.T) {
	logs := withObserver(t)
	callID, userID := uuid.New(), uuid.New()

	ForCall(nil, callID, userID).Warn("call event")
	Info("global")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, callID.String(), entries[0].ContextMap()["call_id"])
	assert.Equal(t, userID.String(), entries[0].ContextMap()["user_id"])
	assert.Equal(t, "global", entries[1].Message)
}
