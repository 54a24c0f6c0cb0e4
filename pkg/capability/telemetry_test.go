package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedTelemetry() (*ZapTelemetry, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapTelemetry(zap.New(core)), logs
}

func TestZapTelemetryEventLogsAtInfo(t *testing.T) {
	tel, logs := newObservedTelemetry()

	tel.Event("case_claimed", map[string]string{"case_id": "c-1"})

	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "case_claimed", entries[0].Message)
	assert.Equal(t, "c-1", entries[0].ContextMap()["case_id"])
}

func TestZapTelemetryErrorLogsAtErrorWithErrField(t *testing.T) {
	tel, logs := newObservedTelemetry()

	tel.Error("outbox_dead_letter", errors.New("boom"), map[string]string{"op_id": "op-1"})

	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "op-1", entries[0].ContextMap()["op_id"])
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
}

func TestZapTelemetryEventWithNoFields(t *testing.T) {
	tel, logs := newObservedTelemetry()

	tel.Event("startup", nil)

	assert.Len(t, logs.All(), 1)
}
