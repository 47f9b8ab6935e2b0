package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" warn "))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).With(String("stage", "fetch"))

	log.Warn("retrying", Int("index", 3), Error(errors.New("boom")))

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		ctx := entries[0].ContextMap()
		assert.Equal(t, "fetch", ctx["stage"])
		assert.EqualValues(t, 3, ctx["index"])
		assert.Equal(t, "boom", ctx["error"])
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	}
}

func TestNopDoesNotPanic(t *testing.T) {
	log := NewNop()
	log.Info("ignored", Any("k", []int{1}))
	assert.NoError(t, log.Sync())
}
