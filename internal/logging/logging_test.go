package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	cases := []struct {
		level   string
		profile string
	}{
		{"debug", ProfileStructured},
		{"info", ProfileConsole},
		{"warn", ""},
		{"ERROR", ProfileStructured},
	}
	for _, tc := range cases {
		logger, err := New(tc.level, tc.profile)
		require.NoError(t, err, "level=%s profile=%s", tc.level, tc.profile)
		require.NotNil(t, logger)
		_ = logger.Sync()
	}
}

func TestNewLevelGates(t *testing.T) {
	logger, err := New("warn", ProfileStructured)
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", ProfileStructured)
	require.Error(t, err)

	_, err = New("info", "binary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestNop(t *testing.T) {
	logger := Nop()
	require.NotNil(t, logger)
	logger.Info("dropped")
}
