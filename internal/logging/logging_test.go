package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		mode  string
		debug bool
	}{
		{Development, true},
		{"", true},
		{Production, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			logger, err := New(tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.debug, logger.Core().Enabled(zapcore.DebugLevel))
			assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
		})
	}
}

func TestNewUnknownMode(t *testing.T) {
	_, err := New("verbose")
	require.Error(t, err)
}

func TestSyncNil(t *testing.T) {
	assert.NotPanics(t, func() { Sync(nil) })
}
