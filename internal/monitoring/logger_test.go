package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelParsing(t *testing.T) {
	logger := New(LoggerConfig{Level: "not-a-level"})
	require.NotNil(t, logger)

	// Unparseable levels fall back to info.
	assert.Equal(t, "info", logger.zl.GetLevel().String())

	logger = New(LoggerConfig{Level: "debug"})
	assert.Equal(t, "debug", logger.zl.GetLevel().String())
}

func TestRequestIDContext_RoundTrip(t *testing.T) {
	ctx := WithRequestIDContext(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))
}

func TestRequestIDContext_AbsentIsEmpty(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
