package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_ExportsSpans(t *testing.T) {
	buf := &bytes.Buffer{}
	shutdown, err := InitTracing(TracingConfig{Enabled: true, Environment: "test", Output: buf})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "conversation.create_direct", attribute.Int("user.id", 1))
	EndSpan(span, errors.New("boom"))

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "conversation.create_direct")
	assert.Contains(t, buf.String(), "boom")
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger("debug", "production").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("bogus", "production").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("", "development").GetLevel())
}
