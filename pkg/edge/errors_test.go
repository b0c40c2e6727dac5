package edge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/splitedge/pkg/types"
)

func TestErrMalformedMessageFrom(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	wrapped := fmt.Errorf("handling: %w", &ErrMalformedMessage{Topic: "devices/", Err: cause})

	var malformed ErrMalformedMessage
	require.True(t, malformed.From(wrapped))
	assert.Equal(t, "devices/", malformed.Topic)
	assert.ErrorIs(t, &malformed, cause)

	assert.False(t, malformed.From(nil))
	assert.False(t, malformed.From(errors.New("malformed message on devices/")))
}

func TestErrStaleMessageFrom(t *testing.T) {
	var stale ErrStaleMessage
	require.True(t, stale.From(&ErrStaleMessage{MessageID: "m", Timestamp: 5, SessionStart: 10}))
	assert.Equal(t, "m", stale.MessageID)
	assert.Equal(t, types.Timestamp(10), stale.SessionStart)

	assert.False(t, stale.From(&ErrUnknownTopic{Topic: "x"}))
}

func TestUnhandledLevel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := h.coordinator.HandleMessage(ctx, "devices/", registration("old", "999"))
	malformed := h.coordinator.HandleMessage(ctx, "devices/", []byte(`{`))
	unknown := h.coordinator.HandleMessage(ctx, "elsewhere", registration("m", "1001"))

	assert.Equal(t, zerolog.TraceLevel, unhandledLevel(stale))
	assert.Equal(t, zerolog.DebugLevel, unhandledLevel(malformed))
	assert.Equal(t, zerolog.WarnLevel, unhandledLevel(unknown))
	assert.Equal(t, zerolog.WarnLevel, unhandledLevel(errors.New("broker gone")))
}
