package edge

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/splitedge/pkg/types"
)

func TestDashboardRenderEmpty(t *testing.T) {
	state, err := NewEdgeState("edge", "tcp://broker:1883", 4)
	require.NoError(t, err)

	frame := NewDashboard(&bytes.Buffer{}).Render(state.GetSnapshot())

	assert.Contains(t, frame, "Split Edge: edge")
	assert.Contains(t, frame, "tcp://broker:1883")
	assert.Contains(t, frame, "No devices yet")
	assert.Contains(t, frame, StatusStarting)
}

func TestDashboardRenderSessions(t *testing.T) {
	state, err := NewEdgeState("edge", "broker", 16)
	require.NoError(t, err)

	state.TouchSession(&types.Message{Topic: types.TopicRegistration, DeviceID: "device_01", MessageID: "m-1"}, 12.5)
	state.RecordPlan("device_01", 3, 0.75)
	state.TouchSession(&types.Message{Topic: types.TopicRegistration, DeviceID: "device_02", MessageID: "m-2"}, 0)

	frame := NewDashboard(&bytes.Buffer{}).Render(state.GetSnapshot())

	assert.Contains(t, frame, "device_01")
	assert.Contains(t, frame, "layer 3")
	assert.Contains(t, frame, "no plan")
	// device_02 was touched last
	assert.Less(t, strings.Index(frame, "device_02"), strings.Index(frame, "device_01"))
}

func TestDashboardRenderCapsSessions(t *testing.T) {
	state, err := NewEdgeState("edge", "broker", 32)
	require.NoError(t, err)
	for i := 0; i < dashboardMaxSessions+3; i++ {
		state.TouchSession(&types.Message{Topic: types.TopicRegistration, DeviceID: fmt.Sprintf("device_%02d", i), MessageID: "m"}, 1)
	}

	frame := NewDashboard(&bytes.Buffer{}).Render(state.GetSnapshot())
	assert.Contains(t, frame, "... and 3 more")
}

func TestDashboardLinesAreAligned(t *testing.T) {
	state, err := NewEdgeState("edge", "broker", 4)
	require.NoError(t, err)
	state.TouchSession(&types.Message{Topic: types.TopicRegistration, DeviceID: "device_01", MessageID: "m-1"}, 1)

	frame := NewDashboard(&bytes.Buffer{}).Render(state.GetSnapshot())
	lines := strings.Split(strings.TrimRight(frame, "\n"), "\n")

	// all box lines share the same visible width; the last line is the hint
	for _, line := range lines[:len(lines)-1] {
		assert.Equal(t, dashboardWidth, utf8.RuneCountInString(stripANSI(line)), line)
	}
}

func TestDashboardRunStopsOnCancel(t *testing.T) {
	state, err := NewEdgeState("edge", "broker", 4)
	require.NoError(t, err)

	var out bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, NewDashboard(&out).Run(ctx, state, time.Hour))
	assert.Contains(t, out.String(), "Split Edge: edge")
	assert.True(t, strings.HasSuffix(out.String(), "\033[?1049l"))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 7*time.Minute, "2h 7m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}
