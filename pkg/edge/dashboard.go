package edge

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorWhite  = "\033[37m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Box drawing characters
const (
	boxTopLeft     = "╔"
	boxTopRight    = "╗"
	boxBottomLeft  = "╚"
	boxBottomRight = "╝"
	boxHorizontal  = "═"
	boxVertical    = "║"
	boxMidLeft     = "╠"
	boxMidRight    = "╣"
	boxMidHoriz    = "╟"
	boxMidVert     = "─"
)

const (
	dashboardWidth       = 88
	dashboardMaxSessions = 10
)

// Dashboard renders the edge state as a terminal table of device sessions
type Dashboard struct {
	width int
	out   io.Writer
}

func NewDashboard(out io.Writer) *Dashboard {
	return &Dashboard{
		width: dashboardWidth,
		out:   out,
	}
}

// Run redraws the dashboard every interval until ctx is done
func (d *Dashboard) Run(ctx context.Context, state *EdgeState, interval time.Duration) error {
	io.WriteString(d.out, "\033[?1049h")
	defer io.WriteString(d.out, "\033[?1049l")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.draw(state)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dashboard) draw(state *EdgeState) {
	// Overwrite in place, then clear whatever the previous frame left below
	io.WriteString(d.out, "\033[H")
	io.WriteString(d.out, d.Render(state.GetSnapshot()))
	io.WriteString(d.out, "\033[J")
}

// Render returns one frame for snapshot
func (d *Dashboard) Render(snapshot EdgeStateSnapshot) string {
	var sb strings.Builder

	sb.WriteString(d.renderLine(boxTopLeft, fmt.Sprintf(" Split Edge: %s ", snapshot.ClientID), boxTopRight))

	statusLine := fmt.Sprintf(" Status: %s%s%s │ Broker: %s │ Uptime: %s ",
		d.statusColor(snapshot.Status), snapshot.Status, colorReset,
		snapshot.Broker,
		formatDuration(snapshot.Uptime()))
	sb.WriteString(d.renderLine(boxVertical, statusLine, boxVertical))

	countersLine := fmt.Sprintf(" Received: %d │ Dropped: %d │ Published: %d │ Failed: %d │ CPU: %.1f%% │ Mem: %.1f%% ",
		snapshot.Received,
		snapshot.Dropped,
		snapshot.Published,
		snapshot.PublishFailures,
		snapshot.CPUPercent,
		snapshot.MemoryPercent)
	sb.WriteString(d.renderLine(boxVertical, countersLine, boxVertical))

	sb.WriteString(d.renderLine(boxMidLeft, "", boxMidRight))
	sb.WriteString(d.renderLine(boxVertical, fmt.Sprintf(" DEVICES (session start %s) ", snapshot.SessionStart), boxVertical))
	sb.WriteString(d.renderLine(boxMidHoriz, "", boxMidHoriz))

	if len(snapshot.Sessions) == 0 {
		sb.WriteString(d.renderLine(boxVertical, fmt.Sprintf(" %sNo devices yet%s ", colorDim, colorReset), boxVertical))
	} else {
		for i, session := range snapshot.Sessions {
			if i >= dashboardMaxSessions {
				more := fmt.Sprintf(" %s... and %d more%s ", colorDim, len(snapshot.Sessions)-dashboardMaxSessions, colorReset)
				sb.WriteString(d.renderLine(boxVertical, more, boxVertical))
				break
			}
			sb.WriteString(d.renderLine(boxVertical, d.formatSession(session), boxVertical))
		}
	}

	sb.WriteString(d.renderLine(boxBottomLeft, "", boxBottomRight))
	sb.WriteString(fmt.Sprintf("%sPress Ctrl+C to quit%s\n", colorDim, colorReset))

	return sb.String()
}

func (d *Dashboard) renderLine(left, content, right string) string {
	padding := d.width - utf8.RuneCountInString(stripANSI(content)) - 2
	if padding < 0 {
		padding = 0
	}

	fillChar := " "
	switch left {
	case boxTopLeft, boxBottomLeft, boxMidLeft:
		fillChar = boxHorizontal
	case boxMidHoriz:
		fillChar = boxMidVert
	}

	return left + content + strings.Repeat(fillChar, padding) + right + "\n"
}

func (d *Dashboard) statusColor(status string) string {
	switch status {
	case StatusConnected:
		return colorGreen + colorBold
	case StatusStarting:
		return colorCyan + colorBold
	case StatusStopped:
		return colorRed + colorBold
	default:
		return colorWhite
	}
}

func (d *Dashboard) formatSession(session DeviceSession) string {
	plan := colorDim + "no plan" + colorReset
	if session.HasPlan {
		plan = fmt.Sprintf("%slayer %-3d%s cost %-10.4g", colorYellow, session.BestLayer, colorReset, session.LowestCost)
	}

	return fmt.Sprintf(" %-12s %-10s %s %9.4g B/s  reg %-4d res %-4d ",
		truncate(session.DeviceID, 12),
		truncate(session.LastMessageID, 10),
		plan,
		session.LastAvgSpeed,
		session.Registrations,
		session.Results)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// stripANSI removes color escapes so padding counts visible runes only
func stripANSI(s string) string {
	result := s
	for {
		start := strings.Index(result, "\033[")
		if start == -1 {
			return result
		}
		end := strings.IndexByte(result[start:], 'm')
		if end == -1 {
			return result
		}
		result = result[:start] + result[start+end+1:]
	}
}
