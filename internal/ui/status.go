package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

var tableHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorAccent).
	Align(lipgloss.Center)

var tableBorderStyle = lipgloss.NewStyle().
	Foreground(ColorMuted)

// StatusGlyph maps a lifecycle status to the single character shown in
// status tables.
func StatusGlyph(s types.Status) string {
	switch s {
	case types.StatusMatched, types.StatusCommitted, types.StatusMerged:
		return RenderPass("✓")
	case types.StatusCommittedNeedsFix:
		return RenderFail("✗")
	case types.StatusInProgress, types.StatusInReview:
		return RenderWarn("~")
	case types.StatusClaimed:
		return RenderAccent("●")
	default:
		return RenderMuted("·")
	}
}

// NewStatusTable creates a table with the default status styling.
func NewStatusTable(width int, headers ...string) *table.Table {
	return table.New().
		Headers(headers...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorderStyle).
		Width(width).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			style := lipgloss.NewStyle().Padding(0, 1)
			if col == 0 {
				style = style.Foreground(ColorAccent)
			}
			return style
		})
}

// RenderSubdirStatuses renders the allocation board for `worktree status`.
func RenderSubdirStatuses(statuses []*types.SubdirStatus, width int) string {
	t := NewStatusTable(width, "Subdirectory", "Held By", "Expires", "Pending", "Broken")
	for _, s := range statuses {
		holder := RenderMuted("-")
		expires := ""
		if s.LockedBy != "" {
			holder = s.LockedBy
			if s.ExpiresAt != nil {
				expires = FormatRelative(*s.ExpiresAt)
			}
		}
		broken := fmt.Sprintf("%d", s.BrokenBuilds)
		if s.BrokenBuilds > 0 {
			broken = RenderFail(broken)
		}
		t.Row(s.Key, holder, expires, fmt.Sprintf("%d", s.PendingCommits), broken)
	}
	return t.String()
}

// FormatRelative renders a timestamp as a compact offset from now, e.g.
// "in 42m" or "18m ago".
func FormatRelative(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	d := time.Until(ts)
	past := d < 0
	if past {
		d = -d
	}
	var s string
	switch {
	case d < time.Minute:
		s = fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		s = fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		s = fmt.Sprintf("%dh", int(d.Hours()))
	default:
		s = fmt.Sprintf("%dd", int(d.Hours()/24))
	}
	if past {
		return s + " ago"
	}
	return "in " + s
}
