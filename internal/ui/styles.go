package ui

import "github.com/charmbracelet/lipgloss"

// Shared palette. Adaptive colors keep output readable on both light and
// dark terminals.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "124", Dark: "196"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "130", Dark: "214"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "245", Dark: "240"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "25", Dark: "39"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
)

// RenderPass styles text as success when color is enabled.
func RenderPass(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return passStyle.Render(s)
}

// RenderFail styles text as failure when color is enabled.
func RenderFail(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return failStyle.Render(s)
}

// RenderWarn styles text as a warning when color is enabled.
func RenderWarn(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderMuted styles secondary text when color is enabled.
func RenderMuted(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return mutedStyle.Render(s)
}

// RenderAccent styles headings and identifiers when color is enabled.
func RenderAccent(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return accentStyle.Render(s)
}
