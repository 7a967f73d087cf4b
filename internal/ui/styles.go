package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorMuted  = 245 // medium gray
	colorOn     = 208 // orange, maintenance active
	colorOff    = 71  // green, serving traffic
)

var noColor bool

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderGate renders the gate state as a colored word.
func RenderGate(enabled bool) string {
	if enabled {
		return render(colorOn, "MAINTENANCE")
	}
	return render(colorOff, "open")
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
