// Package sym defines the glyphs notiflow prints for commands, notification
// severities, job phases and feed states. They are stable across CLI output
// and documentation.
package sym

import (
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/pulse/jobs"
	"github.com/teranos/notiflow/realtime"
)

// Command glyphs.
const (
	AM    = "≡" // am: configuration
	Bell  = "⍾" // notifications
	Pulse = "꩜" // jobs
	Watch = "◉" // live feed
	DB    = "⊔" // local cache
)

// Severity glyphs.
const (
	Success = "✓"
	Error   = "✗"
	Warning = "⚠"
	Info    = "ℹ"
)

// Job phase glyphs.
const (
	Started   = "▷"
	Running   = "▶"
	Completed = "■"
)

// Feed state glyphs.
const (
	Connected    = "●"
	Connecting   = "◌"
	Disconnected = "○"
)

// Unread marks an unread notification in listings.
const Unread = "•"

// SymbolToCommand maps glyph strings to their CLI command.
var SymbolToCommand = map[string]string{
	AM:    "am",
	Bell:  "notifications",
	Pulse: "jobs",
	Watch: "watch",
}

// CommandToSymbol maps CLI commands to their glyph.
var CommandToSymbol = map[string]string{
	"am":            AM,
	"notifications": Bell,
	"jobs":          Pulse,
	"watch":         Watch,
}

// CommandDescriptions provides one-line help text per command.
var CommandDescriptions = map[string]string{
	"am":            "Configuration and credentials",
	"notifications": "List and manage notifications",
	"jobs":          "Job progress derived from notifications",
	"watch":         "Follow the realtime feed",
}

// ForSeverity returns the glyph for a notification severity.
func ForSeverity(s notification.Severity) string {
	switch s {
	case notification.SeveritySuccess:
		return Success
	case notification.SeverityError:
		return Error
	case notification.SeverityWarning:
		return Warning
	default:
		return Info
	}
}

// ForPhase returns the glyph for a job phase.
func ForPhase(p jobs.Phase) string {
	switch p {
	case jobs.PhaseCompletion:
		return Completed
	case jobs.PhaseProgress:
		return Running
	default:
		return Started
	}
}

// ForState returns the glyph for a feed state.
func ForState(s realtime.State) string {
	switch s {
	case realtime.StateConnected:
		return Connected
	case realtime.StateConnecting:
		return Connecting
	default:
		return Disconnected
	}
}
