package ui

import "github.com/charmbracelet/lipgloss"

const (
	// Butterscotch is the active accent color.
	Butterscotch = "#FF9966"
	// Blue is the informational color.
	Blue = "#9999CC"
	// RedAlert is the high-severity color.
	RedAlert = "#FF3333"
	// YellowCaution is the caution color.
	YellowCaution = "#FFCC00"
	// GreenOk is the success color.
	GreenOk = "#33FF33"
	// GalaxyGray is the muted neutral.
	GalaxyGray = "#52526A"
	// SpaceWhite is the primary text color.
	SpaceWhite = "#F5F6FA"
)

const (
	// IconDone indicates completed work.
	IconDone = "✓"
	// IconWorking indicates active work.
	IconWorking = "●"
	// IconWaiting indicates an idle or queued state.
	IconWaiting = "⏸"
	// IconSkipped indicates work that never ran.
	IconSkipped = "⊘"
	// IconFailed indicates failed work.
	IconFailed = "✗"
	// IconAlert indicates a timeout or an unknown state.
	IconAlert = "⚠"
)

var (
	// ButterscotchColor is the terminal color for Butterscotch.
	ButterscotchColor = paletteColor(Butterscotch, "209", "11")
	// BlueColor is the terminal color for Blue.
	BlueColor = paletteColor(Blue, "146", "12")
	// RedAlertColor is the terminal color for RedAlert.
	RedAlertColor = paletteColor(RedAlert, "203", "9")
	// YellowCautionColor is the terminal color for YellowCaution.
	YellowCautionColor = paletteColor(YellowCaution, "220", "11")
	// GreenOkColor is the terminal color for GreenOk.
	GreenOkColor = paletteColor(GreenOk, "46", "10")
	// GalaxyGrayColor is the terminal color for GalaxyGray.
	GalaxyGrayColor = paletteColor(GalaxyGray, "60", "8")
	// SpaceWhiteColor is the terminal color for SpaceWhite.
	SpaceWhiteColor = paletteColor(SpaceWhite, "255", "15")
)

var (
	// TitleStyle renders section titles.
	TitleStyle = lipgloss.NewStyle().Foreground(ButterscotchColor).Bold(true)
	// HeaderStyle renders table headers.
	HeaderStyle = lipgloss.NewStyle().Foreground(BlueColor).Bold(true).Padding(0, 1)
	// CellStyle renders table cells.
	CellStyle = lipgloss.NewStyle().Foreground(SpaceWhiteColor).Padding(0, 1)
	// MutedStyle renders secondary text.
	MutedStyle = lipgloss.NewStyle().Foreground(GalaxyGrayColor)
	// SuccessStyle marks successful states.
	SuccessStyle = lipgloss.NewStyle().Foreground(GreenOkColor).Bold(true)
	// ErrorStyle marks failures.
	ErrorStyle = lipgloss.NewStyle().Foreground(RedAlertColor).Bold(true)
	// WarningStyle marks timeouts and cautions.
	WarningStyle = lipgloss.NewStyle().Foreground(YellowCautionColor).Bold(true)
)

func paletteColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	color := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
	return lipgloss.CompleteAdaptiveColor{Light: color, Dark: color}
}
