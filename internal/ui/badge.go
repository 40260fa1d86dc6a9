package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// BadgeOpt configures optional rendering behavior for StatusBadge.
type BadgeOpt func(*badgeOptions)

type badgeOptions struct {
	showIcon bool
	bold     bool
}

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

// Task statuses and agent states share one badge table; keys are lowercase.
var statusBadgeVariants = map[string]badgeVariant{
	"success":   {icon: IconDone, label: "SUCCESS", color: GreenOkColor},
	"failure":   {icon: IconFailed, label: "FAILURE", color: RedAlertColor},
	"timeout":   {icon: IconAlert, label: "TIMEOUT", color: YellowCautionColor},
	"cancelled": {icon: IconSkipped, label: "CANCELLED", color: GalaxyGrayColor},
	"starting":  {icon: IconWorking, label: "STARTING", color: BlueColor},
	"idle":      {icon: IconWaiting, label: "IDLE", color: GreenOkColor},
	"busy":      {icon: IconWorking, label: "BUSY", color: ButterscotchColor},
	"dead":      {icon: IconFailed, label: "DEAD", color: RedAlertColor},
}

// WithBadgeIcon controls whether the icon is shown (default: true).
func WithBadgeIcon(show bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.showIcon = show
	}
}

// WithBadgeBold controls whether the badge text is bold (default: false).
func WithBadgeBold(bold bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.bold = bold
	}
}

// StatusBadge renders `[icon] LABEL` for a task status or agent state.
func StatusBadge(status string, opts ...BadgeOpt) string {
	options := badgeOptions{
		showIcon: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	normalized := strings.ToLower(strings.TrimSpace(status))
	variant, ok := statusBadgeVariants[normalized]
	if !ok {
		variant = badgeVariant{
			icon:  IconAlert,
			label: strings.ToUpper(strings.TrimSpace(status)),
			color: GalaxyGrayColor,
		}
		if variant.label == "" {
			variant.label = "UNKNOWN"
		}
	}

	content := variant.label
	if options.showIcon {
		content = variant.icon + " " + variant.label
	}

	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(options.bold).
		Render(content)
}
