package ui

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	envNoInteraction = "NO_INTERACTION"
	envNoColor       = "NO_COLOR"
	envCI            = "CI"
	envTerm          = "TERM"
)

var styled atomic.Bool

// Configure decides whether output is styled. Piped stdout, CI, NO_COLOR,
// NO_INTERACTION and TERM=dumb all fall back to plain ASCII.
func Configure(plain bool) {
	on := !plain && detectStyled()
	styled.Store(on)
	if on {
		lipgloss.SetColorProfile(termenv.ColorProfile())
		return
	}
	lipgloss.SetColorProfile(termenv.Ascii)
}

// Styled reports the decision made by Configure.
func Styled() bool { return styled.Load() }

func detectStyled() bool {
	if envTruthy(envNoInteraction) || envTruthy(envCI) || os.Getenv(envNoColor) != "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(envTerm)), "dumb") {
		return false
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func envTruthy(key string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
