// Package ui renders CLI output: status lines, aligned key/value blocks and
// tables.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

func Accent(s string) string { return accentStyle.Render(s) }
func Bold(s string) string   { return boldStyle.Render(s) }
func Muted(s string) string  { return mutedStyle.Render(s) }

func SuccessMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func WarnMsg(format string, a ...any) string {
	return warnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func InfoMsg(format string, a ...any) string {
	return accentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

// Tone picks the color of a status word.
type Tone uint8

const (
	ToneNeutral Tone = iota
	ToneGood
	ToneWarn
	ToneBad
)

// Status colors a status word by tone.
func Status(s string, tone Tone) string {
	switch tone {
	case ToneGood:
		return successStyle.Render(s)
	case ToneWarn:
		return warnStyle.Render(s)
	case ToneBad:
		return errorStyle.Render(s)
	default:
		return mutedStyle.Render(s)
	}
}

// Pair is one line of a KeyValues block.
type Pair struct {
	key   string
	value string
}

func KV(key, value string) Pair { return Pair{key: key, value: value} }

// KeyValues renders aligned "key:  value" lines with a trailing newline.
func KeyValues(indent string, pairs ...Pair) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p.key))
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", width+1, p.key+":")
		sb.WriteString(indent + mutedStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

// Table renders rows under headers with rounded borders.
func Table(headers []string, rows [][]string) string {
	header := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
