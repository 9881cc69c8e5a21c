// Package ui formats notes and sync status for the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/syncer"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
)

const (
	timeLayout  = "2006-01-02 15:04"
	shortIDSize = 8
)

var (
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// ShortID trims long ids for list output. Local ids keep their prefix.
func ShortID(id string) string {
	if notes.IsLocalID(id) {
		rest := strings.TrimPrefix(id, notes.LocalIDPrefix)
		if len(rest) > shortIDSize {
			rest = rest[len(rest)-shortIDSize:]
		}
		return notes.LocalIDPrefix + rest
	}
	if len(id) > shortIDSize {
		return id[:shortIDSize]
	}
	return id
}

func FormatNoteListItem(note notes.Note) string {
	var sb strings.Builder
	title := note.Title
	if strings.TrimSpace(title) == "" {
		title = "(untitled)"
	}
	marker := ""
	if note.IsDirty {
		marker = " " + yellow("*")
	}
	sb.WriteString(fmt.Sprintf("  %s  %s%s\n", faint(ShortID(note.ID)), bold(title), marker))
	sb.WriteString(fmt.Sprintf("         %s %s\n", faint("Updated:"), faint(formatTime(note.UpdatedAt))))
	return sb.String()
}

func FormatNoteHeader(note notes.Note) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s\n", bold(note.Title)))
	sb.WriteString(fmt.Sprintf("%s %s\n", faint("ID:"), faint(note.ID)))
	sb.WriteString(fmt.Sprintf("%s %s\n", faint("Updated:"), faint(formatTime(note.UpdatedAt))))
	if note.IsDirty {
		sb.WriteString(fmt.Sprintf("%s %s\n", faint("Sync:"), yellow("pending")))
	}
	sb.WriteString(Separator())
	return sb.String()
}

// FormatNoteContent renders body as markdown. Rendering failures return body unchanged.
func FormatNoteContent(body string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return body
	}
	out, err := renderer.Render(body)
	if err != nil {
		return body
	}
	return out
}

func FormatStatus(status syncer.Status, info syncer.Info) string {
	var sb strings.Builder
	connectivity := color.New(color.FgGreen).Sprint("online")
	if !status.Online {
		connectivity = color.New(color.FgRed).Sprint("offline")
	}
	sb.WriteString(fmt.Sprintf("%s %s\n", faint("Remote:"), connectivity))
	sb.WriteString(fmt.Sprintf("%s %s\n", faint("State:"), cyan(string(status.State))))
	lastSync := "never"
	if !info.LastSyncTime.IsZero() {
		lastSync = formatTime(info.LastSyncTime)
	}
	sb.WriteString(fmt.Sprintf("%s %s\n", faint("Last sync:"), lastSync))
	sb.WriteString(fmt.Sprintf("%s %d\n", faint("Pending changes:"), info.PendingChanges))
	if status.LastError != "" {
		sb.WriteString(fmt.Sprintf("%s %s\n", faint("Last error:"), color.New(color.FgRed).Sprint(status.LastError)))
	}
	return sb.String()
}

func FormatReport(report syncer.Report) string {
	parts := []string{
		fmt.Sprintf("pushed %d", report.Pushed),
		fmt.Sprintf("pulled %d", report.Pulled),
	}
	if report.Rekeyed > 0 {
		parts = append(parts, fmt.Sprintf("rekeyed %d", report.Rekeyed))
	}
	if report.Superseded > 0 {
		parts = append(parts, fmt.Sprintf("superseded %d", report.Superseded))
	}
	if report.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("skipped %d", report.Skipped))
	}
	if report.Failed > 0 {
		parts = append(parts, color.New(color.FgRed).Sprintf("failed %d", report.Failed))
	}
	duration := report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond)
	return fmt.Sprintf("%s %s\n", strings.Join(parts, ", "), faint(fmt.Sprintf("(%d notes, %s)", report.Notes, duration)))
}

func Separator() string {
	return faint(strings.Repeat("─", 50)) + "\n"
}

func Success(msg string) string {
	return color.New(color.FgGreen).Sprint("✓ ") + msg
}

func Warning(msg string) string {
	return color.New(color.FgYellow).Sprint("! ") + msg
}

func Error(msg string) string {
	return color.New(color.FgRed).Sprint("✗ ") + msg
}

func formatTime(value time.Time) string {
	return value.Local().Format(timeLayout)
}
