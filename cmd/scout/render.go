package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/fatih/color"
	"golang.org/x/term"

	"scout/internal/client"
	"scout/internal/events"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

// terminalWidth returns the width of w when it is a terminal, else 0.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func stageIcon(status events.AgentStatus) string {
	switch status {
	case events.AgentRunning:
		return cyan("●")
	case events.AgentCompleted:
		return green("✓")
	case events.AgentError:
		return red("✗")
	default:
		return gray("○")
	}
}

func colorStatus(text string, status events.AgentStatus) string {
	switch status {
	case events.AgentRunning:
		return cyan(text)
	case events.AgentCompleted:
		return green(text)
	case events.AgentError:
		return red(text)
	default:
		return gray(text)
	}
}

func colorRun(status events.RunStatus) string {
	switch status {
	case events.RunCompleted:
		return green(string(status))
	case events.RunFailed:
		return red(string(status))
	case events.RunRunning:
		return cyan(string(status))
	default:
		return gray(string(status))
	}
}

// renderSnapshot draws the full dashboard. Lines are cut to width when it
// is positive.
func renderSnapshot(snap client.Snapshot, width int) string {
	var b strings.Builder
	writeLine := func(line string) {
		if width > 0 {
			line = ansi.Truncate(line, width, "…")
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	writeLine(fmt.Sprintf("%s %s  %s  %5.1f%%", bold("Session"), snap.SessionID, colorRun(snap.Status), snap.Progress))
	writeLine("")
	for _, stage := range snap.Stages {
		progress := "     "
		if stage.Progress != nil {
			progress = fmt.Sprintf("%4.0f%%", *stage.Progress)
		}
		line := fmt.Sprintf("  %s %-14s %s %s", stageIcon(stage.Status), stage.Name,
			colorStatus(fmt.Sprintf("%-9s", stage.Status), stage.Status), progress)
		if stage.Message != "" {
			line += "  " + gray(stage.Message)
		}
		writeLine(line)
	}
	if len(snap.Files) > 0 {
		writeLine("")
		writeLine(bold("Files"))
		for _, file := range snap.Files {
			writeLine(fmt.Sprintf("  %s  %s", file.Filename, gray(formatBytes(file.SizeBytes))))
		}
	}
	if snap.LastError != nil {
		writeLine("")
		writeLine(red(fmt.Sprintf("Error [%s]: %s", snap.LastError.Code, snap.LastError.Message)))
	}
	return b.String()
}

// renderSummary is the one-line form used when output is not a terminal.
func renderSummary(snap client.Snapshot) string {
	done := 0
	var running []string
	for _, stage := range snap.Stages {
		switch stage.Status {
		case events.AgentCompleted, events.AgentError:
			done++
		case events.AgentRunning:
			running = append(running, stage.Name)
		}
	}
	line := fmt.Sprintf("[%s] %s %.1f%% stages %d/%d", snap.SessionID, snap.Status, snap.Progress, done, len(snap.Stages))
	if len(running) > 0 {
		line += " running: " + strings.Join(running, ", ")
	}
	if n := len(snap.Files); n > 0 {
		line += fmt.Sprintf(" files: %d", n)
	}
	return line
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
