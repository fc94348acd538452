package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stateLabel colours a sync state for listings.
func stateLabel(s storage.SyncState) string {
	switch s {
	case storage.StatePending:
		return colorize(colorYellow, string(s))
	case storage.StateFailed:
		return colorize(colorRed, string(s))
	case "":
		return colorize(colorGreen, string(storage.StateConfirmed))
	}
	return colorize(colorGreen, string(s))
}

// recordTitle picks the field a person would recognise a record by.
func recordTitle(r storage.Record) string {
	for _, key := range []string{"title", "name"} {
		if v := r.StringField(key); v != "" {
			return truncate(v, 60)
		}
	}
	return ""
}

func printRecords(w io.Writer, recs []storage.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No records.")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %-9s  %s\n", colorize(colorCyan, r.ID), stateLabel(r.Meta.State), recordTitle(r))
		if r.Meta.LastError != "" {
			fmt.Fprintf(w, "    last error: %s\n", r.Meta.LastError)
		}
	}
}

func printActions(w io.Writer, actions []storage.Action, dropped bool) {
	if len(actions) == 0 {
		if dropped {
			fmt.Fprintln(w, "No dropped actions.")
		} else {
			fmt.Fprintln(w, "Queue is empty.")
		}
		return
	}
	for _, a := range actions {
		at := a.CreatedAt
		if dropped {
			at = a.DroppedAt
		}
		fmt.Fprintf(w, "%s  %-14s  %-40s  retries=%d  %s\n",
			colorize(colorCyan, fmt.Sprintf("#%d", a.ID)),
			a.Kind,
			a.TargetID(),
			a.RetryCount,
			at.Local().Format("2006-01-02 15:04:05"),
		)
		if a.LastError != "" {
			fmt.Fprintf(w, "    %s\n", colorize(colorRed, a.LastError))
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
