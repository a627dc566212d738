package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
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

// printAnswer writes an answer with its provenance and sources.
func printAnswer(w io.Writer, a answerView) {
	fmt.Fprintln(w, a.Answer.Answer)
	fmt.Fprintln(w)

	if a.FromCache {
		note := fmt.Sprintf("cached answer (similarity %.2f)", a.Similarity)
		if a.OriginalQuestion != "" {
			note += fmt.Sprintf(" for %q", a.OriginalQuestion)
		}
		fmt.Fprintln(w, colorize(colorDim, note))
	}
	for i, ref := range a.SourceRefs {
		label := ref.Source
		if ref.Pages != "" {
			label += ", pages " + ref.Pages
		}
		fmt.Fprintf(w, "%s %s\n", colorize(colorCyan, fmt.Sprintf("[%d]", i+1)), label)
	}
	if a.ConversationID != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "thread:"), a.ConversationID)
	}
	if a.Warning != "" {
		fmt.Fprintln(w, colorize(colorYellow, "⚠ "+a.Warning))
	}
}
