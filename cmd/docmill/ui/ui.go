// Package ui provides terminal output helpers for the docmill CLI.
package ui

import (
	"fmt"

	"github.com/fatih/color"
)

// Success prints a success message.
func Success(format string, args ...interface{}) {
	color.New(color.FgGreen).Printf("✓ %s\n", fmt.Sprintf(format, args...))
}

// Error prints an error message.
func Error(format string, args ...interface{}) {
	color.New(color.FgRed).Printf("✗ %s\n", fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func Warning(format string, args ...interface{}) {
	color.New(color.FgYellow).Printf("⚠ %s\n", fmt.Sprintf(format, args...))
}

// Info prints an informational message.
func Info(format string, args ...interface{}) {
	color.New(color.FgCyan).Printf("ℹ %s\n", fmt.Sprintf(format, args...))
}

// Step prints a processing step message.
func Step(format string, args ...interface{}) {
	color.New(color.FgBlue).Printf("→ %s\n", fmt.Sprintf(format, args...))
}
