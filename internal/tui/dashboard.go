// File: internal/tui/dashboard.go
// Package tui renders the `stats --dashboard` live table by polling
// the stats publisher's JSON snapshot file.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sys/unix"

	"github.com/momentics/aetherless/internal/stats"
)

// Styles holds the lipgloss styles for dashboard rendering.
type Styles struct {
	Header  lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Warning lipgloss.Style
}

// NewStyles returns the default color palette.
func NewStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// NoStyles returns a palette with no coloring, for non-terminal output.
func NoStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Header: plain, Label: plain, Value: plain, Warning: plain}
}

// StdoutIsTerminal reports whether stdout is attached to a terminal.
func StdoutIsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}

// Dashboard polls Path for a stats.Snapshot and renders it to stdout
// every Interval (see Run).
type Dashboard struct {
	Path     string
	Interval time.Duration
	Styles   Styles
}

// NewDashboard returns a Dashboard reading path with the default
// palette (colored if stdout is a terminal, plain otherwise).
func NewDashboard(path string) *Dashboard {
	styles := NoStyles()
	if StdoutIsTerminal() {
		styles = NewStyles()
	}
	return &Dashboard{Path: path, Interval: 500 * time.Millisecond, Styles: styles}
}

// Run polls and renders until stopCh is closed.
func (d *Dashboard) Run(stopCh <-chan struct{}) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.renderOnce()
		select {
		case <-ticker.C:
		case <-stopCh:
			return nil
		}
	}
}

func (d *Dashboard) renderOnce() {
	raw, err := os.ReadFile(d.Path)
	if err != nil {
		fmt.Fprintln(os.Stdout, d.Styles.Warning.Render(fmt.Sprintf("stats file unavailable: %v", err)))
		return
	}
	var snap stats.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		fmt.Fprintln(os.Stdout, d.Styles.Warning.Render(fmt.Sprintf("malformed stats snapshot: %v", err)))
		return
	}

	var b strings.Builder
	b.WriteString(d.Styles.Header.Render("aetherless dashboard") + "\n")
	row := func(label string, value any) {
		b.WriteString(d.Styles.Label.Render(fmt.Sprintf("%-14s", label)))
		b.WriteString(d.Styles.Value.Render(fmt.Sprintf("%v", value)))
		b.WriteString("\n")
	}
	row("ts", time.Unix(snap.Ts, 0).Format(time.RFC3339))
	row("registered", snap.Registered)
	row("running", snap.Running)
	row("warm", snap.Warm)
	row("cold_starts", snap.ColdStarts)
	row("checksum_mm", snap.RingStats.ChecksumMismatches)

	fmt.Fprint(os.Stdout, "\033[H\033[2J")
	fmt.Fprint(os.Stdout, b.String())
}
