package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"model-fallback/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded fallback sessions",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	colorAccent = lipgloss.Color("#3AA99F")
	colorGreen  = lipgloss.Color("#879A39")
	colorOrange = lipgloss.Color("#DA702C")
	colorDim    = lipgloss.Color("#575653")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorDim)
	warnStyle   = lipgloss.NewStyle().Foreground(colorOrange)
)

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	fmt.Println(renderStatus(state, cfg.RestoreInterval(), time.Now()))
	fmt.Println(mutedStyle.Render("  state: " + cfg.Storage.Path))
	return nil
}

// sessionState names where a record is in its fallback episode.
func sessionState(record *storage.FallbackRecord, interval time.Duration, now time.Time) string {
	switch {
	case record.Restored():
		return "restored"
	case record.ExhaustedAt.IsZero():
		return "unknown"
	case now.Sub(record.ExhaustedAt.Time()) >= interval:
		return "restore due"
	default:
		return "fallback"
	}
}

func renderStatus(state *storage.State, interval time.Duration, now time.Time) string {
	if state == nil || len(state.Sessions) == 0 {
		return "\n  No fallback sessions recorded.\n"
	}

	ids := make([]string, 0, len(state.Sessions))
	for id := range state.Sessions {
		ids = append(ids, id)
	}
	// Most recent exhaustion first
	sort.Slice(ids, func(i, j int) bool {
		a, b := state.Sessions[ids[i]], state.Sessions[ids[j]]
		if a.ExhaustedAt != b.ExhaustedAt {
			return a.ExhaustedAt > b.ExhaustedAt
		}
		return ids[i] < ids[j]
	})

	rows := make([][]string, 0, len(ids))
	states := make([]string, 0, len(ids))
	for _, id := range ids {
		record := state.Sessions[id]
		st := sessionState(record, interval, now)
		states = append(states, st)
		rows = append(rows, []string{
			id,
			st,
			orDash(record.OriginalModel),
			orDash(record.FallbackModel),
			formatTimestamp(record.ExhaustedAt),
			formatTimestamp(record.RestoredAt),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("SESSION", "STATE", "ORIGINAL", "FALLBACK", "EXHAUSTED", "RESTORED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(states) {
				switch states[row] {
				case "restored":
					return cellStyle.Foreground(colorGreen)
				case "restore due", "fallback":
					return cellStyle.Foreground(colorOrange)
				}
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(t.String())
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("  last sweep: " + formatTimestamp(state.LastCheckAt)))
	return b.String()
}

func formatTimestamp(ts storage.Timestamp) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Time().Local().Format("Jan 02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
