package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/patchflow/internal/monitor"
)

var (
	watchServer   string
	watchInterval time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchServer, "server", "", "read from a running 'patchflow serve' at this URL instead of the local store")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

// watchCmd shows a live view of one workflow
var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Watch a workflow in a live terminal view",
	Long: `Show a live view of a workflow: phase progress, attempt counts, a
sparkline of attempt durations, pending approvals and recent transitions.

The local store can only be opened by one process. While 'patchflow serve'
is running, point --server at it instead.

Examples:
  patchflow watch 5f0c...
  patchflow watch --server http://localhost:9191 5f0c...`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var source monitor.Source
	if watchServer != "" {
		source = monitor.NewClient(watchServer)
	} else {
		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		source = a.ctrl
	}

	p := tea.NewProgram(
		monitor.NewModel(source, args[0], watchInterval),
		tea.WithContext(ctx),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		// Interrupted.
		return nil
	}
	return err
}
