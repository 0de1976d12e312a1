package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/reconcile"
	"github.com/BuzzLyutic/shadowflow/internal/tasklist"
	"github.com/BuzzLyutic/shadowflow/internal/tui"
)

func (c *cli) openView(cmd *cobra.Command, filter model.Filter) (*tasklist.View, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	view := tasklist.New(c.api, c.logger, tasklist.Options{
		Filter:        filter,
		AutoReconnect: c.cfg.AutoReconnect,
	})
	if err := view.Open(cmd.Context(), sess); err != nil {
		view.Close()
		return nil, err
	}
	return view, nil
}

func newTUICmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive task list",
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := c.openView(cmd, model.FilterAll)
			if err != nil {
				return err
			}
			defer view.Close()

			if err := tui.Run(cmd.Context(), view); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
}

// watch prints the view every time it changes until interrupted.
func newWatchCmd(c *cli) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the task list whenever it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := model.ParseFilter(filter)
			if err != nil {
				return err
			}
			view, err := c.openView(cmd, f)
			if err != nil {
				return err
			}
			defer view.Close()

			out := cmd.OutOrStdout()
			last := ""
			for {
				snap := view.Snapshot()
				if text := renderSnapshot(snap); text != last && !snap.Loading {
					fmt.Fprintln(out, text)
					last = text
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-view.Updates():
				}
			}
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "all, active or completed")
	return cmd
}

func renderSnapshot(snap reconcile.Snapshot) string {
	var b strings.Builder
	b.WriteString("== " + snap.Filter.Title())
	if snap.Stale {
		b.WriteString(" (offline)")
	}
	b.WriteString(" ==\n")
	for _, t := range snap.Tasks {
		box := "[ ]"
		if t.IsCompleted {
			box = "[x]"
		}
		b.WriteString(box + " " + t.Title)
		if snap.PendingFor(t.ID).Busy() {
			b.WriteString(" …")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
