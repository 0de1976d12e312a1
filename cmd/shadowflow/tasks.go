package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/BuzzLyutic/shadowflow/internal/gateway"
	"github.com/BuzzLyutic/shadowflow/internal/model"
)

func newListCmd(c *cli) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := model.ParseFilter(filter)
			if err != nil {
				return err
			}
			token, err := c.token(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := c.api.ListTasks(cmd.Context(), token, f)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "all, active or completed")
	return cmd
}

func newAddCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "add [title]",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title, err := gateway.ValidateTitle(strings.Join(args, " "))
			if err != nil {
				return err
			}
			token, err := c.token(cmd.Context())
			if err != nil {
				return err
			}
			task, err := c.api.CreateTask(cmd.Context(), token, title)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", task.ID)
			return nil
		},
	}
}

func newDoneCmd(c *cli, completed bool) *cobra.Command {
	use, short := "done [task-id]", "Mark a task as completed"
	if !completed {
		use, short = "undo [task-id]", "Mark a task as not completed"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.token(cmd.Context())
			if err != nil {
				return err
			}
			task, err := c.api.UpdateTask(cmd.Context(), token, args[0], model.TaskPatch{IsCompleted: &completed})
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), []model.Task{task})
			return nil
		},
	}
}

func newRenameCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rename [task-id] [title]",
		Short: "Rename a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title, err := gateway.ValidateTitle(strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			token, err := c.token(cmd.Context())
			if err != nil {
				return err
			}
			task, err := c.api.UpdateTask(cmd.Context(), token, args[0], model.TaskPatch{Title: &title})
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), []model.Task{task})
			return nil
		},
	}
}

func newRemoveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "rm [task-id]",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.token(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.api.DeleteTask(cmd.Context(), token, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func printTasks(out io.Writer, tasks []model.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDONE\tTITLE\tCREATED")
	for _, t := range tasks {
		done := " "
		if t.IsCompleted {
			done = "x"
		}
		title := t.Title
		if t.TitleEnriched != nil && *t.TitleEnriched != "" {
			title += " (" + *t.TitleEnriched + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, done, title, t.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
