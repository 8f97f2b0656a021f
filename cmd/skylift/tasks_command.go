package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"skylift/internal/daemon"
)

func newTasksCommand(ctx *commandContext) *cobra.Command {
	var statusFilter []string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List upload tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			tasks, err := client.Tasks(cmd.Context(), statusFilter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks")
				return nil
			}
			fmt.Fprintln(out, renderTaskTable(tasks))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statusFilter, "status", nil, "Filter by status (pending, sharing, shared, failed)")
	return cmd
}

func renderTaskTable(tasks []daemon.TaskView) string {
	headers := []string{"RELEASE", "TITLE", "TYPE", "STATUS", "PROGRESS", "RETRIES", "ERROR"}
	rows := make([][]string, 0, len(tasks))
	for _, task := range tasks {
		rows = append(rows, []string{
			task.ReleaseID,
			truncateText(task.Title, 40),
			task.MediaType,
			task.Status,
			taskProgress(task),
			fmt.Sprintf("%d", task.RetryCount),
			truncateText(task.LastError, 40),
		})
	}
	return renderTable(headers, rows, []columnAlignment{
		alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft,
	})
}

func taskProgress(task daemon.TaskView) string {
	progress := fmt.Sprintf("%d/%d", task.Completed, task.ExpectedCount)
	var notes []string
	if task.Uploading > 0 {
		notes = append(notes, fmt.Sprintf("%d up", task.Uploading))
	}
	if len(task.Failed) > 0 {
		notes = append(notes, fmt.Sprintf("%d failed", len(task.Failed)))
	}
	if len(notes) > 0 {
		progress += " (" + strings.Join(notes, ", ") + ")"
	}
	return progress
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
