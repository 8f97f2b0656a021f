package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			color := shouldColorize(out)

			state := "stopped"
			stateColor := ansiRed
			if status.Running {
				state = "running"
				stateColor = ansiGreen
			}
			fmt.Fprintf(out, "Daemon:        %s (pid %d)\n", colorize(state, stateColor, color), status.PID)
			fmt.Fprintf(out, "Pending tasks: %s\n", colorize(fmt.Sprintf("%d", status.PendingTasks), pendingColor(status.PendingTasks), color))
			fmt.Fprintf(out, "Queue depth:   %d\n", status.QueueDepth)
			fmt.Fprintf(out, "Data dir:      %s\n", status.DataDir)
			fmt.Fprintf(out, "Lock file:     %s\n", status.LockFilePath)
			return nil
		},
	}
}

func pendingColor(pending int) string {
	if pending > 0 {
		return ansiYellow
	}
	return ansiGreen
}

func colorize(s, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + ansiReset
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
