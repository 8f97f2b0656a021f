package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Run a full reconciliation sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Resync(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Resync completed")
			return nil
		},
	}
}
