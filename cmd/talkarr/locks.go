package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/talkarr/talkarr/locks"
)

func newLocksCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List the held locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			var held []locks.Lock
			if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/locks", nil, &held); err != nil {
				return err
			}

			if len(held) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no locks are held")
				return nil
			}

			rows := make([][]string, 0, len(held))
			for _, l := range held {
				expires := "never"
				if l.ExpiresAt != nil {
					expires = formatTime(*l.ExpiresAt)
				}
				rows = append(rows, []string{l.Name, l.Owner, formatTime(l.AcquiredAt), expires})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Name", "Owner", "Acquired", "Expires"}, rows))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Release every lock, including locks of running tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			var cleared map[string]int64
			if err := client.do(cmd.Context(), http.MethodDelete, "/api/v1/locks", nil, &cleared); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d locks\n", cleared["cleared"])
			return nil
		},
	})

	return cmd
}
