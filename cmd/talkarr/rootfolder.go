package main

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/talkarr/talkarr/store"
)

func newRootFolderCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rootfolder",
		Aliases: []string{"rootfolders"},
		Short:   "Manage the root folders holding talks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <path>",
		Short: "Register a root folder and write its mark file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}

			var root store.RootFolder
			if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/rootfolders", map[string]string{"path": path}, &root); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added root folder %s\n", root.Path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the root folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			var folders []store.RootFolder
			if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/rootfolders", nil, &folders); err != nil {
				return err
			}

			rows := make([][]string, 0, len(folders))
			for _, f := range folders {
				rows = append(rows, []string{f.Path, yesNo(f.Healthy()), yesNo(f.MarkExists), yesNo(!f.DidNotFind), formatTime(f.CreatedAt)})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Path", "Healthy", "Marked", "Found", "Added"}, rows))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <path>",
		Short: "Forget a root folder, leaving its files on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}

			err = client.do(cmd.Context(), http.MethodDelete, "/api/v1/rootfolders?path="+url.QueryEscape(path), nil, nil)
			if isStatus(err, http.StatusNotFound) {
				return fmt.Errorf("%s is not a root folder", path)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed root folder %s\n", path)
			return nil
		},
	})

	return cmd
}
