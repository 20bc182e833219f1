package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nxdrive/drivesync/internal/engine"
)

// linkCommand prints the web address Manager computes for a local file.
func linkCommand(use, short string, link func(*engine.Manager, context.Context, string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <file>",
		GroupID: "documents",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), func(m *engine.Manager) error {
				url, err := link(m, cmd.Context(), path)
				if err != nil {
					return err
				}
				fmt.Println(url)
				return nil
			})
		},
	}
}

func init() {
	rootCmd.AddCommand(
		linkCommand("access-online", "Print the address of a synchronized document", (*engine.Manager).AccessOnline),
		linkCommand("copy-share-link", "Print the address to share a synchronized document", (*engine.Manager).CopyShareLink),
		linkCommand("edit-metadata", "Print the address of the metadata form of a document", (*engine.Manager).EditMetadata),
	)
}
