package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/filemirror/mirror/mirror"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <root>",
		Short: "Record the tree below root as the snapshot, replacing any previous one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := mirror.CreateSnapshot(cmd.Context(), args[0], s.store, s.opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d files, %d directories, %s\n",
				stats.Files, stats.Dirs, humanize.IBytes(stats.Bytes))
			return err
		},
	}
}
