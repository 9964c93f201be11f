package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/filemirror/mirror/mirror"
)

func init() {
	rootCmd.AddCommand(newMergeCmd())
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <source> <destination>",
		Short: "Copy entries the snapshot expects but destination lacks from source",
		Long: `merge walks destination against the snapshot. Every file or directory
recorded in the snapshot but missing from destination is copied from the
same relative path in source. Nothing in destination is overwritten or
deleted: extra entries and changed content are only reported.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			checkEncoding(cmd.Context(), s)

			report := mirror.NewReport()
			m, err := mirror.NewMerge(args[0], args[1], report, s.opts.Ignore)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := mirror.Reconcile(cmd.Context(), args[1], s.store, m, s.opts); err != nil {
				return err
			}
			if err := writeReport(report); err != nil {
				return err
			}
			if err := printSummary(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if n := len(report.Failures()); n > 0 {
				return &exitError{code: exitMismatch, msg: fmt.Sprintf("%d entries could not be copied", n)}
			}
			return nil
		},
	}
}
