package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/filemirror/mirror/mirror"
)

func init() {
	rootCmd.AddCommand(newVerifyCmd())
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <root>",
		Short: "Compare the tree below root with the snapshot and report every divergence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			checkEncoding(cmd.Context(), s)

			report := mirror.NewReport()
			if err := mirror.Reconcile(cmd.Context(), args[0], s.store, mirror.NewVerify(report), s.opts); err != nil {
				return err
			}
			if err := writeReport(report); err != nil {
				return err
			}
			if err := printSummary(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if n := len(report.Mismatches()); n > 0 {
				return &exitError{code: exitMismatch, msg: fmt.Sprintf("%d divergences", n)}
			}
			return nil
		},
	}
}

// checkEncoding warns when the tree is read with a different encoding
// than the snapshot was written with.
func checkEncoding(ctx context.Context, s *session) {
	stored, ok, err := s.store.Meta(ctx, mirror.MetaEncoding)
	if err != nil || !ok {
		return
	}
	if current := s.opts.Codec.Name(); stored != current {
		slog.Warn("snapshot was created with a different file name encoding",
			"snapshot", stored, "current", current)
	}
}

func printSummary(w io.Writer, report *mirror.Report) error {
	summary := report.Summary()
	if len(summary) == 0 {
		_, err := fmt.Fprintln(w, "no differences")
		return err
	}
	types := make([]string, 0, len(summary))
	for t := range summary {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		if _, err := fmt.Fprintf(w, "%-16s %d\n", t, summary[mirror.EventType(t)]); err != nil {
			return err
		}
	}
	return nil
}
