package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusworks/achievement-import/internal/core"
	"github.com/campusworks/achievement-import/internal/mapping"
)

// sourceFlags are shared by preview and commit.
type sourceFlags struct {
	app   string
	table string
	view  string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.app, "app", "a", "", "bitable app token (required)")
	cmd.Flags().StringVarP(&f.table, "table", "t", "", "table id (required)")
	cmd.Flags().StringVar(&f.view, "view", "", "view id to read through")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("table")
}

func (f *sourceFlags) source() core.Source {
	return core.Source{AppToken: f.app, TableID: f.table, ViewID: f.view}
}

func newTablesCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "tables <app-token>",
		Short: "List the tables of a bitable app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, err := st.svc.ListRemoteTables(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if st.jsonOut {
				return printJSON(out, tables)
			}
			if len(tables) == 0 {
				fmt.Fprintln(out, "No tables found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE ID\tNAME")
			for _, t := range tables {
				fmt.Fprintf(tw, "%s\t%s\n", t.TableID, t.Name)
			}
			return tw.Flush()
		},
	}
}

func newPreviewCmd(st *state) *cobra.Command {
	var (
		src     sourceFlags
		limit   int
		student string
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Map the first rows of a table without writing anything",
		Long: `Fetch a table, apply the mapping template and show what would be imported.

Examples:
  importctl preview --app bascnXXXX --table tblXXXX
  importctl preview -a bascnXXXX -t tblXXXX --limit 20
  importctl preview -a bascnXXXX -t tblXXXX --student 张三`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				result *core.PreviewResult
				err    error
			)
			if student != "" {
				result, err = st.svc.PersonalizedPreview(cmd.Context(), src.source(), student)
			} else {
				result, err = st.svc.Preview(cmd.Context(), core.PreviewRequest{Source: src.source(), Limit: limit})
			}
			if err != nil {
				return err
			}
			if st.jsonOut {
				return printJSON(cmd.OutOrStdout(), result)
			}
			printPreview(cmd.OutOrStdout(), result, st.verbose)
			return nil
		},
	}
	src.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "rows to preview (default from IMPORT_PREVIEW_LIMIT)")
	cmd.Flags().StringVar(&student, "student", "", "only rows whose student name matches")
	return cmd
}

func printPreview(w io.Writer, r *core.PreviewResult, verbose bool) {
	fmt.Fprintf(w, "Template %s: %d of %d fetched rows previewed, %d valid, %d invalid\n\n",
		r.TemplateID, r.Total, r.Fetched, r.Valid, r.Invalid)
	for _, row := range r.Rows {
		mark := "ok"
		if !row.Valid {
			mark = "INVALID"
		}
		fmt.Fprintf(w, "#%d %s [%s]\n", row.RowIndex, row.RecordID, mark)
		for _, fe := range row.Errors {
			fmt.Fprintf(w, "  error: %s\n", fe.Error())
		}
		if row.Valid {
			for _, t := range mapping.Targets {
				if v, ok := row.Values[t]; ok && v != nil {
					fmt.Fprintf(w, "  %s: %v\n", t, v)
				}
			}
		}
		if verbose {
			for _, n := range row.Notes {
				fmt.Fprintf(w, "  note: %s\n", n.Message)
			}
		}
	}
}

func newCommitCmd(st *state) *cobra.Command {
	var (
		src         sourceFlags
		keepInvalid bool
		operator    string
		role        string
	)
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Import every row of a table",
		Long: `Import every row of a table. Rows that fail are reported and skipped;
the run can be inspected and rolled back with the history command.

Press Ctrl-C to stop after the current row. Rows already written are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			errOut := cmd.ErrOrStderr()
			result, err := st.svc.Commit(cmd.Context(), core.CommitRequest{
				Source:      src.source(),
				SkipInvalid: !keepInvalid,
				Operator:    core.Operator{ID: operator, Role: role},
				OnProgress: func(p core.ImportProgress) {
					if st.verbose && p.TotalRows > 0 {
						fmt.Fprintf(errOut, "\r[%3d%%] row %d/%d %-13s", p.Percent(), p.CurrentRow, p.TotalRows, p.Phase)
					}
				},
			})
			if st.verbose {
				fmt.Fprintln(errOut)
			}
			if result == nil {
				return err
			}
			if st.jsonOut {
				if jerr := printJSON(cmd.OutOrStdout(), result); jerr != nil {
					return jerr
				}
			} else {
				printCommit(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
	src.register(cmd)
	cmd.Flags().BoolVar(&keepInvalid, "keep-invalid", false, "store rows with mapping errors when student and title resolve")
	cmd.Flags().StringVar(&operator, "operator", "importctl", "operator id recorded on the run")
	cmd.Flags().StringVar(&role, "role", "admin", "operator role recorded on the run")
	return cmd
}

func printCommit(w io.Writer, r *core.ImportRunResult) {
	fmt.Fprintf(w, "Run %s %s: %d/%d rows processed, %d succeeded, %d failed (%s)\n",
		r.RunID, r.Status, r.Processed, r.Total, r.Succeeded, r.Failed, r.Duration.Round(time.Millisecond))
	printFailures(w, r.Rows)
}

func printFailures(w io.Writer, rows []core.RowOutcome) {
	var failed []core.RowOutcome
	for _, row := range rows {
		if row.Status == core.RowFailed {
			failed = append(failed, row)
		}
	}
	if len(failed) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tRECORD\tCODE\tREASON")
	for _, row := range failed {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", row.RowIndex, row.RecordID, row.Code, strings.Join(row.Errors, "; "))
	}
	_ = tw.Flush()
}

func newSweepCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Retry attachment downloads that failed during import",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := st.svc.RetrySweep(cmd.Context())
			if err != nil && res.Scanned == 0 {
				return err
			}
			if st.jsonOut {
				if jerr := printJSON(cmd.OutOrStdout(), res); jerr != nil {
					return errors.Join(err, jerr)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, resolved %d, failed %d, skipped %d\n",
				res.Scanned, res.Resolved, res.Failed, res.Skipped)
			return err
		},
	}
}
