package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusworks/achievement-import/internal/core"
)

func newHistoryCmd(st *state) *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past import runs",
		Long: `List past import runs, newest first.

Subcommands:
  show      Show one run with its failed rows
  report    Write the failed rows of a run to an xlsx file
  rollback  Delete every achievement a run created

Examples:
  importctl history
  importctl history --page 2 --size 50
  importctl history show 0b6f...
  importctl history report 0b6f... -o failures.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := st.svc.ListImportRuns(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if st.jsonOut {
				return printJSON(out, history)
			}
			if len(history.Runs) == 0 {
				fmt.Fprintln(out, "No import runs found.")
				return nil
			}
			fmt.Fprintf(out, "Import runs (page %d, %d total):\n\n", history.Page, history.Total)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tTABLE\tOK\tFAILED\tOPERATOR")
			for _, r := range history.Runs {
				table := r.TableName
				if table == "" {
					table = r.TableID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.CreatedAt.Local().Format(time.DateTime), runStatus(r), table, r.SuccessCount, r.FailedCount, r.OperatorID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "size", core.DefaultHistoryPageSize, "runs per page")

	cmd.AddCommand(newHistoryShowCmd(st))
	cmd.AddCommand(newHistoryReportCmd(st))
	cmd.AddCommand(newHistoryRollbackCmd(st))
	return cmd
}

func runStatus(r core.ImportRun) string {
	if r.RolledBackAt != nil {
		return r.Status + " (rolled back)"
	}
	return r.Status
}

func newHistoryShowCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one import run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := st.svc.GetImportRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if st.jsonOut {
				return printJSON(cmd.OutOrStdout(), run)
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
}

func printRun(w io.Writer, r *core.ImportRun) {
	fmt.Fprintf(w, "Run:       %s\n", r.ID)
	fmt.Fprintf(w, "Status:    %s\n", runStatus(*r))
	fmt.Fprintf(w, "Source:    %s / %s", r.AppToken, r.TableID)
	if r.TableName != "" {
		fmt.Fprintf(w, " (%s)", r.TableName)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Template:  %s\n", r.TemplateID)
	fmt.Fprintf(w, "Operator:  %s (%s)\n", r.OperatorID, r.OperatorRole)
	fmt.Fprintf(w, "Created:   %s\n", r.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Rows:      %d processed of %d fetched, %d succeeded, %d failed in %.1fs\n",
		r.TotalRecords, r.FetchedRecords, r.SuccessCount, r.FailedCount, r.DurationSeconds)
	printFailures(w, r.Failures)
}

func newHistoryReportCmd(st *state) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Export the failed rows of a run as xlsx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = fmt.Sprintf("import-%s-failures.xlsx", args[0])
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create report file: %w", err)
			}
			if err := st.svc.FailureReport(cmd.Context(), args[0], f); err != nil {
				f.Close()
				os.Remove(output)
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("write report file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default import-<run-id>-failures.xlsx)")
	return cmd
}

func newHistoryRollbackCmd(st *state) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Delete every achievement created by a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("rollback deletes imported achievements; pass --yes to confirm")
			}
			res, err := st.svc.RollbackRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if st.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back run %s: %d achievements deleted\n", res.RunID, res.RowsDeleted)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the rollback")
	return cmd
}
