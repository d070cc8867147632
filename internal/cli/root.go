// Package cli provides the importctl command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/campusworks/achievement-import/internal/application"
	"github.com/campusworks/achievement-import/internal/attachment"
	"github.com/campusworks/achievement-import/internal/config"
	"github.com/campusworks/achievement-import/internal/core"
	"github.com/campusworks/achievement-import/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

// Service is the part of the import service the commands drive.
type Service interface {
	ListRemoteTables(ctx context.Context, appToken string) ([]core.RemoteTable, error)
	Preview(ctx context.Context, req core.PreviewRequest) (*core.PreviewResult, error)
	PersonalizedPreview(ctx context.Context, src core.Source, ownerName string) (*core.PreviewResult, error)
	Commit(ctx context.Context, req core.CommitRequest) (*core.ImportRunResult, error)
	ListImportRuns(ctx context.Context, page, pageSize int) (*core.ImportHistory, error)
	GetImportRun(ctx context.Context, id string) (*core.ImportRun, error)
	RollbackRun(ctx context.Context, id string) (*core.RollbackResult, error)
	FailureReport(ctx context.Context, id string, w io.Writer) error
	RetrySweep(ctx context.Context) (attachment.SweepResult, error)
}

// Opener builds a Service and the function that releases it.
type Opener func(ctx context.Context, verbose bool) (Service, func(), error)

// state is shared by every command of one root.
type state struct {
	open    Opener
	svc     Service
	closer  func()
	cfg     *config.Config
	verbose bool
	jsonOut bool
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Execute runs importctl with a context cancelled on SIGINT or SIGTERM, so
// an interrupted commit stops at the next row.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd(OpenApplication).ExecuteContext(ctx)
}

// NewRootCmd returns the importctl command tree using open to build the
// service for commands that need it.
func NewRootCmd(open Opener) *cobra.Command {
	st := &state{open: open}

	root := &cobra.Command{
		Use:   "importctl",
		Short: "Import student achievements from bitable tables",
		Long: `importctl previews and imports achievement rows from a Feishu bitable
table into the campus database, and manages past import runs.

Configuration is read from the environment and an optional .env file;
see the server documentation for the variable names.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !needsService(cmd) || st.svc != nil {
				return nil
			}
			svc, closer, err := st.open(cmd.Context(), st.verbose)
			if err != nil {
				return err
			}
			st.svc, st.closer = svc, closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if st.closer != nil {
				st.closer()
				st.closer = nil
			}
		},
	}

	root.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "verbose output and debug logs")
	root.PersistentFlags().BoolVar(&st.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(newTablesCmd(st))
	root.AddCommand(newPreviewCmd(st))
	root.AddCommand(newCommitCmd(st))
	root.AddCommand(newHistoryCmd(st))
	root.AddCommand(newSweepCmd(st))
	root.AddCommand(newMigrateCmd(st))
	return root
}

// needsService is false for commands that work from configuration alone.
func needsService(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["service"] == "none" {
			return false
		}
	}
	return cmd.Name() != "help" && cmd.Name() != "version"
}

// OpenApplication loads configuration and wires the full stack.
func OpenApplication(ctx context.Context, verbose bool) (Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	// Keep stdout for command output unless asked for more.
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, closeLogs := logging.Setup(logging.Options{
		Level:      level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	app, err := application.Open(ctx, cfg, logger)
	if err != nil {
		_ = closeLogs()
		return nil, nil, err
	}
	return app.Service, func() {
		app.Close()
		_ = closeLogs()
	}, nil
}

func loadConfig() (*config.Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := jsonAPI.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
