package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campusworks/achievement-import/internal/store"
)

func newMigrateCmd(st *state) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations. With --down every migration is
reverted, which drops all import tables.`,
		Annotations: map[string]string{"service": "none"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := st.cfg
			if cfg == nil {
				var err error
				if cfg, err = loadConfig(); err != nil {
					return err
				}
			}
			if down {
				if err := store.MigrateDown(cfg.Database.URL); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All migrations reverted.")
				return nil
			}
			if err := store.Migrate(cfg.Database.URL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert every migration")
	return cmd
}
