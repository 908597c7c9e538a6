package main

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conductorone/tenantsync/pkg/runner"
	"github.com/conductorone/tenantsync/pkg/store"
)

func runsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List function runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.RunFilter{}
			var err error
			if filter.TenantID, err = cmd.Flags().GetString("tenant"); err != nil {
				return err
			}
			if filter.FunctionID, err = cmd.Flags().GetString("function"); err != nil {
				return err
			}
			if filter.Limit, err = cmd.Flags().GetUint("limit"); err != nil {
				return err
			}
			statuses, err := cmd.Flags().GetStringSlice("status")
			if err != nil {
				return err
			}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, store.RunStatus(s))
			}

			return withApp(cmd, v, func(ctx context.Context, app *runner.App) error {
				runs, err := app.Store.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					rows = append(rows, []string{
						r.ID,
						r.FunctionID,
						r.TenantID,
						r.Phase,
						string(r.Status),
						strconv.Itoa(r.Attempt),
						r.CreatedAt.Format(time.RFC3339),
						r.Error,
					})
				}
				return renderTable(cmd.OutOrStdout(),
					[]string{"RUN", "FUNCTION", "TENANT", "PHASE", "STATUS", "ATTEMPT", "CREATED", "ERROR"}, rows)
			})
		},
	}
	cmd.Flags().String("tenant", "", "Only runs for this tenant")
	cmd.Flags().String("function", "", "Only runs of this function")
	cmd.Flags().StringSlice("status", nil, "Only runs in these statuses")
	cmd.Flags().Uint("limit", 50, "Maximum runs to list")
	return cmd
}
