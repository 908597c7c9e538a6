package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conductorone/tenantsync/pkg/concurrency"
	"github.com/conductorone/tenantsync/pkg/runner"
)

func addWaitFlag(cmd *cobra.Command) {
	cmd.Flags().Duration("wait", 0, "Process the work in this command for up to this long instead of leaving it to serve")
}

func printEventID(cmd *cobra.Command, id string) {
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
}

func syncCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <tenant> [phase]",
		Short: "Sync every phase of a tenant, or one phase when it is named",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, err := cmd.Flags().GetDuration("wait")
			if err != nil {
				return err
			}
			cursor, err := cmd.Flags().GetString("cursor")
			if err != nil {
				return err
			}
			rawPriority, err := cmd.Flags().GetString("priority")
			if err != nil {
				return err
			}
			priority, err := concurrency.ParsePriority(rawPriority)
			if err != nil {
				return err
			}

			return withApp(cmd, v, func(ctx context.Context, app *runner.App) error {
				var id string
				if len(args) == 2 {
					id, err = app.Syncer.StartSync(ctx, args[0], args[1], cursor, priority)
				} else {
					if cursor != "" {
						return errors.New("--cursor needs a phase")
					}
					id, err = app.Syncer.StartTenantSync(ctx, args[0], priority)
				}
				if err != nil {
					return err
				}
				printEventID(cmd, id)
				return settle(ctx, app, wait)
			})
		},
	}
	cmd.Flags().String("cursor", "", "Resume a phase from this provider cursor")
	cmd.Flags().String("priority", "incremental", "Queue priority: incremental or first_sync")
	addWaitFlag(cmd)
	return cmd
}

type objectFunc func(app *runner.App) func(ctx context.Context, tenantID string, objectID string) (string, error)

func objectCmd(v *viper.Viper, use string, short string, fn objectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <tenant> <object>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, err := cmd.Flags().GetDuration("wait")
			if err != nil {
				return err
			}
			return withApp(cmd, v, func(ctx context.Context, app *runner.App) error {
				id, err := fn(app)(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printEventID(cmd, id)
				return settle(ctx, app, wait)
			})
		},
	}
	addWaitFlag(cmd)
	return cmd
}

func refreshCmd(v *viper.Viper) *cobra.Command {
	return objectCmd(v, "refresh", "Fetch one object from the provider and upsert it", func(app *runner.App) func(context.Context, string, string) (string, error) {
		return app.Syncer.RefreshObject
	})
}

func deleteCmd(v *viper.Viper) *cobra.Command {
	return objectCmd(v, "delete", "Delete one object from the sink", func(app *runner.App) func(context.Context, string, string) (string, error) {
		return app.Syncer.DeleteObject
	})
}
