package main

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conductorone/tenantsync/pkg/concurrency"
	"github.com/conductorone/tenantsync/pkg/runner"
	"github.com/conductorone/tenantsync/pkg/tenant"
)

func tenantsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage installed tenants",
	}
	cmd.AddCommand(tenantsPutCmd(v))
	cmd.AddCommand(tenantsListCmd(v))
	cmd.AddCommand(tenantsTransitionCmd(v, "remove", "Mark a tenant removed and cancel its runs", true))
	cmd.AddCommand(tenantsTransitionCmd(v, "reinstall", "Restore a removed tenant and start a first sync", false))
	return cmd
}

func tenantsPutCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <tenant>",
		Short: "Install or update a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := cmd.Flags().GetString("provider")
			if err != nil {
				return err
			}
			creds, err := cmd.Flags().GetStringToString("credential")
			if err != nil {
				return err
			}
			settings, err := cmd.Flags().GetStringToString("setting")
			if err != nil {
				return err
			}
			startSync, err := cmd.Flags().GetBool("sync")
			if err != nil {
				return err
			}
			wait, err := cmd.Flags().GetDuration("wait")
			if err != nil {
				return err
			}

			return withApp(cmd, v, func(ctx context.Context, app *runner.App) error {
				_, err := app.Providers.Get(kind)
				if err != nil {
					return err
				}
				err = app.Tenants.Put(ctx, &tenant.Tenant{
					ID:          args[0],
					Provider:    kind,
					Credentials: creds,
					Config:      settings,
				})
				if err != nil {
					return err
				}
				app.Cache.Invalidate(args[0])
				if !startSync {
					return nil
				}

				id, err := app.Syncer.StartTenantSync(ctx, args[0], concurrency.PriorityFirstSync)
				if err != nil {
					return err
				}
				printEventID(cmd, id)
				return settle(ctx, app, wait)
			})
		},
	}
	cmd.Flags().String("provider", "", "The provider the tenant installed")
	cmd.Flags().StringToString("credential", nil, "Provider credentials as key=value")
	cmd.Flags().StringToString("setting", nil, "Provider settings as key=value")
	cmd.Flags().Bool("sync", false, "Start a first sync once the tenant is stored")
	addWaitFlag(cmd)
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func tenantsListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, app *runner.App) error {
				tenants, err := app.Tenants.List(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(tenants))
				for _, t := range tenants {
					status := "active"
					if t.Removed {
						status = "removed"
					}
					rows = append(rows, []string{
						t.ID,
						t.Provider,
						status,
						keys(t.Config),
						t.UpdatedAt.Format(time.RFC3339),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"TENANT", "PROVIDER", "STATUS", "SETTINGS", "UPDATED"}, rows)
			})
		},
	}
}

func tenantsTransitionCmd(v *viper.Viper, use string, short string, removed bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <tenant>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, err := cmd.Flags().GetDuration("wait")
			if err != nil {
				return err
			}
			return withApp(cmd, v, func(ctx context.Context, app *runner.App) error {
				id, err := app.SetTenantRemoved(ctx, args[0], removed)
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

// keys lists setting names only; values may be sensitive.
func keys(m map[string]string) string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return strings.Join(ret, ",")
}
