package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/neomorfeo/esimflow/internal/adapter/sqlite"
	"github.com/neomorfeo/esimflow/internal/app"
	"github.com/neomorfeo/esimflow/internal/config"
	"github.com/neomorfeo/esimflow/internal/domain"
)

// cliEnv is what the administrative subcommands share.
type cliEnv struct {
	cfg   config.Config
	store *sqlite.Store
	deps  app.Deps
}

func openCLI() (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return &cliEnv{cfg: cfg, store: store, deps: baseDeps(store, logger)}, nil
}

func (e *cliEnv) Close() error {
	return e.store.Close()
}

func tenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant administration (create, list, deactivate)",
	}
	cmd.AddCommand(tenantCreateCommand(), tenantListCommand(), tenantDeactivateCommand())
	return cmd
}

func tenantCreateCommand() *cobra.Command {
	var (
		name           string
		provider       string
		maxProfiles    int
		allowMigration bool
		retentionDays  int
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create an active tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := domain.ParseProvider(provider)
			if err != nil {
				return err
			}

			env, err := openCLI()
			if err != nil {
				return err
			}
			defer env.Close()

			var settings *domain.TenantSettings
			if cmd.Flags().Changed("max-profiles") || cmd.Flags().Changed("allow-migration") || cmd.Flags().Changed("audit-retention-days") {
				s := domain.DefaultTenantSettings()
				if cmd.Flags().Changed("max-profiles") {
					s.MaxProfiles = maxProfiles
				}
				if cmd.Flags().Changed("allow-migration") {
					s.AllowMigration = allowMigration
				}
				if cmd.Flags().Changed("audit-retention-days") {
					s.AuditRetentionDays = retentionDays
				}
				settings = &s
			}

			tenant, err := app.NewTenantService(env.deps).Create(cmd.Context(), name, p, settings)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tenant.ID)
			return nil
		},
	}

	defaults := domain.DefaultTenantSettings()
	c.Flags().StringVar(&name, "name", "", "tenant display name")
	c.Flags().StringVar(&provider, "provider", string(domain.ProviderMPT), "carrier: MPT, ATOM, OOREDOO or MYTEL")
	c.Flags().IntVar(&maxProfiles, "max-profiles", defaults.MaxProfiles, "profile quota")
	c.Flags().BoolVar(&allowMigration, "allow-migration", defaults.AllowMigration, "permit device migrations")
	c.Flags().IntVar(&retentionDays, "audit-retention-days", defaults.AuditRetentionDays, "audit retention in days")
	_ = c.MarkFlagRequired("name")
	return c
}

func tenantListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openCLI()
			if err != nil {
				return err
			}
			defer env.Close()

			tenants, err := app.NewTenantService(env.deps).List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tACTIVE\tMAX PROFILES\tMIGRATION\tCREATED")
			for _, t := range tenants {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%t\t%s\n",
					t.ID, t.Name, t.Provider, t.Active, t.Settings.MaxProfiles, t.Settings.AllowMigration, formatTime(t.CreatedAt))
			}
			return w.Flush()
		},
	}
}

func tenantDeactivateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <tenant-id>",
		Short: "Deactivate a tenant; its actors are refused from then on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openCLI()
			if err != nil {
				return err
			}
			defer env.Close()

			tenant, err := app.NewTenantService(env.deps).Deactivate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s deactivated\n", tenant.ID)
			return nil
		},
	}
}
