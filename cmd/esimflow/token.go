package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neomorfeo/esimflow/internal/adapter/token"
	"github.com/neomorfeo/esimflow/internal/app"
	"github.com/neomorfeo/esimflow/internal/domain"
)

func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token utilities",
	}
	cmd.AddCommand(tokenIssueCommand())
	return cmd
}

func tokenIssueCommand() *cobra.Command {
	var (
		tenantID string
		subject  string
		role     string
		ttl      time.Duration
		inactive bool
	)

	c := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed bearer token for an actor of an existing tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}

			env, err := openCLI()
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.cfg.RequireJWT(); err != nil {
				return err
			}
			if _, err := app.NewTenantService(env.deps).Get(cmd.Context(), tenantID); err != nil {
				return err
			}

			authority, err := token.NewAuthority(env.cfg.JWTSecret, env.cfg.JWTIssuer)
			if err != nil {
				return err
			}
			raw, err := authority.Issue(domain.Actor{
				ID:       subject,
				TenantID: tenantID,
				Role:     r,
				Active:   !inactive,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}

	c.Flags().StringVar(&tenantID, "tenant", "", "tenant the actor belongs to")
	c.Flags().StringVar(&subject, "subject", "", "actor identifier")
	c.Flags().StringVar(&role, "role", string(domain.RoleViewer), "viewer, operator or admin")
	c.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	c.Flags().BoolVar(&inactive, "inactive", false, "mark the actor inactive")
	_ = c.MarkFlagRequired("tenant")
	_ = c.MarkFlagRequired("subject")
	return c
}
