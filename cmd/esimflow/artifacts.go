package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neomorfeo/esimflow/internal/adapter/qr"
	"github.com/neomorfeo/esimflow/internal/app"
)

func artifactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Activation artifact maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired activation artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openCLI()
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := app.NewArtifactService(env.deps, qr.Renderer{}, env.cfg.ArtifactTTL).PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired artifact(s)\n", n)
			return nil
		},
	})
	return cmd
}
