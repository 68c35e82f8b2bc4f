package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"recon/internal/apperrors"
	"recon/internal/preflight"
)

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that COLMAP and the other collaborators are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			colmap, local, release, err := runners(cfg)
			if err != nil {
				return err
			}
			defer release()

			resp := preflight.ForConfig(cfg, colmap, local, opts.output).Run(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return apperrors.Internal("check.encode", err)
			}
			if !resp.IsHealthy() {
				return apperrors.Validation("preflight", "required collaborators are unavailable")
			}
			return nil
		},
	}
}
