package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"refsync/internal/auth"
	"refsync/internal/blob"
	"refsync/internal/config"
)

func newTokenCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "token [bucket]",
		Short: "Mint a signed connection token for a bucket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return nil
			}
			bucket := args[0]
			if err := blob.ValidateBucket(bucket); err != nil {
				return err
			}

			secret := cfg.TokenSecret
			if secret == "" {
				secret = auth.DefaultSecret
			}
			token, err := auth.Mint(secret, bucket)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), bucket)
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
