package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digkill/deckforge/internal/auth"
	"github.com/digkill/deckforge/internal/service"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and seed the default plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reset every account whose period has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if limit <= 0 {
				limit = c.cfg.ResetSweepBatch
			}
			n, err := c.resets.Sweep(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d accounts\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum accounts to reset (defaults to RESET_SWEEP_BATCH)")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for an existing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			acc, err := c.accounts.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if acc == nil {
				return fmt.Errorf("%w: %s", service.ErrAccountNotFound, args[0])
			}
			token, err := auth.NewTokens(c.cfg.JWTSecret, c.cfg.JWTTTL).Generate(acc.UserID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
