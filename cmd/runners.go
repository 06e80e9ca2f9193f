package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scraper-coordinator/internal/auth"
)

func newRunnersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runners",
		Short: "Manage runner registrations",
	}
	cmd.AddCommand(newRunnersRegisterCmd(), newRunnersRevokeCmd(), newRunnersListCmd())
	return cmd
}

func newRunnersRegisterCmd() *cobra.Command {
	var (
		scrapers []string
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Register a runner, or rotate its key, and print the new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := auth.RegisterRequest{Name: args[0], AllowedScrapers: scrapers}
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &req.Metadata); err != nil {
					return fmt.Errorf("parse --metadata: %w", err)
				}
			}
			reg, err := appInstance.Registry().Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "runner:  %s\n", reg.Runner.Name)
			fmt.Fprintf(out, "api key: %s\n", reg.APIKey)
			fmt.Fprintln(out, "store this key now; it cannot be shown again")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scrapers, "scrapers", nil, "scraper slugs the runner may claim (default: all)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON object stored with the runner")
	return cmd
}

func newRunnersRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke NAME",
		Short: "Revoke a runner's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Registry().Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
}

func newRunnersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runners with their derived status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runners, err := appInstance.Registry().List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tKEY\tLAST SEEN")
			for _, r := range runners {
				seen := "-"
				if r.LastSeenAt != nil {
					seen = r.LastSeenAt.UTC().Format("2006-01-02T15:04:05Z")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Status, r.KeyPrefix, seen)
			}
			return tw.Flush()
		},
	}
}
