package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"inboxflow/internal/config"
	"inboxflow/internal/domain"
	"inboxflow/internal/store"
)

func TenantCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(tenantAddCmd(cfg))
	cmd.AddCommand(tenantListCmd(cfg))
	return cmd
}

func tenantAddCmd(cfg *config.Config) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add <prefix> <name>",
		Short: "Register a tenant for an inbound address prefix",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), *cfg, func(repo store.Repository) error {
				tid, err := repo.CreateTenant(cmd.Context(), domain.Tenant{
					ID:     id,
					Prefix: args[0],
					Name:   strings.Join(args[1:], " "),
				})
				if err != nil {
					return fmt.Errorf("failed to add tenant: %w", err)
				}
				fmt.Printf("Tenant %s added for prefix %q\n", tid, strings.ToLower(args[0]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id (generated when empty)")
	return cmd
}

func tenantListCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), *cfg, func(repo store.Repository) error {
				tenants, err := repo.ListTenants(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list tenants: %w", err)
				}
				if len(tenants) == 0 {
					fmt.Println("No tenants registered.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPREFIX\tNAME\tCREATED")
				for _, t := range tenants {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Prefix, t.Name, t.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}
