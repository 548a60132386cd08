package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"inboxflow/internal/config"
	"inboxflow/internal/store"
)

func ReviewsCmd(cfg *config.Config) *cobra.Command {
	var (
		tenantID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "List messages parked for manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), *cfg, func(repo store.Repository) error {
				reviews, err := repo.ListReviews(cmd.Context(), tenantID, limit)
				if err != nil {
					return fmt.Errorf("failed to list reviews: %w", err)
				}
				if len(reviews) == 0 {
					fmt.Println("No messages awaiting review.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTENANT\tREASON\tFROM\tSUBJECT\tCREATED")
				for _, r := range reviews {
					tenant := r.TenantID
					if tenant == "" {
						tenant = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, tenant, r.Reason, r.Payload.From, r.Payload.Subject, r.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "only show reviews for this tenant")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func BookingsCmd(cfg *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "bookings <tenant-id>",
		Short: "List bookings created for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), *cfg, func(repo store.Repository) error {
				bookings, err := repo.ListBookings(cmd.Context(), args[0], limit)
				if err != nil {
					return fmt.Errorf("failed to list bookings: %w", err)
				}
				if len(bookings) == 0 {
					fmt.Printf("No bookings for tenant %s\n", args[0])
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCLIENT\tEVENT\tDATE\tVENUE\tFEE\tSOURCE")
				for _, b := range bookings {
					date, fee := "-", "-"
					if b.EventDate != nil {
						date = b.EventDate.Format("2006-01-02")
					}
					if b.Fee != nil {
						fee = fmt.Sprintf("%.2f %s", *b.Fee, b.Currency)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.ClientName, b.EventType, date, b.Venue, fee, b.Source)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}
