package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/md-rashed-zaman/imescheduling/libs/auth"
	"github.com/md-rashed-zaman/imescheduling/libs/db"
	"github.com/md-rashed-zaman/imescheduling/libs/runtime"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/hybridtime"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/storage"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/validation"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/migrations"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(newViper()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "schedulingctl",
		Short:        "Operator tooling for the scheduling service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("database-url", "", "Postgres connection string (DATABASE_URL)")
	root.PersistentFlags().String("timezone", "", "IANA display timezone (DISPLAY_TIMEZONE)")

	root.AddCommand(migrateCmd(v))
	root.AddCommand(linkCmd(v))
	root.AddCommand(timeCmd(v))
	root.AddCommand(slotsCmd(v))
	return root
}

// configFor binds cmd's flags and loads the merged configuration.
func configFor(v *viper.Viper, cmd *cobra.Command) (*ctlConfig, error) {
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return loadConfig(v)
}

func openPool(ctx context.Context, cfg *ctlConfig) (*db.Pool, error) {
	if err := cfg.requireDatabase(); err != nil {
		return nil, err
	}
	return db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the scheduling schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(v, cmd)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.NewMigrator(pool, migrations.FS).Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(v, cmd)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			pending, err := db.NewMigrator(pool, migrations.FS).Pending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, "schema is up to date")
				return nil
			}
			for _, m := range pending {
				fmt.Fprintf(out, "pending  %s\n", m.Name)
			}
			return nil
		},
	})
	return cmd
}

func linkCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Booking-link tokens",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a booking link token for a claimant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(v, cmd)
			if err != nil {
				return err
			}
			if cfg.LinkSecret == "" {
				return fmt.Errorf("BOOKING_LINK_SECRET is required")
			}
			subject, _ := cmd.Flags().GetString("subject")
			caseRef, _ := cmd.Flags().GetString("case")
			req := validation.BookingLinkRequest{SubjectRef: subject, CaseRef: caseRef}
			if err := validation.New().Struct(req); err != nil {
				return err
			}
			token, err := auth.NewBookingLinkSigner(cfg.LinkSecret, cfg.LinkTTL).Issue(subject, caseRef)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().String("subject", "", "Claimant reference the link is bound to")
	issue.Flags().String("case", "", "Application reference")
	issue.Flags().String("link-secret", "", "HS256 secret (BOOKING_LINK_SECRET)")
	issue.Flags().Duration("link-ttl", 0, "Link lifetime (BOOKING_LINK_TTL)")
	cmd.AddCommand(issue)
	return cmd
}

func timeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "time",
		Short: "Inspect stored time-of-day strings",
	}

	display := &cobra.Command{
		Use:   "display VALUE...",
		Short: "Render stored times in the display timezone",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(v, cmd)
			if err != nil {
				return err
			}
			loc, err := cfg.location()
			if err != nil {
				return err
			}
			writeTimes(cmd.OutOrStdout(), args, hybridtime.ParseFormat(cfg.TimeFormat), loc, time.Now())
			return nil
		},
	}
	display.Flags().String("format", "", "12h or 24h (TIME_FORMAT)")
	cmd.AddCommand(display)
	return cmd
}

func writeTimes(w io.Writer, values []string, format hybridtime.Format, loc *time.Location, now time.Time) {
	for _, raw := range values {
		v, err := hybridtime.Parse(raw)
		if err != nil {
			fmt.Fprintf(w, "%-10s invalid\n", raw)
			continue
		}
		minutes, _ := hybridtime.LocalMinutes(raw, loc, now)
		fmt.Fprintf(w, "%-10s %-8s %-9s %d\n", raw, v.Kind(), hybridtime.ConvertForDisplay(raw, format, loc, now), minutes)
	}
}

func slotsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect slot availability",
	}

	available := &cobra.Command{
		Use:   "available",
		Short: "List bookable windows for a resource on a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(v, cmd)
			if err != nil {
				return err
			}
			loc, err := cfg.location()
			if err != nil {
				return err
			}
			resource, _ := cmd.Flags().GetString("resource")
			date, _ := cmd.Flags().GetString("date")
			duration, _ := cmd.Flags().GetInt("duration")
			query := validation.AvailabilityQuery{ResourceRef: resource, Date: date, DurationMinutes: duration}
			if err := validation.New().Struct(query); err != nil {
				return err
			}
			day, err := time.ParseInLocation("2006-01-02", date, loc)
			if err != nil {
				return err
			}

			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := runtime.NewLoggerTo(cmd.ErrOrStderr(), "schedulingctl", "warn")
			svc := booking.NewService(storage.NewSlotRepository(pool), notify.LogPublisher{Logger: logger}, nil, logger, booking.Config{Location: loc})
			windows, err := svc.Available(cmd.Context(), resource, day, duration, "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range windows {
				fmt.Fprintf(out, "%s  %s\n", w.Start().In(loc).Format("15:04"), w.End().In(loc).Format("15:04"))
			}
			if len(windows) == 0 {
				fmt.Fprintln(out, "no windows available")
			}
			return nil
		},
	}
	available.Flags().String("resource", "", "Resource reference")
	available.Flags().String("date", "", "Day in the display timezone (YYYY-MM-DD)")
	available.Flags().Int("duration", 30, "Window length in minutes")
	cmd.AddCommand(available)
	return cmd
}
