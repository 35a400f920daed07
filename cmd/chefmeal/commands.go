package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/tbourn/chef-meal-orders/internal/app"
	"github.com/tbourn/chef-meal-orders/internal/config"
	"github.com/tbourn/chef-meal-orders/internal/scheduler"
)

func newRootCmd() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "chefmeal",
		Short:         "Chef meal event orders and payment capture",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	load := func() (config.Config, error) {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return config.Config{}, errors.Wrap(err, "load env")
		}
		cfg, err := config.Load()
		if err != nil {
			return cfg, errors.Wrap(err, "config")
		}
		app.ConfigureLogging(cfg)
		return cfg, nil
	}

	root.AddCommand(serveCmd(load))
	root.AddCommand(migrateCmd(load))
	root.AddCommand(sweepCmd(load))
	root.AddCommand(purgeCmd(load))
	return root
}

type loader func() (config.Config, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, capture scheduler and outbox dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg, Version)
		},
	}
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			deps, err := app.Build(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = deps.Close() }()
			cmd.Printf("schema up to date (%s)\n", cfg.DB.Driver)
			return nil
		},
	}
}

func sweepCmd(load loader) *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one capture sweep pass, or settle a single event",
		Long: `Run one scheduler tick against every due event, or with --event close
and sweep a single event immediately. The report is printed as JSON.

Examples:
  chefmeal sweep
  chefmeal sweep --event 6f1c2d7e-0d7b-4f5e-9b7a-2f0a1c3d4e5f`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			deps, err := app.Build(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = deps.Close() }()

			sched, err := scheduler.New(cfg.Scheduler, deps.DB, deps.Orders)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var report any
			if eventID != "" {
				report, err = sched.SweepEvent(ctx, eventID)
			} else {
				report, err = sched.Tick(ctx)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id to settle")
	return cmd
}

func purgeCmd(load loader) *cobra.Command {
	var reservations bool
	cmd := &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Delete expired idempotency records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			deps, err := app.Build(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = deps.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			n, err := deps.Orders.PurgeIdempotency(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("purged %d idempotency records\n", n)

			if reservations && cfg.Scheduler.ReservationTTL > 0 {
				m, err := deps.Orders.PurgeStaleReservations(ctx, cfg.Scheduler.ReservationTTL, cfg.Scheduler.Batch)
				if err != nil {
					return err
				}
				cmd.Printf("purged %d stale reservations\n", m)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reservations, "reservations", false, "also remove stale pending reservations")
	return cmd
}
