// Command obdmon monitors a vehicle through an ELM327 adapter and reports
// alerts, trips and maintenance recommendations.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obdmon/internal/maintenance"
	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/server"
	"github.com/shaunagostinho/obdmon/internal/store"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var mon monitorOptions

	cmd := &cobra.Command{
		Use:           "obdmon",
		Short:         "ELM327 vehicle diagnostics monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), server.LoadConfig(configPath), mon)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", server.DefaultConfigPath, "Path to config file")
	mon.bind(cmd)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll the adapter, raise alerts and serve the live API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), server.LoadConfig(configPath), mon)
		},
	}
	mon.bind(monitorCmd)

	cmd.AddCommand(
		monitorCmd,
		maintenanceCmd(&configPath),
		alertsCmd(&configPath),
		tripsCmd(&configPath),
		serviceCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "obdmon version %s (build: %s)\n", Version, BuildTime)
			},
		},
	)
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("[main] received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func openStore(ctx context.Context, cfg *server.Config) (*store.SQLite, error) {
	path := cfg.Storage.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return store.Open(ctx, path)
}

func maintenanceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Show maintenance recommendations from recorded history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.LoadConfig(*configPath)
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := maintenance.NewAnalyzer(db, cfg.MaintenancePolicy()).Analyze(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			renderRecommendations(cmd.OutOrStdout(), recs)
			return nil
		},
	}
}

func alertsCmd(configPath *string) *cobra.Command {
	var (
		ackID  int64
		unread bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent alerts or acknowledge one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.LoadConfig(*configPath)
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if ackID > 0 {
				if err := db.AcknowledgeAlert(cmd.Context(), ackID); err != nil {
					return fmt.Errorf("acknowledge alert %d: %w", ackID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "alert %d acknowledged\n", ackID)
				return nil
			}

			var alerts []model.Alert
			if unread {
				alerts, err = db.UnacknowledgedAlerts(cmd.Context())
			} else {
				alerts, err = db.RecentAlerts(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			renderAlerts(cmd.OutOrStdout(), alerts)
			return nil
		},
	}
	cmd.Flags().Int64Var(&ackID, "ack", 0, "Acknowledge the alert with this id")
	cmd.Flags().BoolVar(&unread, "unacknowledged", false, "Only show unacknowledged alerts")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of alerts to show")
	return cmd
}

func tripsCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trips",
		Short: "List recent trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.LoadConfig(*configPath)
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			trips, err := db.RecentTrips(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderTrips(cmd.OutOrStdout(), trips)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of trips to show")
	return cmd
}

func serviceCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Record maintenance work",
	}

	var (
		description string
		notes       string
		cost        float64
		mileage     int
		date        string
		scheduled   bool
	)
	logCmd := &cobra.Command{
		Use:   "log TYPE",
		Short: "Record a maintenance event",
		Long: "Record a maintenance event. TYPE is one of: " + typeList() + ".\n" +
			"Completed events reset the matching maintenance interval.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := buildEvent(args[0], description, notes, date, cost, mileage, !scheduled)
			if err != nil {
				return err
			}
			cfg := server.LoadConfig(*configPath)
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.AddMaintenanceEvent(cmd.Context(), ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %s on %s (id %d)\n",
				ev.Type, ev.Timestamp.Format("2006-01-02"), ev.ID)
			return nil
		},
	}
	logCmd.Flags().StringVarP(&description, "description", "d", "", "What was done")
	logCmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	logCmd.Flags().Float64Var(&cost, "cost", 0, "Cost in dollars")
	logCmd.Flags().IntVar(&mileage, "mileage", 0, "Odometer reading")
	logCmd.Flags().StringVar(&date, "date", "", "Date of the work (YYYY-MM-DD), default today")
	logCmd.Flags().BoolVar(&scheduled, "scheduled", false, "Record as scheduled rather than completed")

	cmd.AddCommand(logCmd)
	return cmd
}

// buildEvent validates CLI input into a maintenance event. Zero cost and
// mileage mean not given.
func buildEvent(kind, description, notes, date string, cost float64, mileage int, completed bool) (*model.MaintenanceEvent, error) {
	t, ok := model.ParseMaintenanceType(kind)
	if !ok {
		return nil, fmt.Errorf("unknown maintenance type %q (want one of %s)", kind, typeList())
	}
	ev := &model.MaintenanceEvent{
		Timestamp:   time.Now(),
		Type:        t,
		Description: description,
		Notes:       notes,
		Completed:   completed,
	}
	if ev.Description == "" {
		ev.Description = strings.ReplaceAll(strings.ToLower(string(t)), "_", " ")
	}
	if date != "" {
		d, err := time.ParseInLocation("2006-01-02", date, time.Local)
		if err != nil {
			return nil, fmt.Errorf("invalid --date %q: %w", date, err)
		}
		ev.Timestamp = d
	}
	if cost < 0 || mileage < 0 {
		return nil, fmt.Errorf("cost and mileage must not be negative")
	}
	if cost > 0 {
		ev.Cost = model.Float(cost)
	}
	if mileage > 0 {
		ev.Mileage = &mileage
	}
	return ev, nil
}

func typeList() string {
	names := make([]string, len(model.MaintenanceTypes))
	for i, t := range model.MaintenanceTypes {
		names[i] = strings.ToLower(string(t))
	}
	return strings.Join(names, ", ")
}
