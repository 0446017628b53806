package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hotelhub/hotelmq"
	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/config"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/messaging"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hotelmq",
		Short:         "Hotel platform messaging tools",
		Long:          "hotelmq runs the messaging services of the hotel platform and talks to the broker from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (defaults to CONFIG_FILE, then environment only)")

	rootCmd.AddCommand(
		notificationWorkerCmd(),
		guestDirectoryCmd(),
		publishCmd(),
		scheduleReminderCmd(),
		callCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, logger.Logger, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

func notificationWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notification-worker",
		Short: "Consume reservation events and reminders and send guest notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(func(ctx context.Context, app *App) error {
				return app.AddNotificationWorker(ctx)
			})
		},
	}
}

func guestDirectoryCmd() *cobra.Command {
	var guestsFile string

	cmd := &cobra.Command{
		Use:   "guest-directory",
		Short: "Answer guest contact lookups over RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			directory, err := loadGuestDirectory(guestsFile)
			if err != nil {
				return err
			}
			return runService(func(ctx context.Context, app *App) error {
				return app.AddGuestDirectory(ctx, directory)
			})
		},
	}

	cmd.Flags().StringVar(&guestsFile, "guests", "", "JSON file mapping guest ids to {email, phone}")
	return cmd
}

// runService loads configuration, builds the App and runs it until a signal arrives.
func runService(setup func(ctx context.Context, app *App) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, log)
	if err := app.Initialize(ctx); err != nil {
		log.Errorw("failed to initialize", "error", err)
		_ = app.Shutdown(context.Background())
		return err
	}
	if err := setup(ctx, app); err != nil {
		log.Errorw("failed to start service", "error", err)
		_ = app.Shutdown(context.Background())
		return err
	}

	runErr := app.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown finished with errors", "error", err)
	}
	return runErr
}

// withClient runs fn against a started client and closes it afterwards.
func withClient(fn func(ctx context.Context, client *hotelmq.Client) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := hotelmq.New(cfg, hotelmq.WithLogger(log))
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, client)
}

func publishCmd() *cobra.Command {
	var (
		data      string
		messageID string
	)

	cmd := &cobra.Command{
		Use:     "publish <event-type>",
		Short:   "Publish a reservation event",
		Example: `  hotelmq publish reservation.confirmed --data '{"reservationId":"r-1","checkIn":"2026-11-02T15:00:00Z"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType, err := events.ParseEventType(args[0])
			if err != nil {
				return err
			}
			var reservation events.ReservationData
			if err := json.Unmarshal([]byte(data), &reservation); err != nil {
				return fmt.Errorf("invalid --data: %w", err)
			}

			return withClient(func(ctx context.Context, client *hotelmq.Client) error {
				var opts []messaging.PublishOption
				if messageID != "" {
					opts = append(opts, messaging.WithMessageID(messageID))
				}
				env, err := client.Events().Publish(ctx, eventType, reservation, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, env.MessageID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&data, "data", "{}", "Reservation payload as JSON")
	cmd.Flags().StringVar(&messageID, "message-id", "", "Reuse a message id when republishing")
	return cmd
}

func scheduleReminderCmd() *cobra.Command {
	var (
		reservationID string
		guestID       string
		checkIn       string
		reminderType  string
		delay         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "schedule-reminder",
		Short: "Schedule a pre-arrival reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, checkIn)
			if err != nil {
				return fmt.Errorf("invalid --check-in: %w", err)
			}
			res := events.ReservationData{ReservationID: reservationID, GuestID: guestID, CheckIn: at}
			reminder, due := events.NewPreArrivalReminder(res, events.ReminderType(reminderType), time.Now())
			if cmd.Flags().Changed("delay") {
				due = delay
				reminder.When = time.Time{}
			}

			return withClient(func(ctx context.Context, client *hotelmq.Client) error {
				if err := client.Reminders().ScheduleReminder(ctx, reminder, due); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%s reminder for %s due in %s (%s)\n",
					reminder.Type, reminder.ReservationID, due.Round(time.Second), client.Reminders().Strategy())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reservationID, "reservation-id", "", "Reservation id")
	cmd.Flags().StringVar(&guestID, "guest-id", "", "Guest id")
	cmd.Flags().StringVar(&checkIn, "check-in", "", "Check-in time (RFC 3339)")
	cmd.Flags().StringVar(&reminderType, "type", string(events.PreArrival24h), "PREARRIVAL_24H or PREARRIVAL_2H")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Deliver after this delay instead of relative to check-in")
	_ = cmd.MarkFlagRequired("reservation-id")
	_ = cmd.MarkFlagRequired("check-in")
	return cmd
}

func callCmd() *cobra.Command {
	var (
		params  []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:     "call <queue> <action>",
		Short:   "Send an RPC request and print the reply",
		Example: `  hotelmq call guest.contact.lookup getGuestContact --param guestId=g-42`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(params)
			if err != nil {
				return err
			}

			return withClient(func(ctx context.Context, client *hotelmq.Client) error {
				reply, err := client.RPC().Call(ctx, args[0], events.NewRequest(args[1], values), timeout)
				if err != nil {
					return err
				}
				if reply == nil {
					fmt.Fprintln(os.Stdout, "null")
					return nil
				}
				fmt.Fprintln(os.Stdout, string(reply))
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Request parameter as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Reply timeout (defaults to rpc.timeout)")
	return cmd
}

func parseParams(params []string) (map[string]any, error) {
	values := make(map[string]any, len(params))
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		values[key] = value
	}
	return values, nil
}
