package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"herald/internal/config"
	"herald/internal/constants"
	"herald/internal/deadletter"
	"herald/internal/logger"
	"herald/pkg/bootstrap"
	"herald/pkg/logging"
	"herald/pkg/models"
)

var (
	configFile string
	channel    string
	dlqLimit   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatch-worker",
		Short: "Herald dispatch worker",
		Long:  "Dispatch worker consumes channel queues, delivers notifications and dead-letters what cannot be delivered",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (falls back to CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd(), dlqCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logger.SugaredLogger, error) {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	log.SetServiceName(constants.ServiceDispatchWorker)
	return cfg, log, nil
}

func selectedChannels() ([]models.Channel, error) {
	if channel == "" {
		return models.Channels, nil
	}
	ch, err := models.ParseChannel(channel)
	if err != nil {
		return nil, err
	}
	return []models.Channel{ch}, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume and deliver notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			channels, err := selectedChannels()
			if err != nil {
				return err
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting dispatch worker", "broker", cfg.Broker.Type, "channels", channels)

			app := NewApp(cfg, log, channels)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				_ = app.Shutdown(context.Background())
				return err
			}

			runErr := app.Run(ctx)
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.ErrorwCtx(ctx, "Dispatch worker stopped with error", "error", runErr)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.ErrorwCtx(shutdownCtx, "Shutdown finished with errors", "error", err)
			}

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Channel to serve: email or push (default both)")
	return cmd
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead letter archive",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List archived dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter deadletter.Filter
			if channel != "" {
				ch, err := models.ParseChannel(channel)
				if err != nil {
					return err
				}
				filter.Channel = ch
			}
			filter.Limit = dlqLimit

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			db, err := bootstrap.NewDatabaseConnector(cfg, log).InitPostgreSQL(ctx)
			if err != nil {
				return err
			}
			if db == nil {
				return fmt.Errorf("database.postgres.host is not set, no archive to read")
			}
			defer func() { _ = db.Close() }()

			records, err := deadletter.NewPostgresSink(db).List(ctx, filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FAILED AT\tNOTIFICATION\tCHANNEL\tTARGET\tRETRIES\tREASON\tLAST ERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.FailedAt.Format(time.RFC3339), r.NotificationID, r.Channel, r.Target,
					r.RetryCount, r.Reason, r.LastError,
				)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&channel, "channel", "", "Only show this channel")
	list.Flags().IntVar(&dlqLimit, "limit", constants.DefaultDLQListLimit, "Maximum rows to print")

	cmd.AddCommand(list)
	return cmd
}
