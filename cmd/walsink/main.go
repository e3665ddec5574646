package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sampath005/postgres-to-s3-sync/internal/app"
	"github.com/Sampath005/postgres-to-s3-sync/internal/cli"
	"github.com/Sampath005/postgres-to-s3-sync/internal/config"
	"github.com/Sampath005/postgres-to-s3-sync/internal/telemetry"
	"github.com/spf13/cobra"
)

const cliVersion = "0.0.0-dev"

func main() {
	if err := run(os.Args); err != nil {
		// cobra already printed the error.
		os.Exit(1)
	}
}

func run(args []string) error {
	command := newRootCommand()
	parsedArgs := []string{}
	if len(args) > 1 {
		parsedArgs = args[1:]
	}
	command.SetArgs(parsedArgs)
	return command.Execute()
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "walsink",
		Short:        "Stream Postgres logical replication changes into durable sinks",
		Version:      cliVersion,
		SilenceUsage: true,
	}
	command.PersistentFlags().String("config", "", "path to config file (yaml)")
	command.PersistentFlags().String("dsn", "", "postgres connection string")
	command.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")
	command.PersistentFlags().String("log-format", "", "log format: console or json")
	command.PersistentFlags().Bool("aws-rds-iam", false, "authenticate to postgres with RDS IAM tokens")
	command.PersistentFlags().String("aws-region", "", "AWS region for RDS IAM tokens")
	command.PersistentFlags().String("aws-profile", "", "AWS shared config profile for RDS IAM tokens")
	command.PersistentFlags().String("aws-role-arn", "", "role to assume before signing RDS IAM tokens")
	command.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return cli.InitViperFromCommand(cmd, cli.ViperConfig{
			EnvPrefix:    config.EnvPrefix,
			ConfigEnvVar: config.EnvKey("config"),
			ConfigName:   "walsink",
		})
	}

	command.AddCommand(newRunCommand())
	command.AddCommand(newSlotsCommand())
	command.AddCommand(newCheckpointCommand())
	command.InitDefaultCompletionCmd()
	return command
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "consume the replication slot until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runStream,
	}
	flags := cmd.Flags()
	flags.String("slot", "", "logical replication slot name")
	flags.Bool("create-slot", false, "create the slot if it does not exist")
	flags.String("plugin", "", "output plugin (wal2json)")
	flags.StringSlice("plugin-args", nil, "plugin options as key=value")
	flags.String("start-lsn", "", "start position (defaults to the slot's confirmed position)")
	flags.Duration("status-interval", 0, "standby status update interval")
	flags.Duration("idle-timeout", 0, "maximum wait for one message")
	flags.Bool("preflight", true, "check wal_level and slot before streaming")

	flags.String("sink", "", "sink type: file, s3, kafka or nats")
	flags.String("format", "", "unit format: json or yaml")
	flags.String("output-dir", "", "file sink root directory")
	flags.String("bucket", "", "s3 bucket")
	flags.String("prefix", "", "s3 key prefix")
	flags.String("region", "", "s3 region")
	flags.String("endpoint", "", "s3 endpoint override")
	flags.Bool("force-path-style", false, "use path-style s3 addressing")
	flags.StringSlice("partition-by", nil, "s3 key partitions: table, year, month, day, hour")
	flags.String("compression", "", "s3 or kafka compression")
	flags.StringSlice("brokers", nil, "kafka brokers")
	flags.String("topic-prefix", "", "kafka topic prefix")
	flags.String("acks", "", "kafka acks: all, leader or none")
	flags.String("url", "", "nats server url")
	flags.String("subject-prefix", "", "nats subject prefix")
	flags.String("stream", "", "nats jetstream stream name")
	flags.Duration("write-timeout", 0, "kafka or nats per-write timeout")

	addCheckpointFlags(cmd)
	return cmd
}

func addCheckpointFlags(cmd *cobra.Command) {
	cmd.Flags().String("checkpoint-backend", "", "checkpoint ledger: none, sqlite or postgres")
	cmd.Flags().String("checkpoint-dsn", "", "checkpoint ledger path or DSN")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFrom(cli.LookupFromCommand(cmd))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(os.Stderr, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	if err != nil {
		return err
	}
	logger = logger.With().Str("service", cfg.Telemetry.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("walsink stopped with error")
		return err
	}
	return nil
}
