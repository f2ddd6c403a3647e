// Command worker delivers tenant log files from the staging bucket to
// customer destinations. It runs as a Lambda batch handler by default and
// supports poll, scan, and manual modes for local operation.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"github.com/openshift-online/tenant-log-forwarder/internal/config"
	"github.com/openshift-online/tenant-log-forwarder/internal/delivery"
	"github.com/openshift-online/tenant-log-forwarder/internal/metrics"
	"github.com/openshift-online/tenant-log-forwarder/internal/source"
	"github.com/openshift-online/tenant-log-forwarder/internal/tenant"
	"github.com/openshift-online/tenant-log-forwarder/internal/worker"
)

func main() {
	var mode string

	root := &cobra.Command{
		Use:          "worker",
		Short:        "Tenant log delivery worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(mode)
		},
	}
	root.Flags().StringVar(&mode, "mode", "", "execution mode: batch, poll, scan, or manual (default from EXECUTION_MODE)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(mode string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	if mode == "" {
		mode = cfg.ExecutionMode
	}
	if err := cfg.ValidateForMode(mode); err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}

	logger.Info("log delivery worker starting",
		"mode", mode,
		"region", cfg.AWSRegion,
		"log_level", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		return err
	}

	// Path-style addressing keeps local object stores working.
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)
	stsClient := sts.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	broker := delivery.NewBroker(stsClient, cfg.CentralLogDistributionRole, cfg.AWSEndpointURL, logger)

	w := worker.New(worker.Deps{
		Configs: tenant.NewStore(dynamoClient, cfg.TenantConfigTable, logger),
		Reader:  source.NewReader(s3Client, logger),
		Stream:  delivery.NewStreamDeliverer(broker, cfg.AWSRegion, cfg.AWSEndpointURL, cfg.MaxBatchSize, cfg.RetryAttempts, logger),
		Bucket:  delivery.NewBucketDeliverer(broker, cfg.AWSRegion, cfg.S3UsePathStyle, cfg.AWSEndpointURL, logger),
		SQS:     sqsClient,
		S3:      s3Client,
		Metrics: metrics.NewPublisher(cwClient, logger),
	}, cfg, logger)

	switch mode {
	case "batch":
		lambda.StartWithOptions(w.HandleBatch, lambda.WithContext(ctx))
		return nil
	case "poll":
		return w.Poll(ctx)
	case "scan":
		return w.Scan(ctx)
	case "manual":
		return runManual(ctx, w, logger)
	default:
		return fmt.Errorf("invalid execution mode %q", mode)
	}
}

// runManual processes one notification body read from stdin.
func runManual(ctx context.Context, w *worker.Worker, logger *slog.Logger) error {
	logger.Info("reading notification body from stdin")

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(input) == 0 {
		return fmt.Errorf("no input data provided")
	}

	outcome, err := w.ProcessRecord(ctx, string(input), "manual-input", "")
	if err != nil {
		return fmt.Errorf("failed to process manual input: %w", err)
	}

	logger.Info("manual input processed",
		"successful_deliveries", outcome.SuccessfulDeliveries,
		"failed_deliveries", outcome.FailedDeliveries)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "warn", "WARNING", "warning":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	case "INFO", "info", "":
		return slog.LevelInfo
	default:
		fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL %q, defaulting to INFO\n", level)
		return slog.LevelInfo
	}
}
