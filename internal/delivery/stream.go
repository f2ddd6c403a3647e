// Package delivery implements the credential broker and the two delivery
// engines: batched stream delivery into customer log groups and server-side
// object copies into customer buckets.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
	"github.com/openshift-online/tenant-log-forwarder/internal/event"
	"github.com/openshift-online/tenant-log-forwarder/internal/tenant"
)

// PutLogEvents constraints, fixed by the downstream API.
const (
	MaxEventsPerBatch = 1000
	MaxBatchBytes     = 1_047_576
	PerEventOverhead  = 26
	BatchWindow       = 5 * time.Second

	DefaultRetryAttempts = 3
	initialRetryDelay    = time.Second
	maxRetryDelay        = 30 * time.Second
)

// CloudWatchLogsAPI is the slice of the CloudWatch Logs client the stream
// engine needs.
type CloudWatchLogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// Result accounts one stream delivery attempt.
type Result struct {
	SuccessfulEvents int
	FailedEvents     int
	TotalProcessed   int
}

// StreamDeliverer batches normalized events into a customer (log group,
// log stream) pair under chained customer credentials.
type StreamDeliverer struct {
	broker        *Broker
	defaultRegion string
	endpointURL   string
	maxBatchSize  int
	retryAttempts int
	logger        *slog.Logger

	// newClient and clk are replaced in tests.
	newClient func(aws.Config) CloudWatchLogsAPI
	clk       clock
}

// clock abstracts wall time and delay so batching windows and retry
// back-off are testable.
type clock struct {
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func realClock() clock {
	return clock{now: time.Now, sleep: sleepCtx}
}

// NewStreamDeliverer creates a stream delivery engine. maxBatchSize caps the
// event count per put call and may be lowered below the API maximum.
func NewStreamDeliverer(broker *Broker, defaultRegion, endpointURL string, maxBatchSize, retryAttempts int, logger *slog.Logger) *StreamDeliverer {
	if maxBatchSize <= 0 || maxBatchSize > MaxEventsPerBatch {
		maxBatchSize = MaxEventsPerBatch
	}
	if retryAttempts <= 0 {
		retryAttempts = DefaultRetryAttempts
	}
	return &StreamDeliverer{
		broker:        broker,
		defaultRegion: defaultRegion,
		endpointURL:   endpointURL,
		maxBatchSize:  maxBatchSize,
		retryAttempts: retryAttempts,
		logger:        logger,
		newClient: func(cfg aws.Config) CloudWatchLogsAPI {
			return cloudwatchlogs.NewFromConfig(cfg)
		},
		clk: realClock(),
	}
}

// Deliver sends the events to the configuration's log group, using the pod
// name as the stream name. A result with FailedEvents > 0 comes back with a
// retryable error so the caller can reinject the message with an offset.
func (d *StreamDeliverer) Deliver(ctx context.Context, events []*event.Event, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef, sourceMTimeMS int64) (*Result, error) {
	logGroup := cfg.Stream.LogGroup
	logStream := ref.PodName

	region := cfg.TargetRegion
	if region == "" {
		region = d.defaultRegion
	}

	d.logger.Info("starting stream delivery",
		"tenant_id", cfg.TenantID,
		"event_count", len(events),
		"log_group", logGroup,
		"log_stream", logStream,
		"region", region)

	creds, err := d.broker.CustomerCredentials(ctx, cfg.Stream.RoleARN, region)
	if err != nil {
		return nil, err
	}

	awsCfg, err := assumedConfig(ctx, region, creds, d.endpointURL)
	if err != nil {
		return nil, fmt.Errorf("failed to build customer config: %w", err)
	}
	client := d.newClient(awsCfg)

	// TimestampMS and sourceMTimeMS are both already in milliseconds;
	// re-running the seconds detector here would inflate pre-2001 values.
	outbound := make([]cwltypes.InputLogEvent, 0, len(events))
	for _, ev := range events {
		ts := ev.TimestampMS
		if ts == 0 {
			ts = sourceMTimeMS
		}
		outbound = append(outbound, cwltypes.InputLogEvent{
			Timestamp: aws.Int64(ts),
			Message:   aws.String(ev.MessageText()),
		})
	}

	// Chronological order is a hard API requirement within a batch.
	sort.SliceStable(outbound, func(i, j int) bool {
		return *outbound[i].Timestamp < *outbound[j].Timestamp
	})

	if err := ensureDestination(ctx, client, logGroup, logStream, d.logger); err != nil {
		return nil, err
	}

	result, err := pushBatches(ctx, client, logGroup, logStream, outbound, batchLimits{
		maxEvents: d.maxBatchSize,
		maxBytes:  MaxBatchBytes,
		window:    BatchWindow,
		attempts:  d.retryAttempts,
	}, d.clk, d.logger)
	if err != nil {
		return result, err
	}

	if result.FailedEvents > 0 {
		return result, errs.NewRetryable(
			fmt.Sprintf("failed to deliver %d of %d events", result.FailedEvents, result.TotalProcessed))
	}

	d.logger.Info("stream delivery complete",
		"tenant_id", cfg.TenantID,
		"successful_events", result.SuccessfulEvents)
	return result, nil
}

// ensureDestination creates the log group and stream; pre-existence,
// including concurrent creation, is success.
func ensureDestination(ctx context.Context, client CloudWatchLogsAPI, logGroup, logStream string, logger *slog.Logger) error {
	_, err := client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(logGroup),
	})
	if err != nil && !alreadyExists(err) {
		if accessDenied(err) {
			return errs.WrapPoison(fmt.Sprintf("access denied creating log group %q", logGroup), err)
		}
		return fmt.Errorf("failed to create log group %q: %w", logGroup, err)
	}

	_, err = client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(logGroup),
		LogStreamName: aws.String(logStream),
	})
	if err != nil && !alreadyExists(err) {
		if accessDenied(err) {
			return errs.WrapPoison(fmt.Sprintf("access denied creating log stream %q", logStream), err)
		}
		return fmt.Errorf("failed to create log stream %q: %w", logStream, err)
	}

	return nil
}

type batchLimits struct {
	maxEvents int
	maxBytes  int64
	window    time.Duration
	attempts  int
}

// pushBatches walks the sorted events and flushes batches subject to the
// count, byte, and time limits. The byte budget is checked before an event
// is appended so no outbound flush ever exceeds maxBytes.
func pushBatches(ctx context.Context, client CloudWatchLogsAPI, logGroup, logStream string, events []cwltypes.InputLogEvent, limits batchLimits, clk clock, logger *slog.Logger) (*Result, error) {
	result := &Result{}
	if len(events) == 0 {
		return result, nil
	}

	batch := make([]cwltypes.InputLogEvent, 0, limits.maxEvents)
	var batchBytes int64
	batchStart := clk.now()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := putWithRetry(ctx, client, logGroup, logStream, batch, limits.attempts, clk, result, logger)
		batch = batch[:0]
		batchBytes = 0
		batchStart = clk.now()
		return err
	}

	for _, ev := range events {
		size := int64(len(*ev.Message)) + PerEventOverhead

		if len(batch) > 0 && batchBytes+size > limits.maxBytes {
			if err := flush(); err != nil {
				return result, err
			}
		}

		batch = append(batch, ev)
		batchBytes += size
		result.TotalProcessed++

		if len(batch) >= limits.maxEvents || clk.now().Sub(batchStart) >= limits.window {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}

	if err := flush(); err != nil {
		return result, err
	}
	return result, nil
}

// putWithRetry issues one put-events call with capped exponential backoff on
// throttling and service unavailability. Partial rejections count against
// failure; the remainder counts as success.
func putWithRetry(ctx context.Context, client CloudWatchLogsAPI, logGroup, logStream string, batch []cwltypes.InputLogEvent, attempts int, clk clock, result *Result, logger *slog.Logger) error {
	logger.Debug("sending batch", "batch_size", len(batch))

	delay := initialRetryDelay
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(logGroup),
			LogStreamName: aws.String(logStream),
			LogEvents:     batch,
		})
		if err != nil {
			if accessDenied(err) {
				result.FailedEvents += len(batch)
				return errs.WrapPoison("access denied writing log events", err)
			}
			if !retryableAPIError(err) {
				result.FailedEvents += len(batch)
				return fmt.Errorf("put-events failed: %w", err)
			}

			lastErr = err
			if attempt < attempts-1 {
				logger.Warn("put-events transient error, retrying",
					"attempt", attempt+1,
					"max_attempts", attempts,
					"delay", delay,
					"error", err)
				if err := clk.sleep(ctx, delay); err != nil {
					result.FailedEvents += len(batch)
					return err
				}
				delay = min(delay*2, maxRetryDelay)
			}
			continue
		}

		rejected := rejectedCount(len(batch), resp.RejectedLogEventsInfo, logger)
		result.SuccessfulEvents += len(batch) - rejected
		result.FailedEvents += rejected
		return nil
	}

	result.FailedEvents += len(batch)
	return errs.WrapRetryable(
		fmt.Sprintf("failed to deliver batch after %d attempts", attempts), lastErr)
}

// rejectedCount sums the rejected prefix/suffix slices of a batch: too-new
// events form a trailing suffix, too-old and expired events a leading prefix.
func rejectedCount(batchLen int, info *cwltypes.RejectedLogEventsInfo, logger *slog.Logger) int {
	if info == nil {
		return 0
	}
	rejected := 0
	if info.TooNewLogEventStartIndex != nil {
		rejected += batchLen - int(*info.TooNewLogEventStartIndex)
		logger.Warn("events rejected as too new", "start_index", *info.TooNewLogEventStartIndex)
	}
	if info.TooOldLogEventEndIndex != nil {
		rejected += int(*info.TooOldLogEventEndIndex) + 1
		logger.Warn("events rejected as too old", "end_index", *info.TooOldLogEventEndIndex)
	}
	if info.ExpiredLogEventEndIndex != nil {
		rejected += int(*info.ExpiredLogEventEndIndex) + 1
		logger.Warn("events rejected as expired", "end_index", *info.ExpiredLogEventEndIndex)
	}
	if rejected > batchLen {
		rejected = batchLen
	}
	return rejected
}

func alreadyExists(err error) bool {
	var exists *cwltypes.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}

func accessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "AccessDenied" || code == "AccessDeniedException"
	}
	return false
}

// retryableAPIError reports whether a put-events failure is worth a local
// retry: throttling, service unavailability, and the legacy sequence-token
// error (retried without modification).
func retryableAPIError(err error) bool {
	var unavailable *cwltypes.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return true
	}
	var seqToken *cwltypes.InvalidSequenceTokenException
	if errors.As(err, &seqToken) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "Throttling", "ServiceUnavailable", "ServiceUnavailableException":
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
