// Package worker orchestrates record processing: envelope decoding, tenant
// resolution, per-configuration dispatch, partial-failure reinjection, and
// outcome bookkeeping across batch, poll, and scan modes.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/openshift-online/tenant-log-forwarder/internal/config"
	"github.com/openshift-online/tenant-log-forwarder/internal/delivery"
	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
	"github.com/openshift-online/tenant-log-forwarder/internal/event"
	"github.com/openshift-online/tenant-log-forwarder/internal/notification"
	"github.com/openshift-online/tenant-log-forwarder/internal/tenant"
)

// ConfigSource resolves a tenant's enabled delivery configurations.
type ConfigSource interface {
	EnabledConfigs(ctx context.Context, tenantID string) ([]*tenant.DeliveryConfig, error)
}

// ObjectReader fetches and parses a log file into ordered events.
type ObjectReader interface {
	FetchAndParse(ctx context.Context, bucket, key string) ([]*event.Event, int64, error)
}

// StreamEngine delivers events to a customer log group.
type StreamEngine interface {
	Deliver(ctx context.Context, events []*event.Event, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef, sourceMTimeMS int64) (*delivery.Result, error)
}

// BucketEngine copies a source object into a customer bucket.
type BucketEngine interface {
	Deliver(ctx context.Context, sourceBucket, sourceKey string, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef) error
}

// SQSAPI is the slice of the SQS client the worker needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// S3ListAPI is the slice of the S3 client scan mode needs.
type S3ListAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// MetricsSink receives best-effort per-tenant delivery counters.
type MetricsSink interface {
	StreamDelivery(ctx context.Context, tenantID string, successfulEvents, failedEvents int)
	BucketDelivery(ctx context.Context, tenantID string, success bool)
	Latency(ctx context.Context, tenantID, kind string, latencyMS int64)
}

// Deps are the collaborators a Worker owns. Everything is an interface so
// the loop is testable without AWS.
type Deps struct {
	Configs ConfigSource
	Reader  ObjectReader
	Stream  StreamEngine
	Bucket  BucketEngine
	SQS     SQSAPI
	S3      S3ListAPI
	Metrics MetricsSink
}

// Worker owns the typed clients and drives record processing. There is no
// package-level state; everything flows through this struct.
type Worker struct {
	configs ConfigSource
	reader  ObjectReader
	stream  StreamEngine
	bucket  BucketEngine
	sqs     SQSAPI
	s3      S3ListAPI
	metrics MetricsSink
	cfg     *config.Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a worker.
func New(deps Deps, cfg *config.Config, logger *slog.Logger) *Worker {
	return &Worker{
		configs: deps.Configs,
		reader:  deps.Reader,
		stream:  deps.Stream,
		bucket:  deps.Bucket,
		sqs:     deps.SQS,
		s3:      deps.S3,
		metrics: deps.Metrics,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Outcome tallies one record's delivery bookkeeping.
type Outcome struct {
	SuccessfulDeliveries int
	FailedDeliveries     int
	SuccessfulEvents     int
	FailedEvents         int
}

// HandleBatch is the batch-mode entry point: it processes a list of queue
// records and returns the identifiers of records that must be redelivered.
// Poison records are deliberately absent from the failure list so the queue
// removes them.
func (w *Worker) HandleBatch(ctx context.Context, batch events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		failures             []events.SQSBatchItemFailure
		successfulRecords    int
		failedRecords        int
		undeliverableRecords int
	)

	w.logger.Info("processing queue records", "record_count", len(batch.Records))

	for _, record := range batch.Records {
		outcome, err := w.ProcessRecord(ctx, record.Body, record.MessageId, record.ReceiptHandle)

		switch {
		case errs.IsPoison(err):
			w.logger.Warn("poison record, acknowledging to stop redelivery",
				"message_id", record.MessageId,
				"error", err)
			undeliverableRecords++

		case err != nil:
			w.logger.Error("retryable error processing record, returning to queue",
				"message_id", record.MessageId,
				"error", err)
			failedRecords++
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})

		default:
			successfulRecords++
			w.logger.Info("record processed",
				"message_id", record.MessageId,
				"successful_deliveries", outcome.SuccessfulDeliveries,
				"failed_deliveries", outcome.FailedDeliveries)
		}
	}

	w.logger.Info("batch complete",
		"successful_records", successfulRecords,
		"failed_records", failedRecords,
		"undeliverable_records", undeliverableRecords)

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

// ProcessRecord processes one queue record end to end. A poison error means
// the record can never succeed and must be acknowledged; any other error
// means the record should be redelivered.
func (w *Worker) ProcessRecord(ctx context.Context, body, messageID, receiptHandle string) (*Outcome, error) {
	n, err := notification.Decode(body)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	for _, obj := range n.Objects {
		w.logger.Info("processing object",
			"message_id", messageID,
			"bucket", obj.Bucket,
			"key", obj.Key)

		if err := w.processObject(ctx, n, obj, receiptHandle, outcome); err != nil {
			if errs.IsPoison(err) {
				w.logger.Warn("poison object, continuing with remaining objects",
					"key", obj.Key,
					"error", err)
				continue
			}
			return outcome, err
		}
	}

	return outcome, nil
}

// processObject fans one object out to every enabled configuration of its
// tenant. A failing configuration never blocks the others; the returned
// error is the first retryable sub-failure, if any.
func (w *Worker) processObject(ctx context.Context, n *notification.Notification, obj notification.ObjectRef, receiptHandle string, outcome *Outcome) error {
	ref, err := tenant.ParseObjectKey(obj.Key)
	if err != nil {
		return err
	}

	configs, err := w.configs.EnabledConfigs(ctx, ref.TenantID)
	if err != nil {
		return err
	}

	var retryable error
	for _, cfg := range configs {
		if !cfg.AllowsApplication(ref.Application, w.logger) {
			// Filtered out: counts as success for this configuration.
			w.logger.Info("application filtered out by delivery config",
				"tenant_id", cfg.TenantID,
				"kind", cfg.Kind,
				"application", ref.Application)
			continue
		}

		accepted, err := w.dispatch(ctx, obj, cfg, ref, n.Metadata.Offset, outcome)
		if err == nil {
			outcome.SuccessfulDeliveries++
			continue
		}

		outcome.FailedDeliveries++
		w.logger.Error("delivery failed",
			"tenant_id", cfg.TenantID,
			"kind", cfg.Kind,
			"error", err)

		if errs.IsPoison(err) {
			continue
		}

		// Partial stream progress is carried forward by reinjecting the
		// message with the updated durably-accepted offset. A successful
		// reinjection replaces the original message as the retry vehicle.
		if cfg.Kind == tenant.KindStream && receiptHandle != "" && w.cfg.SQSQueueURL != "" {
			newOffset := n.Metadata.Offset + accepted
			if rerr := notification.Reinject(ctx, w.sqs, w.cfg.SQSQueueURL, n.RawBody, receiptHandle, newOffset, w.logger); rerr == nil {
				w.logger.Info("reinjected message for retry", "offset", newOffset)
				continue
			} else {
				w.logger.Error("failed to reinject message", "error", rerr)
			}
		}

		if retryable == nil {
			retryable = err
		}
	}

	return retryable
}

// dispatch routes one (object, configuration) pair to its delivery engine.
// It returns the number of events durably accepted during this attempt,
// which feeds the reinjection offset on stream failures.
func (w *Worker) dispatch(ctx context.Context, obj notification.ObjectRef, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef, offset int, outcome *Outcome) (int, error) {
	switch cfg.Kind {
	case tenant.KindStream:
		return w.deliverStream(ctx, obj, cfg, ref, offset, outcome)
	case tenant.KindBucket:
		return 0, w.deliverBucket(ctx, obj, cfg, ref)
	default:
		return 0, errs.NewPoison("unknown delivery kind: " + string(cfg.Kind))
	}
}

func (w *Worker) deliverStream(ctx context.Context, obj notification.ObjectRef, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef, offset int, outcome *Outcome) (int, error) {
	logEvents, mtimeMS, err := w.reader.FetchAndParse(ctx, obj.Bucket, obj.Key)
	if err != nil {
		w.metrics.StreamDelivery(ctx, cfg.TenantID, 0, 1)
		return 0, err
	}

	if offset > 0 {
		w.logger.Info("skipping already accepted events", "offset", offset)
		logEvents = skipAccepted(logEvents, offset, w.logger)
	}
	if len(logEvents) == 0 {
		w.logger.Info("all events already accepted, nothing to deliver")
		return 0, nil
	}

	result, err := w.stream.Deliver(ctx, logEvents, cfg, ref, mtimeMS)
	if result != nil {
		outcome.SuccessfulEvents += result.SuccessfulEvents
		outcome.FailedEvents += result.FailedEvents
		w.metrics.StreamDelivery(ctx, cfg.TenantID, result.SuccessfulEvents, result.FailedEvents)
	} else if err != nil {
		outcome.FailedEvents += len(logEvents)
		w.metrics.StreamDelivery(ctx, cfg.TenantID, 0, len(logEvents))
	}
	if err != nil {
		accepted := 0
		if result != nil {
			accepted = result.SuccessfulEvents
		}
		return accepted, err
	}

	w.metrics.Latency(ctx, cfg.TenantID, "stream", w.now().UnixMilli()-mtimeMS)
	return result.SuccessfulEvents, nil
}

func (w *Worker) deliverBucket(ctx context.Context, obj notification.ObjectRef, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef) error {
	start := w.now()
	err := w.bucket.Deliver(ctx, obj.Bucket, obj.Key, cfg, ref)
	w.metrics.BucketDelivery(ctx, cfg.TenantID, err == nil)
	if err != nil {
		return err
	}
	w.metrics.Latency(ctx, cfg.TenantID, "bucket", w.now().Sub(start).Milliseconds())
	return nil
}

// skipAccepted drops the leading events a previous attempt already
// delivered.
func skipAccepted(logEvents []*event.Event, offset int, logger *slog.Logger) []*event.Event {
	if offset <= 0 {
		return logEvents
	}
	if offset >= len(logEvents) {
		logger.Warn("offset covers all parsed events",
			"offset", offset,
			"event_count", len(logEvents))
		return nil
	}
	return logEvents[offset:]
}
