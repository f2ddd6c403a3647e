package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
)

const (
	// maxInFlight bounds concurrent record processing in poll mode.
	maxInFlight = 10

	pollWaitTime      = 20 * time.Second
	visibilityTimeout = 300 * time.Second
	receiveErrorPause = 5 * time.Second
)

// Poll long-polls the queue and processes messages concurrently until the
// context is cancelled. Cancellation is a normal shutdown, not an error.
func (w *Worker) Poll(ctx context.Context) error {
	if w.cfg.SQSQueueURL == "" {
		return fmt.Errorf("poll mode requires a queue URL")
	}

	w.logger.Info("starting queue polling",
		"queue_url", w.cfg.SQSQueueURL,
		"max_in_flight", maxInFlight)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("polling stopped")
			return nil
		default:
		}

		resp, err := w.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.cfg.SQSQueueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     int32(pollWaitTime.Seconds()),
			VisibilityTimeout:   int32(visibilityTimeout.Seconds()),
		})
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("polling stopped")
				return nil
			}
			w.logger.Error("failed to receive messages", "error", err)
			if serr := sleepCtx(ctx, receiveErrorPause); serr != nil {
				return nil
			}
			continue
		}
		if len(resp.Messages) == 0 {
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(maxInFlight)
		for _, msg := range resp.Messages {
			msg := msg
			g.Go(func() error {
				w.handleQueueMessage(ctx, msg)
				return nil
			})
		}
		// Workers never return errors; failures are settled per message.
		_ = g.Wait()
	}
}

// handleQueueMessage processes one received message and settles it:
// success and poison both delete the message, retryable errors leave it
// for visibility-timeout redelivery.
func (w *Worker) handleQueueMessage(ctx context.Context, msg sqstypes.Message) {
	rctx, cancel := context.WithTimeout(ctx, visibilityTimeout)
	defer cancel()

	messageID := aws.ToString(msg.MessageId)
	receiptHandle := aws.ToString(msg.ReceiptHandle)

	outcome, err := w.ProcessRecord(rctx, aws.ToString(msg.Body), messageID, receiptHandle)

	switch {
	case errs.IsPoison(err):
		w.logger.Warn("poison message, deleting to stop redelivery",
			"message_id", messageID,
			"error", err)

	case err != nil:
		w.logger.Error("retryable error, leaving message for redelivery",
			"message_id", messageID,
			"error", err)
		return

	default:
		w.logger.Info("message processed",
			"message_id", messageID,
			"successful_deliveries", outcome.SuccessfulDeliveries,
			"failed_deliveries", outcome.FailedDeliveries)
	}

	if _, derr := w.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.cfg.SQSQueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); derr != nil {
		w.logger.Error("failed to delete message", "message_id", messageID, "error", derr)
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
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
