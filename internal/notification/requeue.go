package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSSendAPI is the slice of the SQS client reinjection needs.
type SQSSendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// MaxReinjections caps how many times one notification may be reinjected.
const MaxReinjections = 3

// maxReinjectionDelay is the queue's ceiling on per-message delays.
const maxReinjectionDelay = 900 * time.Second

// Reinject publishes a copy of the original message body with updated
// processing metadata: the new durably-accepted offset, an incremented retry
// counter, and a requeued-at stamp. Messages past the retry cap are
// discarded. The visibility delay grows exponentially with the retry count.
func Reinject(ctx context.Context, client SQSSendAPI, queueURL, body, originalReceiptHandle string, newOffset int, logger *slog.Logger) error {
	if queueURL == "" {
		logger.Warn("queue URL not configured, cannot reinject message")
		return nil
	}

	var message map[string]any
	if err := json.Unmarshal([]byte(body), &message); err != nil {
		return fmt.Errorf("failed to parse message body for reinjection: %w", err)
	}

	metadata, ok := message["processing_metadata"].(map[string]any)
	if !ok {
		metadata = make(map[string]any)
		message["processing_metadata"] = metadata
	}

	retryCount := 0
	if rc, ok := metadata["retry_count"].(float64); ok {
		retryCount = int(rc)
	}
	newRetryCount := retryCount + 1

	if newRetryCount > MaxReinjections {
		logger.Error("message exceeded maximum reinjection count, discarding",
			"max_reinjections", MaxReinjections,
			"retry_count", newRetryCount)
		return nil
	}

	if handle, ok := metadata["original_receipt_handle"].(string); !ok || handle == "" {
		metadata["original_receipt_handle"] = originalReceiptHandle
	}
	metadata["offset"] = newOffset
	metadata["retry_count"] = newRetryCount
	metadata["requeued_at"] = time.Now().UTC().Format(time.RFC3339)

	delay := time.Duration(math.Pow(2, float64(newRetryCount+1))) * time.Second
	if delay > maxReinjectionDelay {
		delay = maxReinjectionDelay
	}

	updatedBody, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal reinjected message body: %w", err)
	}

	logger.Info("reinjecting message with offset",
		"offset", newOffset,
		"retry_count", newRetryCount,
		"delay_seconds", int32(delay.Seconds()))

	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(string(updatedBody)),
		DelaySeconds: int32(delay.Seconds()),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"ProcessingOffset": {
				StringValue: aws.String(fmt.Sprintf("%d", newOffset)),
				DataType:    aws.String("Number"),
			},
			"RetryCount": {
				StringValue: aws.String(fmt.Sprintf("%d", newRetryCount)),
				DataType:    aws.String("Number"),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to reinject message: %w", err)
	}

	return nil
}
