package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openshift-online/tenant-log-forwarder/internal/notification"
)

// Scan repeatedly lists the source bucket and feeds unseen log objects
// through the normal pipeline wrapped in synthetic notifications. Intended
// for development against local object stores where bucket notifications
// are unavailable.
func (w *Worker) Scan(ctx context.Context) error {
	if w.cfg.SourceBucket == "" {
		return fmt.Errorf("scan mode requires a source bucket")
	}

	w.logger.Info("starting bucket scanning",
		"bucket", w.cfg.SourceBucket,
		"interval", w.cfg.ScanInterval)

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("scanning stopped")
			return nil
		default:
		}

		if err := w.scanOnce(ctx, seen); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("scanning stopped")
				return nil
			}
			w.logger.Error("bucket scan failed", "error", err)
		}

		if err := sleepCtx(ctx, w.cfg.ScanInterval); err != nil {
			w.logger.Info("scanning stopped")
			return nil
		}
	}
}

func (w *Worker) scanOnce(ctx context.Context, seen map[string]bool) error {
	var continuation *string
	for {
		resp, err := w.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(w.cfg.SourceBucket),
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("failed to list bucket %s: %w", w.cfg.SourceBucket, err)
		}

		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			if seen[key] || !strings.HasSuffix(key, ".json.gz") {
				continue
			}
			seen[key] = true

			body, err := notification.SyntheticBody(w.cfg.SourceBucket, key)
			if err != nil {
				w.logger.Error("failed to build synthetic notification", "key", key, "error", err)
				continue
			}

			w.logger.Info("processing discovered object", "key", key)
			if _, err := w.ProcessRecord(ctx, body, "scan-"+key, ""); err != nil {
				w.logger.Error("failed to process discovered object", "key", key, "error", err)
			}
		}

		if resp.NextContinuationToken == nil {
			return nil
		}
		continuation = resp.NextContinuationToken
	}
}
