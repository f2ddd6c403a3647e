package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
	"github.com/openshift-online/tenant-log-forwarder/internal/tenant"
)

// S3CopyAPI is the slice of the S3 client the bucket engine needs.
type S3CopyAPI interface {
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// BucketDeliverer copies log objects into customer buckets with a single
// server-side copy under central-role credentials.
type BucketDeliverer struct {
	broker        *Broker
	defaultRegion string
	usePathStyle  bool
	endpointURL   string
	logger        *slog.Logger

	// newClient is replaced in tests.
	newClient func(aws.Config) S3CopyAPI
	now       func() time.Time
}

// NewBucketDeliverer creates a bucket delivery engine.
func NewBucketDeliverer(broker *Broker, defaultRegion string, usePathStyle bool, endpointURL string, logger *slog.Logger) *BucketDeliverer {
	return &BucketDeliverer{
		broker:        broker,
		defaultRegion: defaultRegion,
		usePathStyle:  usePathStyle,
		endpointURL:   endpointURL,
		logger:        logger,
		newClient: func(cfg aws.Config) S3CopyAPI {
			return s3.NewFromConfig(cfg, func(o *s3.Options) {
				o.UsePathStyle = usePathStyle
			})
		},
		now: time.Now,
	}
}

// DestinationKey builds the customer-side object key. The cluster_id segment
// of the source key is deliberately stripped.
func DestinationKey(prefix string, ref *tenant.SourceRef, sourceKey string) string {
	return fmt.Sprintf("%s%s/%s/%s/%s",
		tenant.NormalizeBucketPrefix(prefix),
		ref.TenantID,
		ref.Application,
		ref.PodName,
		tenant.Basename(sourceKey))
}

// Deliver copies the source object into the configuration's bucket. A
// missing destination bucket, denied access, or missing source object is
// poison; everything else is retryable.
func (d *BucketDeliverer) Deliver(ctx context.Context, sourceBucket, sourceKey string, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef) error {
	destBucket := cfg.Bucket.BucketName
	destKey := DestinationKey(cfg.Bucket.Prefix, ref, sourceKey)

	d.logger.Info("starting bucket delivery",
		"tenant_id", cfg.TenantID,
		"source", fmt.Sprintf("s3://%s/%s", sourceBucket, sourceKey),
		"destination", fmt.Sprintf("s3://%s/%s", destBucket, destKey))

	creds, err := d.broker.CentralCredentials(ctx)
	if err != nil {
		return err
	}

	region := cfg.TargetRegion
	if region == "" {
		region = d.defaultRegion
	}

	awsCfg, err := assumedConfig(ctx, region, creds, d.endpointURL)
	if err != nil {
		return fmt.Errorf("failed to build S3 config: %w", err)
	}
	client := d.newClient(awsCfg)

	metadata := map[string]string{
		"source-bucket":      sourceBucket,
		"source-key":         sourceKey,
		"tenant-id":          ref.TenantID,
		"application":        ref.Application,
		"pod-name":           ref.PodName,
		"delivery-timestamp": fmt.Sprintf("%d", d.now().Unix()),
	}

	_, err = client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(destBucket),
		Key:               aws.String(destKey),
		CopySource:        aws.String(fmt.Sprintf("%s/%s", sourceBucket, sourceKey)),
		ACL:               s3types.ObjectCannedACLBucketOwnerFullControl,
		Metadata:          metadata,
		MetadataDirective: s3types.MetadataDirectiveReplace,
	})
	if err != nil {
		return classifyCopyError(err, sourceBucket, sourceKey, destBucket)
	}

	d.logger.Info("copied log object to customer bucket",
		"tenant_id", cfg.TenantID,
		"destination", fmt.Sprintf("s3://%s/%s", destBucket, destKey))
	return nil
}

func classifyCopyError(err error, sourceBucket, sourceKey, destBucket string) error {
	var noSuchBucket *s3types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return errs.WrapPoison(fmt.Sprintf("destination bucket %q does not exist", destBucket), err)
	}
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return errs.WrapPoison(fmt.Sprintf("source object s3://%s/%s not found", sourceBucket, sourceKey), err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return errs.WrapPoison(fmt.Sprintf("destination bucket %q does not exist", destBucket), err)
		case "NoSuchKey":
			return errs.WrapPoison(fmt.Sprintf("source object s3://%s/%s not found", sourceBucket, sourceKey), err)
		case "AccessDenied":
			return errs.WrapPoison(
				fmt.Sprintf("access denied to bucket %q, check bucket policy and central role permissions", destBucket), err)
		}
	}

	return fmt.Errorf("copy to s3://%s failed: %w", destBucket, err)
}
