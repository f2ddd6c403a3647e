// Package tenant provides the read-only delivery-configuration store,
// configuration validation, application filtering, and object-key parsing.
package tenant

import (
	"fmt"
	"strings"
	"time"
)

// Kind names a delivery destination variant.
type Kind string

const (
	// KindStream delivers normalized events to a customer log group.
	KindStream Kind = "stream"
	// KindBucket copies the raw object into a customer bucket.
	KindBucket Kind = "bucket"
)

// DefaultBucketPrefix is applied when a bucket configuration has no prefix.
const DefaultBucketPrefix = "ROSA/cluster-logs/"

// StreamTarget holds the variant fields required for stream delivery.
type StreamTarget struct {
	RoleARN  string
	LogGroup string
}

// BucketTarget holds the variant fields required for bucket delivery.
// Prefix always ends with a slash.
type BucketTarget struct {
	BucketName string
	Prefix     string
}

// DeliveryConfig is one validated (tenant, kind) configuration row. Exactly
// one of Stream or Bucket is set, matching Kind; rows that cannot satisfy
// this never leave the constructor.
type DeliveryConfig struct {
	TenantID     string
	Kind         Kind
	TargetRegion string
	DesiredLogs  []string
	Groups       []string

	Stream *StreamTarget
	Bucket *BucketTarget
}

// record is the raw DynamoDB row shape before validation.
type record struct {
	TenantID               string   `dynamodbav:"tenant_id"`
	Type                   string   `dynamodbav:"type"`
	Enabled                *bool    `dynamodbav:"enabled"`
	TargetRegion           string   `dynamodbav:"target_region"`
	DesiredLogs            []string `dynamodbav:"desired_logs"`
	Groups                 []string `dynamodbav:"groups"`
	LogDistributionRoleARN string   `dynamodbav:"log_distribution_role_arn"`
	LogGroupName           string   `dynamodbav:"log_group_name"`
	BucketName             string   `dynamodbav:"bucket_name"`
	BucketPrefix           string   `dynamodbav:"bucket_prefix"`
	TTL                    int64    `dynamodbav:"ttl"`
	CreatedAt              string   `dynamodbav:"created_at"`
	UpdatedAt              string   `dynamodbav:"updated_at"`
}

// enabled collapses the nullable stored flag to a boolean; absent means true.
func (r record) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// expired reports whether the row's wall-clock expiry has passed.
func (r record) expired(now time.Time) bool {
	return r.TTL > 0 && r.TTL < now.Unix()
}

// newDeliveryConfig validates a raw row and returns a well-formed variant.
// A row missing any variant-required field, or naming an unknown kind, is
// rejected; the store treats such rows as absent.
func newDeliveryConfig(rec record) (*DeliveryConfig, error) {
	cfg := &DeliveryConfig{
		TenantID:     rec.TenantID,
		TargetRegion: rec.TargetRegion,
		DesiredLogs:  rec.DesiredLogs,
		Groups:       rec.Groups,
	}

	switch Kind(rec.Type) {
	case KindStream:
		if blank(rec.LogDistributionRoleARN) {
			return nil, fmt.Errorf("stream config missing or has empty value for required field: log_distribution_role_arn")
		}
		if blank(rec.LogGroupName) {
			return nil, fmt.Errorf("stream config missing or has empty value for required field: log_group_name")
		}
		cfg.Kind = KindStream
		cfg.Stream = &StreamTarget{
			RoleARN:  rec.LogDistributionRoleARN,
			LogGroup: rec.LogGroupName,
		}

	case KindBucket:
		if blank(rec.BucketName) {
			return nil, fmt.Errorf("bucket config missing or has empty value for required field: bucket_name")
		}
		cfg.Kind = KindBucket
		cfg.Bucket = &BucketTarget{
			BucketName: rec.BucketName,
			Prefix:     NormalizeBucketPrefix(rec.BucketPrefix),
		}

	case "":
		return nil, fmt.Errorf("delivery config missing required field: type")

	default:
		return nil, fmt.Errorf("unknown delivery type: %q", rec.Type)
	}

	return cfg, nil
}

// NormalizeBucketPrefix applies the default prefix and guarantees a trailing
// slash. Applying it twice yields the same string.
func NormalizeBucketPrefix(prefix string) string {
	if prefix == "" {
		return DefaultBucketPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		return prefix + "/"
	}
	return prefix
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
