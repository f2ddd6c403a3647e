// Package metrics publishes best-effort per-tenant delivery counters. A
// metrics failure never fails a delivery.
package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Namespace is the metric namespace for log delivery counters.
const Namespace = "LogForwarder/Delivery"

// PutMetricDataAPI is the slice of the CloudWatch client the publisher needs.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Publisher emits per-tenant delivery metrics keyed by delivery kind.
type Publisher struct {
	client PutMetricDataAPI
	logger *slog.Logger
}

// NewPublisher creates a metrics publisher.
func NewPublisher(client PutMetricDataAPI, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// push publishes a set of counters for one tenant and delivery kind.
func (p *Publisher) push(ctx context.Context, tenantID, kind string, counters map[string]float64) {
	if len(counters) == 0 {
		return
	}

	data := make([]cwtypes.MetricDatum, 0, len(counters))
	for name, value := range counters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(fmt.Sprintf("LogCount/%s/%s", kind, name)),
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String("Tenant"), Value: aws.String(tenantID)},
			},
			Value: aws.Float64(value),
			Unit:  cwtypes.StandardUnitCount,
		})
	}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(Namespace),
		MetricData: data,
	})
	if err != nil {
		// Best effort only.
		p.logger.Error("failed to publish delivery metrics",
			"tenant_id", tenantID,
			"kind", kind,
			"error", err)
		return
	}

	p.logger.Debug("published delivery metrics",
		"tenant_id", tenantID,
		"kind", kind,
		"metric_count", len(data))
}

// StreamDelivery records event-level counters for one stream delivery.
func (p *Publisher) StreamDelivery(ctx context.Context, tenantID string, successfulEvents, failedEvents int) {
	counters := map[string]float64{
		"successful_events": float64(successfulEvents),
		"failed_events":     float64(failedEvents),
	}
	if successfulEvents > 0 || failedEvents > 0 {
		if failedEvents == 0 {
			counters["successful_delivery"] = 1
		} else {
			counters["failed_delivery"] = 1
		}
	}
	p.push(ctx, tenantID, "stream", counters)
}

// BucketDelivery records the outcome of one bucket delivery.
func (p *Publisher) BucketDelivery(ctx context.Context, tenantID string, success bool) {
	if success {
		p.push(ctx, tenantID, "bucket", map[string]float64{"successful_delivery": 1})
		return
	}
	p.push(ctx, tenantID, "bucket", map[string]float64{"failed_delivery": 1})
}

// Latency records the end-to-end delivery latency in milliseconds for a
// delivery kind.
func (p *Publisher) Latency(ctx context.Context, tenantID, kind string, latencyMS int64) {
	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(fmt.Sprintf("Latency/%s", kind)),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Tenant"), Value: aws.String(tenantID)},
		},
		Value: aws.Float64(float64(latencyMS)),
		Unit:  cwtypes.StandardUnitMilliseconds,
	}}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(Namespace),
		MetricData: data,
	})
	if err != nil {
		p.logger.Error("failed to publish latency metric",
			"tenant_id", tenantID,
			"kind", kind,
			"error", err)
	}
}
