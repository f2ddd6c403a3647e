package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift-online/tenant-log-forwarder/internal/config"
	"github.com/openshift-online/tenant-log-forwarder/internal/delivery"
	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
	"github.com/openshift-online/tenant-log-forwarder/internal/event"
	"github.com/openshift-online/tenant-log-forwarder/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockConfigSource struct {
	configs map[string][]*tenant.DeliveryConfig
	err     error
	calls   int
}

func (m *mockConfigSource) EnabledConfigs(ctx context.Context, tenantID string) ([]*tenant.DeliveryConfig, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	configs, ok := m.configs[tenantID]
	if !ok {
		return nil, errs.TenantNotFound(tenantID, "no delivery configurations found")
	}
	return configs, nil
}

type mockReader struct {
	events  []*event.Event
	mtimeMS int64
	err     error
	calls   int
}

func (m *mockReader) FetchAndParse(ctx context.Context, bucket, key string) ([]*event.Event, int64, error) {
	m.calls++
	if m.err != nil {
		return nil, 0, m.err
	}
	return m.events, m.mtimeMS, nil
}

type mockStreamEngine struct {
	result    *delivery.Result
	err       error
	calls     int
	gotEvents []*event.Event
}

func (m *mockStreamEngine) Deliver(ctx context.Context, events []*event.Event, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef, sourceMTimeMS int64) (*delivery.Result, error) {
	m.calls++
	m.gotEvents = events
	return m.result, m.err
}

type mockBucketEngine struct {
	err   error
	calls int
}

func (m *mockBucketEngine) Deliver(ctx context.Context, sourceBucket, sourceKey string, cfg *tenant.DeliveryConfig, ref *tenant.SourceRef) error {
	m.calls++
	return m.err
}

type mockWorkerSQS struct {
	sent []*sqs.SendMessageInput
}

func (m *mockWorkerSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockWorkerSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockWorkerSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sent = append(m.sent, params)
	return &sqs.SendMessageOutput{}, nil
}

type noopMetrics struct{}

func (noopMetrics) StreamDelivery(ctx context.Context, tenantID string, successfulEvents, failedEvents int) {
}
func (noopMetrics) BucketDelivery(ctx context.Context, tenantID string, success bool) {}
func (noopMetrics) Latency(ctx context.Context, tenantID, kind string, latencyMS int64) {}

type fixture struct {
	worker  *Worker
	configs *mockConfigSource
	reader  *mockReader
	stream  *mockStreamEngine
	bucket  *mockBucketEngine
	sqs     *mockWorkerSQS
}

func newFixture(configs map[string][]*tenant.DeliveryConfig) *fixture {
	f := &fixture{
		configs: &mockConfigSource{configs: configs},
		reader:  &mockReader{},
		stream:  &mockStreamEngine{},
		bucket:  &mockBucketEngine{},
		sqs:     &mockWorkerSQS{},
	}
	f.worker = New(Deps{
		Configs: f.configs,
		Reader:  f.reader,
		Stream:  f.stream,
		Bucket:  f.bucket,
		SQS:     f.sqs,
		Metrics: noopMetrics{},
	}, &config.Config{SQSQueueURL: "https://queue"}, testLogger())
	return f
}

func streamConfig(tenantID string, desiredLogs ...string) *tenant.DeliveryConfig {
	return &tenant.DeliveryConfig{
		TenantID:    tenantID,
		Kind:        tenant.KindStream,
		DesiredLogs: desiredLogs,
		Stream: &tenant.StreamTarget{
			RoleARN:  "arn:aws:iam::444455556666:role/customer",
			LogGroup: "/customer/logs",
		},
	}
}

func bucketConfig(tenantID string) *tenant.DeliveryConfig {
	return &tenant.DeliveryConfig{
		TenantID: tenantID,
		Kind:     tenant.KindBucket,
		Bucket: &tenant.BucketTarget{
			BucketName: "customer-bucket",
			Prefix:     "logs/",
		},
	}
}

func notificationBody(t *testing.T, key string, metadata map[string]any) string {
	t.Helper()
	records := map[string]any{
		"Records": []any{
			map[string]any{
				"s3": map[string]any{
					"bucket": map[string]any{"name": "central-bucket"},
					"object": map[string]any{"key": key},
				},
			},
		},
	}
	recordsJSON, err := json.Marshal(records)
	require.NoError(t, err)

	body := map[string]any{"Message": string(recordsJSON)}
	if metadata != nil {
		body["processing_metadata"] = metadata
	}
	bodyJSON, err := json.Marshal(body)
	require.NoError(t, err)
	return string(bodyJSON)
}

const paymentKey = "prod-cluster/acme/payment/payment-abc123/app.json.gz"

func TestProcessRecordStreamDelivery(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{
		"acme": {streamConfig("acme")},
	})
	f.reader.events = []*event.Event{
		{TimestampMS: 1704067200000, Message: "first"},
		{TimestampMS: 1704067201000, Message: "second"},
	}
	f.stream.result = &delivery.Result{SuccessfulEvents: 2, TotalProcessed: 2}

	outcome, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, nil), "msg-1", "rh-1")

	require.NoError(t, err)
	assert.Equal(t, 1, outcome.SuccessfulDeliveries)
	assert.Equal(t, 0, outcome.FailedDeliveries)
	assert.Equal(t, 2, outcome.SuccessfulEvents)
	assert.Equal(t, 1, f.stream.calls)
	assert.Equal(t, 0, f.bucket.calls)
	assert.Empty(t, f.sqs.sent, "no reinjection on clean success")
}

func TestProcessRecordBucketDelivery(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{
		"acme": {bucketConfig("acme")},
	})

	outcome, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, nil), "msg-1", "rh-1")

	require.NoError(t, err)
	assert.Equal(t, 1, outcome.SuccessfulDeliveries)
	assert.Equal(t, 1, f.bucket.calls)
	// Bucket delivery never downloads or parses the object.
	assert.Equal(t, 0, f.reader.calls)
}

func TestProcessRecordApplicationFilteredOut(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{
		"acme": {streamConfig("acme", "checkout")},
	})

	outcome, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, nil), "msg-1", "rh-1")

	// Filtered out is success: nothing fetched, nothing delivered.
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.SuccessfulDeliveries)
	assert.Equal(t, 0, outcome.FailedDeliveries)
	assert.Equal(t, 0, f.reader.calls)
	assert.Equal(t, 0, f.stream.calls)
}

func TestProcessRecordInvalidKeySkipsStore(t *testing.T) {
	f := newFixture(nil)

	outcome, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, "too/short", nil), "msg-1", "rh-1")

	// The poison object is logged and the record acknowledged.
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.SuccessfulDeliveries)
	assert.Equal(t, 0, f.configs.calls, "malformed keys must never reach the store")
}

func TestProcessRecordUnknownTenantAcknowledged(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{})

	_, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, nil), "msg-1", "rh-1")

	require.NoError(t, err, "missing tenant config is poison, handled inside the record")
	assert.Equal(t, 1, f.configs.calls)
	assert.Equal(t, 0, f.stream.calls)
}

func TestProcessRecordPartialFailureReinjectsWithOffset(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{
		"acme": {streamConfig("acme")},
	})
	f.reader.events = make([]*event.Event, 1000)
	for i := range f.reader.events {
		f.reader.events[i] = &event.Event{TimestampMS: 1704067200000 + int64(i), Message: "m"}
	}
	f.stream.result = &delivery.Result{SuccessfulEvents: 500, FailedEvents: 500, TotalProcessed: 1000}
	f.stream.err = errs.NewRetryable("failed to deliver 500 of 1000 events")

	outcome, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, nil), "msg-1", "rh-1")

	// The reinjected copy carries the retry; the original is acknowledged.
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.FailedDeliveries)
	assert.Equal(t, 500, outcome.SuccessfulEvents)
	assert.Equal(t, 500, outcome.FailedEvents)

	require.Len(t, f.sqs.sent, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(*f.sqs.sent[0].MessageBody), &body))
	metadata := body["processing_metadata"].(map[string]any)
	assert.Equal(t, float64(500), metadata["offset"])
	assert.Equal(t, float64(1), metadata["retry_count"])
}

func TestProcessRecordOffsetSkipsAcceptedEvents(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{
		"acme": {streamConfig("acme")},
	})
	f.reader.events = make([]*event.Event, 1000)
	for i := range f.reader.events {
		f.reader.events[i] = &event.Event{TimestampMS: 1704067200000 + int64(i), Message: "m"}
	}
	f.stream.result = &delivery.Result{SuccessfulEvents: 500, TotalProcessed: 500}

	metadata := map[string]any{"offset": 500, "retry_count": 1}
	outcome, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, metadata), "msg-1", "rh-2")

	require.NoError(t, err)
	assert.Equal(t, 1, outcome.SuccessfulDeliveries)
	require.Len(t, f.stream.gotEvents, 500, "first 500 events were already accepted")
	assert.Equal(t, int64(1704067200500), f.stream.gotEvents[0].TimestampMS)
}

func TestProcessRecordOffsetCoversEverything(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{
		"acme": {streamConfig("acme")},
	})
	f.reader.events = []*event.Event{{TimestampMS: 1, Message: "m"}}

	metadata := map[string]any{"offset": 5, "retry_count": 1}
	outcome, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, metadata), "msg-1", "rh-2")

	require.NoError(t, err)
	assert.Equal(t, 1, outcome.SuccessfulDeliveries)
	assert.Equal(t, 0, f.stream.calls, "nothing left to deliver")
}

func TestProcessRecordRetryableStoreError(t *testing.T) {
	f := newFixture(nil)
	f.configs.err = errors.New("RequestLimitExceeded")

	_, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, nil), "msg-1", "rh-1")

	require.Error(t, err)
	assert.False(t, errs.IsPoison(err), "table throttling must redeliver the record")
}

func TestProcessRecordSecondConfigSurvivesFirstFailure(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{
		"acme": {bucketConfig("acme"), streamConfig("acme")},
	})
	f.bucket.err = errs.NewPoison("destination bucket does not exist")
	f.reader.events = []*event.Event{{TimestampMS: 1, Message: "m"}}
	f.stream.result = &delivery.Result{SuccessfulEvents: 1, TotalProcessed: 1}

	outcome, err := f.worker.ProcessRecord(context.Background(),
		notificationBody(t, paymentKey, nil), "msg-1", "rh-1")

	require.NoError(t, err)
	assert.Equal(t, 1, outcome.SuccessfulDeliveries)
	assert.Equal(t, 1, outcome.FailedDeliveries)
	assert.Equal(t, 1, f.stream.calls, "one poison config must not block the others")
}

func TestProcessRecordMalformedBodyIsPoison(t *testing.T) {
	f := newFixture(nil)

	_, err := f.worker.ProcessRecord(context.Background(), "not json", "msg-1", "rh-1")

	require.Error(t, err)
	assert.True(t, errs.IsPoison(err))
}

func TestHandleBatch(t *testing.T) {
	f := newFixture(map[string][]*tenant.DeliveryConfig{
		"acme": {bucketConfig("acme")},
	})

	batch := lambdaevents.SQSEvent{
		Records: []lambdaevents.SQSMessage{
			{MessageId: "ok", Body: notificationBody(t, paymentKey, nil), ReceiptHandle: "rh-1"},
			{MessageId: "poison", Body: "not json", ReceiptHandle: "rh-2"},
		},
	}

	resp, err := f.worker.HandleBatch(context.Background(), batch)

	require.NoError(t, err)
	// The poison record is absent from the failure list so the queue
	// removes it.
	assert.Empty(t, resp.BatchItemFailures)
}

func TestHandleBatchRetryableRecordReturned(t *testing.T) {
	f := newFixture(nil)
	f.configs.err = errors.New("table unavailable")

	batch := lambdaevents.SQSEvent{
		Records: []lambdaevents.SQSMessage{
			{MessageId: "retry-me", Body: notificationBody(t, paymentKey, nil), ReceiptHandle: "rh-1"},
		},
	}

	resp, err := f.worker.HandleBatch(context.Background(), batch)

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "retry-me", resp.BatchItemFailures[0].ItemIdentifier)
}

func TestSkipAccepted(t *testing.T) {
	events := []*event.Event{
		{TimestampMS: 1}, {TimestampMS: 2}, {TimestampMS: 3},
	}
	logger := testLogger()

	assert.Len(t, skipAccepted(events, 0, logger), 3)
	assert.Len(t, skipAccepted(events, 2, logger), 1)
	assert.Nil(t, skipAccepted(events, 3, logger))
	assert.Nil(t, skipAccepted(events, 10, logger))
	assert.Equal(t, int64(3), skipAccepted(events, 2, logger)[0].TimestampMS)
}
