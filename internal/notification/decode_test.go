package notification

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
)

func wrapBody(t *testing.T, recordsJSON string, metadata string) string {
	t.Helper()
	inner, err := json.Marshal(recordsJSON)
	require.NoError(t, err)
	if metadata != "" {
		return fmt.Sprintf(`{"Message": %s, "processing_metadata": %s}`, inner, metadata)
	}
	return fmt.Sprintf(`{"Message": %s}`, inner)
}

const singleRecord = `{"Records": [{"s3": {"bucket": {"name": "central-bucket"}, "object": {"key": "cluster/acme/payment/pod-1/app.json.gz"}}}]}`

func TestDecode(t *testing.T) {
	n, err := Decode(wrapBody(t, singleRecord, ""))

	require.NoError(t, err)
	require.Len(t, n.Objects, 1)
	assert.Equal(t, "central-bucket", n.Objects[0].Bucket)
	assert.Equal(t, "cluster/acme/payment/pod-1/app.json.gz", n.Objects[0].Key)
	assert.Equal(t, 0, n.Metadata.Offset)
	assert.Equal(t, 0, n.Metadata.RetryCount)
}

func TestDecodePercentEncodedKey(t *testing.T) {
	records := `{"Records": [{"s3": {"bucket": {"name": "b"}, "object": {"key": "cluster/acme/pay%3Dment/pod+1/app.json.gz"}}}]}`

	n, err := Decode(wrapBody(t, records, ""))

	require.NoError(t, err)
	// Keys arrive percent-encoded with + for spaces.
	assert.Equal(t, "cluster/acme/pay=ment/pod 1/app.json.gz", n.Objects[0].Key)
}

func TestDecodeProcessingMetadata(t *testing.T) {
	metadata := `{"offset": 750, "retry_count": 2, "original_receipt_handle": "rh-original", "requeued_at": "2024-01-01T00:00:00Z"}`

	n, err := Decode(wrapBody(t, singleRecord, metadata))

	require.NoError(t, err)
	assert.Equal(t, 750, n.Metadata.Offset)
	assert.Equal(t, 2, n.Metadata.RetryCount)
	assert.Equal(t, "rh-original", n.Metadata.OriginalReceiptHandle)
	assert.Equal(t, 2024, n.Metadata.RequeuedAt.Year())
}

func TestDecodeMultipleRecords(t *testing.T) {
	records := `{"Records": [
		{"s3": {"bucket": {"name": "b"}, "object": {"key": "c/t1/a/p/f1.gz"}}},
		{"s3": {"bucket": {"name": "b"}, "object": {"key": "c/t2/a/p/f2.gz"}}}
	]}`

	n, err := Decode(wrapBody(t, records, ""))

	require.NoError(t, err)
	require.Len(t, n.Objects, 2)
	assert.Equal(t, "c/t2/a/p/f2.gz", n.Objects[1].Key)
}

func TestDecodeStructuralFailuresArePoison(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "this is not json"},
		{"no message field", `{"something": "else"}`},
		{"message not nested json", wrapBody(t, "plain text payload", "")},
		{"no records", wrapBody(t, `{"Records": []}`, "")},
		{"test event ack", wrapBody(t, `{"Service": "s3", "Event": "s3:TestEvent"}`, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Decode(tt.body)
			assert.Nil(t, n)
			require.Error(t, err)
			assert.True(t, errs.IsPoison(err), "structural mismatches can never succeed on retry")
		})
	}
}

func TestDecodePreservesRawBody(t *testing.T) {
	body := wrapBody(t, singleRecord, "")
	n, err := Decode(body)

	require.NoError(t, err)
	assert.Equal(t, body, n.RawBody)
}

func TestSyntheticBodyRoundTrip(t *testing.T) {
	body, err := SyntheticBody("scan-bucket", "cluster/acme/app/pod/file.json.gz")
	require.NoError(t, err)

	n, err := Decode(body)
	require.NoError(t, err)
	require.Len(t, n.Objects, 1)
	assert.Equal(t, "scan-bucket", n.Objects[0].Bucket)
	assert.Equal(t, "cluster/acme/app/pod/file.json.gz", n.Objects[0].Key)
}
