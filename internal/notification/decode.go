// Package notification decodes queue messages through their wrapping
// envelopes and implements the self-reinjection protocol for partially
// failed stream deliveries.
package notification

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
)

// ObjectRef is one (bucket, key) tuple announced by a notification.
type ObjectRef struct {
	Bucket string
	Key    string
}

// ProcessingMetadata is the replay state carried by reinjected messages.
// Offset is the number of events already durably accepted in earlier
// attempts; the next attempt skips that many leading events.
type ProcessingMetadata struct {
	Offset                int
	RetryCount            int
	OriginalReceiptHandle string
	RequeuedAt            time.Time
}

// Notification is a fully decoded queue message.
type Notification struct {
	Objects  []ObjectRef
	Metadata ProcessingMetadata
	// RawBody preserves the original message body for reinjection.
	RawBody string
}

// Envelope layers: the queue message body is the JSON of a pub/sub
// notification whose Message field is itself the JSON of an object-store
// event record set.
type bodyEnvelope struct {
	Message            string        `json:"Message"`
	ProcessingMetadata *metadataBody `json:"processing_metadata"`
}

type metadataBody struct {
	Offset                int    `json:"offset"`
	RetryCount            int    `json:"retry_count"`
	OriginalReceiptHandle string `json:"original_receipt_handle"`
	RequeuedAt            string `json:"requeued_at"`
}

type recordSet struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// Decode parses a queue message body through both envelopes. Every
// structural mismatch is poison, naming the layer that failed.
func Decode(body string) (*Notification, error) {
	var envelope bodyEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return nil, errs.WrapPoison("invalid queue message body", err)
	}
	if envelope.Message == "" {
		return nil, errs.NewPoison("queue message has no notification payload")
	}

	var records recordSet
	if err := json.Unmarshal([]byte(envelope.Message), &records); err != nil {
		return nil, errs.WrapPoison("invalid object-store event payload", err)
	}
	if len(records.Records) == 0 {
		return nil, errs.NewPoison("notification contains no records")
	}

	n := &Notification{RawBody: body}
	for _, rec := range records.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, errs.WrapPoison(
				fmt.Sprintf("failed to percent-decode object key %q", rec.S3.Object.Key), err)
		}
		n.Objects = append(n.Objects, ObjectRef{
			Bucket: rec.S3.Bucket.Name,
			Key:    key,
		})
	}

	if md := envelope.ProcessingMetadata; md != nil {
		n.Metadata = ProcessingMetadata{
			Offset:                md.Offset,
			RetryCount:            md.RetryCount,
			OriginalReceiptHandle: md.OriginalReceiptHandle,
		}
		if md.RequeuedAt != "" {
			if t, err := time.Parse(time.RFC3339, md.RequeuedAt); err == nil {
				n.Metadata.RequeuedAt = t
			}
		}
	}

	return n, nil
}

// SyntheticBody wraps a single (bucket, key) pair in the envelopes a real
// notification would carry. Used by scan mode to feed the normal pipeline.
func SyntheticBody(bucket, key string) (string, error) {
	inner := recordSet{}
	inner.Records = make([]struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	}, 1)
	inner.Records[0].S3.Bucket.Name = bucket
	inner.Records[0].S3.Object.Key = key

	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record set: %w", err)
	}

	outerJSON, err := json.Marshal(bodyEnvelope{Message: string(innerJSON)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification envelope: %w", err)
	}
	return string(outerJSON), nil
}
