// Package source reads log files from the central object store and parses
// them into ordered, normalized event sequences.
package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
	"github.com/openshift-online/tenant-log-forwarder/internal/event"
)

// S3GetObjectAPI is the slice of the S3 client the reader needs.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Reader fetches and parses log files from the central bucket.
type Reader struct {
	client S3GetObjectAPI
	logger *slog.Logger
}

// NewReader creates a Reader over the given S3 client.
func NewReader(client S3GetObjectAPI, logger *slog.Logger) *Reader {
	return &Reader{client: client, logger: logger}
}

// FetchAndParse retrieves an object, decompresses it when gzipped, and
// parses it into the ordered event sequence, returning the server-recorded
// modification time in milliseconds as the fallback timestamp.
func (r *Reader) FetchAndParse(ctx context.Context, bucket, key string) ([]*event.Event, int64, error) {
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, 0, errs.WrapPoison(
				fmt.Sprintf("source object s3://%s/%s not found", bucket, key), err)
		}
		return nil, 0, fmt.Errorf("failed to download object s3://%s/%s: %w", bucket, key, err)
	}
	defer result.Body.Close()

	mtimeMS := int64(0)
	if result.LastModified != nil {
		mtimeMS = result.LastModified.UnixMilli()
	}

	events, err := ParseLogFile(key, result.Body, r.logger)
	if err != nil {
		return nil, mtimeMS, err
	}
	return events, mtimeMS, nil
}

// ParseLogFile decompresses gzipped content and extracts the log events.
func ParseLogFile(filename string, content io.Reader, logger *slog.Logger) ([]*event.Event, error) {
	raw, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("failed to read object content: %w", err)
	}

	if strings.HasSuffix(filename, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()

		decompressed, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress gzip content: %w", err)
		}
		raw = decompressed
		logger.Debug("decompressed file", "size_bytes", len(raw))
	}

	return ParseJSON(raw, logger)
}

// ParseJSON extracts events from line-delimited JSON content, falling back
// to a single JSON array or object only when every line failed to parse.
func ParseJSON(content []byte, logger *slog.Logger) ([]*event.Event, error) {
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")

	var events []*event.Event
	parseErrors := 0

	for lineNum, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		parsed, err := decodeJSON([]byte(line))
		if err != nil {
			parseErrors++
			if lineNum < 3 {
				logger.Warn("line JSON parse error",
					"line_num", lineNum,
					"error", err,
					"content_preview", truncate(line, 100))
			}
			continue
		}

		// A line may itself be a JSON array of records.
		if arr, ok := parsed.([]any); ok {
			for _, record := range arr {
				if ev := event.Normalize(record, logger); ev != nil {
					events = append(events, ev)
				}
			}
			continue
		}

		if ev := event.Normalize(parsed, logger); ev != nil {
			events = append(events, ev)
		}
	}

	// Fallback: the whole document as one JSON value.
	if len(events) == 0 && parseErrors > 0 {
		logger.Info("no events from line parsing, trying whole-document JSON")
		parsed, err := decodeJSON(content)
		if err != nil {
			return nil, fmt.Errorf("fallback JSON parsing failed: %w", err)
		}

		if arr, ok := parsed.([]any); ok {
			for _, record := range arr {
				if ev := event.Normalize(record, logger); ev != nil {
					events = append(events, ev)
				}
			}
		} else if ev := event.Normalize(parsed, logger); ev != nil {
			events = append(events, ev)
		}
	}

	logger.Info("parsed log events", "event_count", len(events), "line_errors", parseErrors)
	return events, nil
}

// decodeJSON decodes with UseNumber so numeric timestamps survive as
// json.Number and large millisecond values keep integer precision.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
