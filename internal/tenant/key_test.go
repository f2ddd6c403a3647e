package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
)

func TestParseObjectKey(t *testing.T) {
	ref, err := ParseObjectKey("prod-cluster/acme/payment/payment-abc123/app-20240101.json.gz")

	require.NoError(t, err)
	assert.Equal(t, "prod-cluster", ref.ClusterID)
	assert.Equal(t, "acme", ref.Namespace)
	assert.Equal(t, "acme", ref.TenantID, "tenant identifier is the namespace segment")
	assert.Equal(t, "payment", ref.Application)
	assert.Equal(t, "payment-abc123", ref.PodName)
}

func TestParseObjectKeyExtraSegments(t *testing.T) {
	// Deeper keys are fine; only the first four segments are positional.
	ref, err := ParseObjectKey("cluster/ns/app/pod/2024/01/01/file.json.gz")
	require.NoError(t, err)
	assert.Equal(t, "ns", ref.TenantID)
	assert.Equal(t, "pod", ref.PodName)
}

func TestParseObjectKeyTooFewSegments(t *testing.T) {
	keys := []string{
		"file.json.gz",
		"cluster/ns",
		"cluster/ns/app",
		"cluster/ns/app/pod",
	}

	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			ref, err := ParseObjectKey(key)
			assert.Nil(t, ref)
			require.Error(t, err)
			assert.True(t, errs.IsPoison(err), "short keys can never resolve to a tenant")
		})
	}
}

func TestParseObjectKeyEmptySegments(t *testing.T) {
	keys := []string{
		"/ns/app/pod/file.gz",
		"cluster//app/pod/file.gz",
		"cluster/ns//pod/file.gz",
		"cluster/ns/app//file.gz",
		"cluster/ns/app/   /file.gz",
	}

	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			ref, err := ParseObjectKey(key)
			assert.Nil(t, ref)
			assert.True(t, errs.IsPoison(err))
		})
	}
}

func TestParseObjectKeyEmptyFilenameAllowed(t *testing.T) {
	// Only segments 0-3 must be non-empty.
	ref, err := ParseObjectKey("cluster/ns/app/pod/")
	require.NoError(t, err)
	assert.Equal(t, "ns", ref.TenantID)
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "file.json.gz", Basename("a/b/c/file.json.gz"))
	assert.Equal(t, "file.json.gz", Basename("file.json.gz"))
	assert.Equal(t, "", Basename("a/b/"))
}
