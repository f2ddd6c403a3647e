package tenant

import (
	"fmt"
	"strings"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
)

// SourceRef identifies the origin of a log file, parsed from its object key.
// The key schema is positional: cluster_id/namespace/application/pod_name/filename,
// with the namespace doubling as the tenant identifier.
type SourceRef struct {
	ClusterID   string
	Namespace   string
	TenantID    string
	Application string
	PodName     string
}

// ParseObjectKey parses an object key into a SourceRef. Keys with fewer than
// five segments, or with an empty or whitespace-only segment in positions
// 0-3, are poison: they can never resolve to a tenant.
func ParseObjectKey(key string) (*SourceRef, error) {
	parts := strings.Split(key, "/")

	if len(parts) < 5 {
		return nil, errs.NewPoison(
			fmt.Sprintf("invalid object key: expected at least 5 path segments, got %d: %s", len(parts), key))
	}

	segments := []struct {
		name  string
		index int
	}{
		{"cluster_id", 0},
		{"namespace", 1},
		{"application", 2},
		{"pod_name", 3},
	}
	for _, seg := range segments {
		if strings.TrimSpace(parts[seg.index]) == "" {
			return nil, errs.NewPoison(
				fmt.Sprintf("invalid object key: %s (segment %d) cannot be empty: %s", seg.name, seg.index, key))
		}
	}

	return &SourceRef{
		ClusterID:   parts[0],
		Namespace:   parts[1],
		TenantID:    parts[1],
		Application: parts[2],
		PodName:     parts[3],
	}, nil
}

// Basename returns the filename segment of an object key.
func Basename(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}
