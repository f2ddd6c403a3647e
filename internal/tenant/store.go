package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/openshift-online/tenant-log-forwarder/internal/errs"
)

// DynamoDBQueryAPI is the slice of the DynamoDB client the store needs.
type DynamoDBQueryAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DefaultCacheTTL bounds how stale a cached configuration may be. The REST
// surface that writes the table does not push invalidations.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	configs   []*DeliveryConfig
	fetchedAt time.Time
}

// Store reads tenant delivery configurations from the configuration table,
// with a process-local time-based cache.
type Store struct {
	client    DynamoDBQueryAPI
	tableName string
	logger    *slog.Logger
	cacheTTL  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewStore creates a configuration store over the given table.
func NewStore(client DynamoDBQueryAPI, tableName string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		logger:    logger,
		cacheTTL:  DefaultCacheTTL,
		cache:     make(map[string]cacheEntry),
		now:       time.Now,
	}
}

// EnabledConfigs returns the enabled, validated delivery configurations for
// a tenant. It fails closed: any enabled row that fails variant validation
// makes the whole tenant look absent.
func (s *Store) EnabledConfigs(ctx context.Context, tenantID string) ([]*DeliveryConfig, error) {
	// Empty tenant IDs come from malformed object keys; never let them
	// reach the table.
	if tenantID == "" {
		s.logger.Warn("empty tenant_id for configuration lookup, indicates malformed object key")
		return nil, errs.TenantNotFound(tenantID, "empty tenant_id from malformed object key")
	}

	if configs, ok := s.cached(tenantID); ok {
		return configs, nil
	}

	configs, err := s.query(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[tenantID] = cacheEntry{configs: configs, fetchedAt: s.now()}
	s.mu.Unlock()

	return configs, nil
}

func (s *Store) cached(tenantID string) ([]*DeliveryConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[tenantID]
	if !ok || s.now().Sub(entry.fetchedAt) > s.cacheTTL {
		delete(s.cache, tenantID)
		return nil, false
	}
	return entry.configs, true
}

func (s *Store) query(ctx context.Context, tenantID string) ([]*DeliveryConfig, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("tenant_id = :tenant_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenant_id": &types.AttributeValueMemberS{Value: tenantID},
		},
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		// An empty-string key value is the fingerprint of a malformed
		// source path that leaked through; the tenant does not exist.
		if strings.Contains(err.Error(), "ValidationException") && strings.Contains(err.Error(), "empty string value") {
			s.logger.Warn("configuration table rejected empty-string key", "tenant_id", tenantID)
			return nil, errs.TenantNotFound(tenantID, "invalid tenant_id from malformed object key")
		}

		s.logger.Error("failed to query configuration table",
			"tenant_id", tenantID,
			"error", err)
		return nil, fmt.Errorf("failed to get delivery configurations for %s: %w", tenantID, err)
	}

	if len(result.Items) == 0 {
		return nil, errs.TenantNotFound(tenantID, "no delivery configurations found")
	}

	now := s.now()
	var configs []*DeliveryConfig
	for _, item := range result.Items {
		var rec record
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			s.logger.Error("failed to unmarshal delivery config",
				"tenant_id", tenantID,
				"error", err)
			continue
		}

		if !rec.enabled() {
			continue
		}
		if rec.expired(now) {
			s.logger.Info("delivery config past its ttl, skipping",
				"tenant_id", tenantID,
				"type", rec.Type)
			continue
		}

		cfg, err := newDeliveryConfig(rec)
		if err != nil {
			// Fail closed: one broken enabled row hides the tenant.
			return nil, errs.TenantNotFound(tenantID, err.Error())
		}
		configs = append(configs, cfg)
	}

	if len(configs) == 0 {
		return nil, errs.TenantNotFound(tenantID, "no enabled delivery configurations found")
	}

	kinds := make([]string, len(configs))
	for i, cfg := range configs {
		kinds[i] = string(cfg.Kind)
	}
	s.logger.Info("retrieved enabled delivery configs for tenant",
		"tenant_id", tenantID,
		"count", len(configs),
		"kinds", kinds)

	return configs, nil
}
