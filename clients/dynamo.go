package clients

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	apiKeyIndex = "api_key_index"
	cacheTTL    = 5 * time.Minute
)

type (
	// QueryAPI is the subset of the DynamoDB client used by DynamoStore.
	// It exists so tests can stub the table.
	QueryAPI interface {
		Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	}

	// DynamoStore resolves client records from a DynamoDB table via its
	// api_key_index GSI. Successful lookups are cached for five minutes;
	// misses are not, so newly provisioned keys take effect immediately.
	DynamoStore struct {
		db       QueryAPI
		table    string
		defaults Defaults

		mu    sync.Mutex
		cache map[string]cacheEntry
		now   func() time.Time
	}

	cacheEntry struct {
		cfg     *ClientConfig
		expires time.Time
	}
)

// NewDynamoStore builds a store over the given table.
func NewDynamoStore(db QueryAPI, table string, defaults Defaults) *DynamoStore {
	return &DynamoStore{
		db:       db,
		table:    table,
		defaults: defaults,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// Lookup implements Store.
func (s *DynamoStore) Lookup(ctx context.Context, apiKey string) (*ClientConfig, error) {
	s.mu.Lock()
	if e, ok := s.cache[apiKey]; ok && s.now().Before(e.expires) {
		cp := *e.cfg
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()

	out, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(apiKeyIndex),
		KeyConditionExpression: aws.String("api_key = :k"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k": &types.AttributeValueMemberS{Value: apiKey},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("clients: query %s: %w", s.table, err)
	}
	if len(out.Items) == 0 {
		return nil, ErrNotFound
	}

	var cfg ClientConfig
	if err := attributevalue.UnmarshalMap(out.Items[0], &cfg); err != nil {
		return nil, fmt.Errorf("clients: decode item: %w", err)
	}
	res := cfg.ApplyDefaults(s.defaults)

	s.mu.Lock()
	s.cache[apiKey] = cacheEntry{cfg: res, expires: s.now().Add(cacheTTL)}
	s.mu.Unlock()

	cp := *res
	return &cp, nil
}
