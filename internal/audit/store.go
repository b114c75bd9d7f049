package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/DevnProgg/MyPay/internal/aws"
)

// TransactionIndex is the GSI on transaction_id, sorted by created_at.
const TransactionIndex = "transaction_id-index"

// DynamoSink appends entries to the audit table.
type DynamoSink struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewDynamoSink(client aws.DynamoDBAPI, tableName string) *DynamoSink {
	return &DynamoSink{client: client, tableName: tableName}
}

// Record is append-only: an existing id is never overwritten.
func (s *DynamoSink) Record(ctx context.Context, e Entry) error {
	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	cond := "attribute_not_exists(id)"
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: &cond,
	}); err != nil {
		return fmt.Errorf("put audit entry: %w", err)
	}
	return nil
}

func (s *DynamoSink) Trail(ctx context.Context, transactionID string) ([]Entry, error) {
	index := TransactionIndex
	keyCond := "transaction_id = :tid"
	input := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &index,
		KeyConditionExpression: &keyCond,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tid": &types.AttributeValueMemberS{Value: transactionID},
		},
	}

	out := make([]Entry, 0)
	for {
		page, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query audit trail: %w", err)
		}
		var entries []Entry
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &entries); err != nil {
			return nil, fmt.Errorf("unmarshal audit trail: %w", err)
		}
		out = append(out, entries...)
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
	sortOldestFirst(out)
	return out, nil
}

// MemorySink keeps entries in process.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) Trail(_ context.Context, transactionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func sortOldestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
