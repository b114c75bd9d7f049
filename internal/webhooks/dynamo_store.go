package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/DevnProgg/MyPay/internal/aws"
)

// FingerprintIndex is the GSI on fingerprint.
const FingerprintIndex = "fingerprint-index"

// eventItem is the stored shape. next_retry_at is epoch seconds so the due
// scan can compare numerically.
type eventItem struct {
	ID                    string     `dynamodbav:"id"` // PK
	Provider              string     `dynamodbav:"provider"`
	TransactionID         string     `dynamodbav:"transaction_id,omitempty"`
	ProviderTransactionID string     `dynamodbav:"provider_transaction_id,omitempty"`
	EventType             string     `dynamodbav:"event_type,omitempty"`
	Fingerprint           string     `dynamodbav:"fingerprint,omitempty"` // GSI
	Payload               string     `dynamodbav:"payload"`
	Signature             string     `dynamodbav:"signature,omitempty"`
	Verified              bool       `dynamodbav:"verified"`
	Processed             bool       `dynamodbav:"processed"`
	DeadLettered          bool       `dynamodbav:"dead_lettered"`
	RetryCount            int        `dynamodbav:"retry_count"`
	NextRetryAt           int64      `dynamodbav:"next_retry_at,omitempty"`
	ErrorMessage          string     `dynamodbav:"error_message,omitempty"`
	Version               int        `dynamodbav:"version"`
	CreatedAt             time.Time  `dynamodbav:"created_at"`
	UpdatedAt             time.Time  `dynamodbav:"updated_at"`
	ProcessedAt           *time.Time `dynamodbav:"processed_at,omitempty"`
}

// DynamoStore keeps events in a DynamoDB table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func (s *DynamoStore) Save(ctx context.Context, e *Event) error {
	item, err := attributevalue.MarshalMap(toItem(e))
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(id)"),
	}); err != nil {
		return fmt.Errorf("put webhook event: %w", err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*Event, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return decodeItem(out.Item)
}

func (s *DynamoStore) FindProcessed(ctx context.Context, fingerprint string) (*Event, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(FingerprintIndex),
		KeyConditionExpression: awsString("fingerprint = :fp"),
		FilterExpression:       awsString("processed = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fp": &types.AttributeValueMemberS{Value: fingerprint},
			":t":  &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query fingerprint: %w", err)
	}
	for _, item := range out.Items {
		e, err := decodeItem(item)
		if err != nil {
			return nil, err
		}
		if e.Processed {
			return e, nil
		}
	}
	return nil, nil
}

func (s *DynamoStore) Update(ctx context.Context, e *Event, expected int) error {
	item, err := attributevalue.MarshalMap(toItem(e))
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                &s.tableName,
		Item:                     item,
		ConditionExpression:      awsString("#v = :expected"),
		ExpressionAttributeNames: map[string]string{"#v": "version"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(expected)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrVersionMismatch
		}
		return fmt.Errorf("put webhook event: %w", err)
	}
	return nil
}

func (s *DynamoStore) Due(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	events, err := s.scan(ctx, &dyn.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: awsString("processed = :f AND verified = :t AND dead_lettered = :f AND next_retry_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f":   &types.AttributeValueMemberBOOL{Value: false},
			":t":   &types.AttributeValueMemberBOOL{Value: true},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(events))
	for i := range events {
		if events[i].Due(now) {
			out = append(out, events[i])
		}
	}
	sortByNextRetry(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List scans the table. Intended for operator views.
func (s *DynamoStore) List(ctx context.Context, f Filter) ([]Event, error) {
	events, err := s.scan(ctx, &dyn.ScanInput{TableName: &s.tableName})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(events))
	for i := range events {
		if f.matches(&events[i]) {
			out = append(out, events[i])
		}
	}
	return limitNewestFirst(out, f.Limit), nil
}

func (s *DynamoStore) scan(ctx context.Context, input *dyn.ScanInput) ([]Event, error) {
	out := make([]Event, 0)
	for {
		page, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan webhook events: %w", err)
		}
		for _, item := range page.Items {
			e, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, *e)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func toItem(e *Event) eventItem {
	item := eventItem{
		ID:                    e.ID,
		Provider:              e.Provider,
		TransactionID:         e.TransactionID,
		ProviderTransactionID: e.ProviderTransactionID,
		EventType:             e.EventType,
		Fingerprint:           e.Fingerprint,
		Payload:               e.Payload,
		Signature:             e.Signature,
		Verified:              e.Verified,
		Processed:             e.Processed,
		DeadLettered:          e.DeadLettered,
		RetryCount:            e.RetryCount,
		ErrorMessage:          e.ErrorMessage,
		Version:               e.Version,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
		ProcessedAt:           e.ProcessedAt,
	}
	if e.NextRetryAt != nil {
		item.NextRetryAt = e.NextRetryAt.Unix()
	}
	return item
}

func decodeItem(av map[string]types.AttributeValue) (*Event, error) {
	var item eventItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal webhook event: %w", err)
	}
	e := &Event{
		ID:                    item.ID,
		Provider:              item.Provider,
		TransactionID:         item.TransactionID,
		ProviderTransactionID: item.ProviderTransactionID,
		EventType:             item.EventType,
		Fingerprint:           item.Fingerprint,
		Payload:               item.Payload,
		Signature:             item.Signature,
		Verified:              item.Verified,
		Processed:             item.Processed,
		DeadLettered:          item.DeadLettered,
		RetryCount:            item.RetryCount,
		ErrorMessage:          item.ErrorMessage,
		Version:               item.Version,
		CreatedAt:             item.CreatedAt,
		UpdatedAt:             item.UpdatedAt,
		ProcessedAt:           item.ProcessedAt,
	}
	if item.NextRetryAt > 0 {
		t := time.Unix(item.NextRetryAt, 0).UTC()
		e.NextRetryAt = &t
	}
	return e, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
