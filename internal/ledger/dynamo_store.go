package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/DevnProgg/MyPay/internal/aws"
)

// ProviderRefIndex is the GSI on provider_ref ("<provider>#<provider transaction id>").
const ProviderRefIndex = "provider_ref-index"

// ProviderReceiptIndex is the GSI on provider_receipt_ref ("<provider>#<receipt>").
const ProviderReceiptIndex = "provider_receipt_ref-index"

// transactionItem is the item stored in the transactions table. Amounts are
// strings so no precision is lost to DynamoDB number handling on the way back.
type transactionItem struct {
	ID                    string                 `dynamodbav:"id"` // PK
	IdempotencyKey        string                 `dynamodbav:"idempotency_key"`
	Provider              string                 `dynamodbav:"provider"`
	ProviderTransactionID string                 `dynamodbav:"provider_transaction_id,omitempty"`
	ProviderRef           string                 `dynamodbav:"provider_ref,omitempty"` // GSI, sparse
	ProviderReceipt       string                 `dynamodbav:"provider_receipt,omitempty"`
	ProviderReceiptRef    string                 `dynamodbav:"provider_receipt_ref,omitempty"` // GSI, sparse
	Amount                string                 `dynamodbav:"amount"`
	Currency              string                 `dynamodbav:"currency"`
	Status                string                 `dynamodbav:"status"`
	ProviderResponse      map[string]interface{} `dynamodbav:"provider_response,omitempty"`
	Customer              map[string]interface{} `dynamodbav:"customer,omitempty"`
	Metadata              map[string]interface{} `dynamodbav:"metadata,omitempty"`
	Refund                *refundItem            `dynamodbav:"refund,omitempty"`
	CreatedAt             time.Time              `dynamodbav:"created_at"`
	UpdatedAt             time.Time              `dynamodbav:"updated_at"`
	CompletedAt           *time.Time             `dynamodbav:"completed_at,omitempty"`
}

type refundItem struct {
	RefundID    string    `dynamodbav:"refund_id"`
	Amount      string    `dynamodbav:"amount"`
	Reason      string    `dynamodbav:"reason,omitempty"`
	Status      string    `dynamodbav:"status"`
	RequestedAt time.Time `dynamodbav:"requested_at"`
}

// keyMarker reserves an idempotency key in the keys table.
type keyMarker struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	TransactionID  string    `dynamodbav:"transaction_id"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
}

// DynamoStore keeps the ledger in DynamoDB.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	keysTable string
}

// NewDynamoStore creates a store over the transactions table and its idempotency key table.
func NewDynamoStore(client aws.DynamoDBAPI, tableName, keysTable string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, keysTable: keysTable}
}

// Create atomically writes the key marker and the transaction. When the marker
// already exists the transaction holding the key is returned instead.
func (s *DynamoStore) Create(ctx context.Context, tx *Transaction) (bool, *Transaction, error) {
	markerMap, err := attributevalue.MarshalMap(keyMarker{
		IdempotencyKey: tx.IdempotencyKey,
		TransactionID:  tx.ID,
		CreatedAt:      tx.CreatedAt,
	})
	if err != nil {
		return false, nil, fmt.Errorf("marshal key marker: %w", err)
	}
	txMap, err := attributevalue.MarshalMap(toItem(tx))
	if err != nil {
		return false, nil, fmt.Errorf("marshal transaction: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.keysTable,
					Item:                markerMap,
					ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                txMap,
					ConditionExpression: awsString("attribute_not_exists(id)"),
				},
			},
		},
	})
	if err == nil {
		return true, nil, nil
	}

	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false, nil, fmt.Errorf("transact write: %w", err)
	}
	existing, gerr := s.GetByIdempotencyKey(ctx, tx.IdempotencyKey)
	if gerr != nil {
		return false, nil, gerr
	}
	if existing == nil {
		return false, nil, fmt.Errorf("transaction canceled but no transaction holds key %q: %w", tx.IdempotencyKey, err)
	}
	return false, existing, nil
}

// Get fetches a transaction by id. Returns (nil, nil) if not found.
func (s *DynamoStore) Get(ctx context.Context, id string) (*Transaction, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decodeItem(out.Item)
}

func (s *DynamoStore) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.keysTable,
		Key:            map[string]types.AttributeValue{"idempotency_key": &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get key marker: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var m keyMarker
	if err := attributevalue.UnmarshalMap(out.Item, &m); err != nil {
		return nil, fmt.Errorf("unmarshal key marker: %w", err)
	}
	return s.Get(ctx, m.TransactionID)
}

// GetByProviderTransactionID queries the sparse provider_ref index, then the
// receipt index. GSI reads are eventually consistent; a miss is retried by the
// webhook schedule.
func (s *DynamoStore) GetByProviderTransactionID(ctx context.Context, provider, providerTxID string) (*Transaction, error) {
	ref := providerRef(provider, providerTxID)
	tx, err := s.queryRef(ctx, ProviderRefIndex, "provider_ref", ref)
	if err != nil || tx != nil {
		return tx, err
	}
	return s.queryRef(ctx, ProviderReceiptIndex, "provider_receipt_ref", ref)
}

func (s *DynamoStore) queryRef(ctx context.Context, index, attr, ref string) (*Transaction, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(index),
		KeyConditionExpression: awsString(attr + " = :ref"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref": &types.AttributeValueMemberS{Value: ref},
		},
		Limit: awsInt32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", index, err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	return decodeItem(out.Items[0])
}

// Update replaces the item if its stored status still equals expected.
func (s *DynamoStore) Update(ctx context.Context, tx *Transaction, expected Status) error {
	item, err := attributevalue.MarshalMap(toItem(tx))
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                &s.tableName,
		Item:                     item,
		ConditionExpression:      awsString("#s = :expected"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// List scans the table. Intended for operator views, not hot paths.
func (s *DynamoStore) List(ctx context.Context, f Filter) ([]Transaction, error) {
	out := make([]Transaction, 0)
	var startKey map[string]types.AttributeValue
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:         &s.tableName,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for _, item := range page.Items {
			tx, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			if f.matches(tx) {
				out = append(out, *tx)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func toItem(tx *Transaction) transactionItem {
	item := transactionItem{
		ID:                    tx.ID,
		IdempotencyKey:        tx.IdempotencyKey,
		Provider:              tx.Provider,
		ProviderTransactionID: tx.ProviderTransactionID,
		ProviderReceipt:       tx.ProviderReceipt,
		Amount:                tx.Amount.String(),
		Currency:              tx.Currency,
		Status:                string(tx.Status),
		ProviderResponse:      tx.ProviderResponse,
		Customer:              tx.Customer,
		Metadata:              tx.Metadata,
		CreatedAt:             tx.CreatedAt,
		UpdatedAt:             tx.UpdatedAt,
		CompletedAt:           tx.CompletedAt,
	}
	if tx.ProviderTransactionID != "" {
		item.ProviderRef = providerRef(tx.Provider, tx.ProviderTransactionID)
	}
	if tx.ProviderReceipt != "" {
		item.ProviderReceiptRef = providerRef(tx.Provider, tx.ProviderReceipt)
	}
	if tx.Refund != nil {
		item.Refund = &refundItem{
			RefundID:    tx.Refund.RefundID,
			Amount:      tx.Refund.Amount.String(),
			Reason:      tx.Refund.Reason,
			Status:      tx.Refund.Status,
			RequestedAt: tx.Refund.RequestedAt,
		}
	}
	return item
}

func decodeItem(av map[string]types.AttributeValue) (*Transaction, error) {
	var item transactionItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	amount, err := decimal.NewFromString(item.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s amount %q: %w", item.ID, item.Amount, err)
	}
	tx := &Transaction{
		ID:                    item.ID,
		IdempotencyKey:        item.IdempotencyKey,
		Provider:              item.Provider,
		ProviderTransactionID: item.ProviderTransactionID,
		ProviderReceipt:       item.ProviderReceipt,
		Amount:                amount,
		Currency:              item.Currency,
		Status:                Status(item.Status),
		ProviderResponse:      item.ProviderResponse,
		Customer:              item.Customer,
		Metadata:              item.Metadata,
		CreatedAt:             item.CreatedAt,
		UpdatedAt:             item.UpdatedAt,
		CompletedAt:           item.CompletedAt,
	}
	if item.Refund != nil {
		ra, err := decimal.NewFromString(item.Refund.Amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %s refund amount %q: %w", item.ID, item.Refund.Amount, err)
		}
		tx.Refund = &Refund{
			RefundID:    item.Refund.RefundID,
			Amount:      ra,
			Reason:      item.Refund.Reason,
			Status:      item.Refund.Status,
			RequestedAt: item.Refund.RequestedAt,
		}
	}
	return tx, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(n int32) *int32    { return &n }
