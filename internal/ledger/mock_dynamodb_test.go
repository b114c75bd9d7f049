package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo stores items per table in a nested map: table -> pk -> item.
// It evaluates only the condition expressions DynamoStore sends.
type mockDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) ensureTable(tbl string) map[string]map[string]types.AttributeValue {
	if _, ok := m.tables[tbl]; !ok {
		m.tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
	return m.tables[tbl]
}

func primaryKey(item map[string]types.AttributeValue) (string, error) {
	for _, name := range []string{"id", "idempotency_key"} {
		if v, ok := item[name].(*types.AttributeValueMemberS); ok {
			return v.Value, nil
		}
	}
	return "", errors.New("no primary key in item")
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// conditionHolds is called with m.mu held.
func (m *mockDynamo) conditionHolds(table, pk string, cond *string, values map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	existing, exists := m.ensureTable(table)[pk]
	switch *cond {
	case "attribute_not_exists(idempotency_key)", "attribute_not_exists(id)":
		return !exists
	case "#s = :expected":
		return exists && stringAttr(existing, "status") == values[":expected"].(*types.AttributeValueMemberS).Value
	}
	return true
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := primaryKey(params.Item)
	if err != nil {
		return nil, err
	}
	if !m.conditionHolds(*params.TableName, pk, params.ConditionExpression, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	m.ensureTable(*params.TableName)[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := primaryKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.ensureTable(*params.TableName)[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	return nil, errors.New("not used")
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := primaryKey(params.Key)
	if err != nil {
		return nil, err
	}
	delete(m.ensureTable(*params.TableName), pk)
	return &dyn.DeleteItemOutput{}, nil
}

// TransactWriteItems applies every Put or none of them.
func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ti := range params.TransactItems {
		if ti.Put == nil {
			continue
		}
		pk, err := primaryKey(ti.Put.Item)
		if err != nil {
			return nil, err
		}
		if !m.conditionHolds(*ti.Put.TableName, pk, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeValues) {
			return nil, &types.TransactionCanceledException{Message: awsString("conditional check failed")}
		}
	}
	for _, ti := range params.TransactItems {
		if ti.Put == nil {
			continue
		}
		pk, _ := primaryKey(ti.Put.Item)
		m.ensureTable(*ti.Put.TableName)[pk] = ti.Put.Item
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// Query supports the provider_ref and provider_receipt_ref indexes.
func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attr := "provider_ref"
	if params.IndexName != nil && *params.IndexName == ProviderReceiptIndex {
		attr = "provider_receipt_ref"
	}
	ref := params.ExpressionAttributeValues[":ref"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range m.ensureTable(*params.TableName) {
		if stringAttr(item, attr) == ref {
			items = append(items, item)
		}
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

// Scan returns one item per page to exercise pagination.
func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.ensureTable(*params.TableName)
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if params.ExclusiveStartKey != nil {
		last, _ := primaryKey(params.ExclusiveStartKey)
		start = sort.SearchStrings(keys, last) + 1
	}
	if start >= len(keys) {
		return &dyn.ScanOutput{}, nil
	}
	out := &dyn.ScanOutput{Items: []map[string]types.AttributeValue{table[keys[start]]}}
	if start+1 < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: keys[start]}}
	}
	return out, nil
}
