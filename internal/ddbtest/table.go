// Package ddbtest provides an in-memory DynamoDB table for tests. It
// understands the condition, key condition and update expressions produced
// by the SDK's expression builder, which is enough to exercise a data access
// layer without a network.
package ddbtest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrNotSupported is returned by control plane calls.
var ErrNotSupported = errors.New("ddbtest: operation not supported")

// Index is a global secondary index over two string attributes.
type Index struct {
	HashKey  string
	RangeKey string
}

// Table is a single DynamoDB table keyed by one string attribute. It is
// safe for concurrent use.
type Table struct {
	// PageSize, if positive, limits Query and Scan pages to force
	// pagination.
	PageSize int

	mu      sync.Mutex
	hashKey string
	indexes map[string]Index
	items   map[string]map[string]types.AttributeValue
	fail    map[string]error
}

// NewTable returns an empty table with the given partition key and indexes.
func NewTable(hashKey string, indexes map[string]Index) *Table {
	return &Table{
		hashKey: hashKey,
		indexes: indexes,
		items:   map[string]map[string]types.AttributeValue{},
		fail:    map[string]error{},
	}
}

// FailOn makes every later call to op (e.g. "PutItem") return err.
func (t *Table) FailOn(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail[op] = err
}

// Len returns the number of stored items.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Raw returns a copy of the item stored under key, or nil.
func (t *Table) Raw(key string) map[string]types.AttributeValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it, ok := t.items[key]; ok {
		return maps.Clone(it)
	}
	return nil
}

// Put stores item as is, bypassing conditions.
func (t *Table) Put(item map[string]types.AttributeValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k, err := t.keyOf(item)
	if err != nil {
		return err
	}
	t.items[k] = maps.Clone(item)
	return nil
}

func (t *Table) injected(op string) error {
	return t.fail[op]
}

func (t *Table) keyOf(m map[string]types.AttributeValue) (string, error) {
	s, ok := m[t.hashKey].(*types.AttributeValueMemberS)
	if !ok || s.Value == "" {
		return "", fmt.Errorf("ddbtest: missing string key attribute %s", t.hashKey)
	}
	return s.Value, nil
}

func (t *Table) checkCondition(cond *string, names map[string]string, values map[string]types.AttributeValue, current map[string]types.AttributeValue) (bool, error) {
	return evaluator{names: names, values: values, item: current}.match(aws.ToString(cond))
}

// GetItem implements the DynamoDB GetItem call.
func (t *Table) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected("GetItem"); err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.GetItemOutput{}
	if it, ok := t.items[k]; ok {
		out.Item = maps.Clone(it)
	}
	return out, nil
}

// PutItem implements the DynamoDB PutItem call.
func (t *Table) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected("PutItem"); err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := t.checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	t.items[k] = maps.Clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements the DynamoDB UpdateItem call. ReturnValues other
// than ALL_NEW are treated as NONE.
func (t *Table) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected("UpdateItem"); err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	current, exists := t.items[k]

	ok, err := t.checkCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		ccf := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		if exists && in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = maps.Clone(current)
		}
		return nil, ccf
	}

	next := maps.Clone(current)
	if next == nil {
		next = maps.Clone(in.Key)
	}
	ev := evaluator{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues, item: next}
	if err := ev.applyUpdate(aws.ToString(in.UpdateExpression)); err != nil {
		return nil, err
	}
	t.items[k] = next

	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = maps.Clone(next)
	}
	return out, nil
}

// Query implements the DynamoDB Query call against the table or one of its
// indexes. Results are ordered by the range key, then the partition key.
func (t *Table) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected("Query"); err != nil {
		return nil, err
	}

	var required []string
	rangeKey := ""
	if name := aws.ToString(in.IndexName); name != "" {
		idx, ok := t.indexes[name]
		if !ok {
			return nil, &types.ResourceNotFoundException{Message: aws.String("index " + name + " not found")}
		}
		required = []string{idx.HashKey, idx.RangeKey}
		rangeKey = idx.RangeKey
	}

	var matched []map[string]types.AttributeValue
	for _, it := range t.items {
		if !hasAll(it, required) {
			continue
		}
		ok, err := evaluator{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues, item: it}.match(aws.ToString(in.KeyConditionExpression))
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, maps.Clone(it))
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if rangeKey != "" {
			if c, _ := compare(matched[i][rangeKey], matched[j][rangeKey]); c != 0 {
				return c < 0
			}
		}
		a, _ := t.keyOf(matched[i])
		b, _ := t.keyOf(matched[j])
		return a < b
	})

	page, last := t.page(matched, in.ExclusiveStartKey)
	return &dynamodb.QueryOutput{Items: page, Count: int32(len(page)), LastEvaluatedKey: last}, nil
}

// Scan implements the DynamoDB Scan call. Projection is ignored.
func (t *Table) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected("Scan"); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	all := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		all = append(all, maps.Clone(t.items[k]))
	}

	page, last := t.page(all, in.ExclusiveStartKey)
	return &dynamodb.ScanOutput{Items: page, Count: int32(len(page)), LastEvaluatedKey: last}, nil
}

// page cuts one page out of sorted items, starting after start.
func (t *Table) page(items []map[string]types.AttributeValue, start map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	if start != nil {
		sk, _ := t.keyOf(start)
		for i, it := range items {
			if k, _ := t.keyOf(it); k == sk {
				items = items[i+1:]
				break
			}
		}
	}
	if t.PageSize <= 0 || len(items) <= t.PageSize {
		return items, nil
	}
	page := items[:t.PageSize]
	k, _ := t.keyOf(page[len(page)-1])
	return page, map[string]types.AttributeValue{t.hashKey: &types.AttributeValueMemberS{Value: k}}
}

// BatchWriteItem implements the DynamoDB BatchWriteItem call. Every request
// is processed.
func (t *Table) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected("BatchWriteItem"); err != nil {
		return nil, err
	}
	for _, reqs := range in.RequestItems {
		for _, r := range reqs {
			switch {
			case r.PutRequest != nil:
				k, err := t.keyOf(r.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				t.items[k] = maps.Clone(r.PutRequest.Item)
			case r.DeleteRequest != nil:
				k, err := t.keyOf(r.DeleteRequest.Key)
				if err != nil {
					return nil, err
				}
				delete(t.items, k)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

// TransactWriteItems implements the DynamoDB TransactWriteItems call for
// Put, Delete and ConditionCheck actions. Either every action applies or
// none does.
func (t *Table) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.injected("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		var (
			key    map[string]types.AttributeValue
			cond   *string
			names  map[string]string
			values map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			key, cond, names, values = ti.Put.Item, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Delete != nil:
			key, cond, names, values = ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		case ti.ConditionCheck != nil:
			key, cond, names, values = ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, ErrNotSupported
		}
		k, err := t.keyOf(key)
		if err != nil {
			return nil, err
		}
		ok, err := t.checkCondition(cond, names, values, t.items[k])
		if err != nil {
			return nil, err
		}
		reasons[i].Code = aws.String("None")
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			k, _ := t.keyOf(ti.Put.Item)
			t.items[k] = maps.Clone(ti.Put.Item)
		case ti.Delete != nil:
			k, _ := t.keyOf(ti.Delete.Key)
			delete(t.items, k)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// CreateTable is not supported.
func (t *Table) CreateTable(context.Context, *dynamodb.CreateTableInput, ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	return nil, ErrNotSupported
}

// DescribeTable is not supported.
func (t *Table) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return nil, ErrNotSupported
}

// UpdateContinuousBackups is not supported.
func (t *Table) UpdateContinuousBackups(context.Context, *dynamodb.UpdateContinuousBackupsInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateContinuousBackupsOutput, error) {
	return nil, ErrNotSupported
}

// DescribeContinuousBackups is not supported.
func (t *Table) DescribeContinuousBackups(context.Context, *dynamodb.DescribeContinuousBackupsInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeContinuousBackupsOutput, error) {
	return nil, ErrNotSupported
}

func hasAll(item map[string]types.AttributeValue, attrs []string) bool {
	for _, a := range attrs {
		if _, ok := item[a]; !ok {
			return false
		}
	}
	return true
}

// N formats an integer attribute value.
func N(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// S formats a string attribute value.
func S(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}
