// Package queue reads and writes the offboarding queue table in DynamoDB.
//
// The table is keyed by email. A global secondary index named "status"
// (partition key status, sort key offboarding_date) answers "what is queued
// for this day" style questions. Items are addressed with a Lookup:
// PrimaryKeyLookup for a single email, IndexLookup for the index.
package queue

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"
)

// Attribute and index names of the queue table.
const (
	EmailAttr           = "email"
	StatusAttr          = "status"
	OffboardingDateAttr = "offboarding_date"
	SnowIDAttr          = "snow_id"
	CreatedAtAttr       = "created_at"
	UpdatedAtAttr       = "updated_at"
	VersionAttr         = "version"

	// StatusIndex is the GSI over (status, offboarding_date).
	StatusIndex = "status"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	UpdateContinuousBackups(ctx context.Context, params *dynamodb.UpdateContinuousBackupsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateContinuousBackupsOutput, error)
	DescribeContinuousBackups(ctx context.Context, params *dynamodb.DescribeContinuousBackupsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeContinuousBackupsOutput, error)
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for timestamps and "today".
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLocation sets the calendar used to work out today's date.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		s.loc = loc
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Store is the data access layer for one queue table. It holds no state
// between calls and is safe for concurrent use.
type Store struct {
	ddb   API
	table string
	now   func() time.Time
	loc   *time.Location
	log   *zap.Logger
}

// New returns a Store for table. Without WithLocation, today's date is
// computed in DefaultTimeZone, or UTC if the zone database is unavailable.
func New(api API, table string, opts ...Option) *Store {
	s := &Store{
		ddb:   api,
		table: table,
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.loc == nil {
		loc, err := LoadLocation(DefaultTimeZone)
		if err != nil {
			s.log.Warn("could not load default time zone, using UTC", zap.Error(err))
			loc = time.UTC
		}
		s.loc = loc
	}
	return s
}

// Table returns the name of the table the store writes to.
func (s *Store) Table() string {
	return s.table
}

// Today returns today's date in the store's calendar.
func (s *Store) Today() string {
	return TodaysDate(s.now(), s.loc)
}

// WriteResult is DynamoDB's acknowledgment of a write.
type WriteResult struct {
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
	Item       Item   `json:"item"`
}

func newWriteResult(md middleware.Metadata, item Item) *WriteResult {
	res := &WriteResult{StatusCode: http.StatusOK, Item: item}
	if raw, ok := awsmiddleware.GetRawResponse(md).(*smithyhttp.Response); ok && raw != nil && raw.Response != nil {
		res.StatusCode = raw.StatusCode
	}
	if id, ok := awsmiddleware.GetRequestIDMetadata(md); ok {
		res.RequestID = id
	}
	return res
}

// stamp layers the caller's item over a default created_at and always sets
// a fresh updated_at.
func (s *Store) stamp(item Item) Item {
	now := formatTimestamp(s.now())
	if item.CreatedAt == "" {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Version++
	return item
}

// AddItem writes item unconditionally, replacing the fields of whatever is
// stored under its email. created_at defaults to now unless item carries
// one; updated_at is always now.
//
// The stored version is incremented by DynamoDB rather than taken from item,
// so it never goes backwards and conditional writes racing with AddItem still
// see the change.
func (s *Store) AddItem(ctx context.Context, item Item) (*WriteResult, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}

	now := formatTimestamp(s.now())
	if item.CreatedAt == "" {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	update := expression.
		Set(expression.Name(StatusAttr), expression.Value(string(item.Status))).
		Set(expression.Name(OffboardingDateAttr), expression.Value(item.OffboardingDate)).
		Set(expression.Name(SnowIDAttr), expression.Value(item.SnowID)).
		Set(expression.Name(CreatedAtAttr), expression.Value(item.CreatedAt)).
		Set(expression.Name(UpdatedAtAttr), expression.Value(item.UpdatedAt)).
		Add(expression.Name(VersionAttr), expression.Value(1))

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return nil, fmt.Errorf("could not build update: %w", err)
	}

	out, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       emailKey(item.Email),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, fmt.Errorf("could not put to db: %w", err)
	}

	var stored Item
	if err := attributevalue.UnmarshalMap(out.Attributes, &stored); err != nil {
		return nil, fmt.Errorf("could not unmarshal item: %w", err)
	}

	s.log.Info("item written",
		zap.String("email", stored.Email),
		zap.String("status", string(stored.Status)),
		zap.Int64("version", stored.Version))
	return newWriteResult(out.ResultMetadata, stored), nil
}

// QueryByKey returns the items addressed by l. A PrimaryKeyLookup yields at
// most one item. An IndexLookup yields every match across all pages, sorted
// by offboarding_date then email.
func (s *Store) QueryByKey(ctx context.Context, l Lookup) ([]Item, error) {
	switch k := l.(type) {
	case PrimaryKeyLookup:
		item, err := s.get(ctx, k.Email)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return []Item{}, nil
		}
		return []Item{*item}, nil
	case IndexLookup:
		return s.queryIndex(ctx, k)
	case nil:
		return nil, fmt.Errorf("%w: lookup cannot be nil", ErrInvalidLookup)
	default:
		return nil, fmt.Errorf("%w: unsupported lookup %T", ErrInvalidLookup, l)
	}
}

// GetItem returns the item stored under email, or ErrNotFound.
func (s *Store) GetItem(ctx context.Context, email string) (*Item, error) {
	item, err := s.get(ctx, email)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return item, nil
}

// GetQueueForDate returns the QUEUED items whose offboarding_date is date.
// An empty date means today in the store's calendar.
func (s *Store) GetQueueForDate(ctx context.Context, date string) ([]Item, error) {
	if date == "" {
		date = s.Today()
	}
	return s.queryIndex(ctx, IndexLookup{
		Status:          StatusQueued,
		OffboardingDate: date,
		Comparison:      Equal,
	})
}

// get returns nil, nil when there is no item for email.
func (s *Store) get(ctx context.Context, email string) (*Item, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email cannot be empty", ErrInvalidLookup)
	}

	s.log.Debug("looking up item", zap.String("email", email))

	resp, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            emailKey(email),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("could not get item: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}

	var item Item
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return nil, fmt.Errorf("could not unmarshal item: %w", err)
	}
	return &item, nil
}

func (s *Store) queryIndex(ctx context.Context, l IndexLookup) ([]Item, error) {
	cond, err := l.keyCondition()
	if err != nil {
		return nil, err
	}
	expr, err := expression.NewBuilder().WithKeyCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("could not build key condition: %w", err)
	}

	s.log.Debug("querying status index",
		zap.String("status", string(l.Status)),
		zap.String("offboarding_date", l.OffboardingDate),
		zap.String("comparison", string(l.Comparison)))

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(StatusIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	items := []Item{}
	p := dynamodb.NewQueryPaginator(s.ddb, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not query index %s: %w", StatusIndex, err)
		}
		var batch []Item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("could not unmarshal items: %w", err)
		}
		items = append(items, batch...)
	}

	slices.SortStableFunc(items, func(a, b Item) int {
		if c := cmp.Compare(a.OffboardingDate, b.OffboardingDate); c != 0 {
			return c
		}
		return cmp.Compare(a.Email, b.Email)
	})
	return items, nil
}
