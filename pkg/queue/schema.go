package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

const (
	batchWriteLimit = 25
	maxBackoff      = 2 * time.Second
)

// TableOptions tunes CreateTable.
type TableOptions struct {
	// Wait is how long to wait for the new table to become active. Zero
	// returns as soon as the create call is accepted.
	Wait time.Duration
	// PointInTimeRecovery enables continuous backups once the table is
	// active. It requires Wait.
	PointInTimeRecovery bool
}

// TableDefinition describes the queue table: email as the partition key and
// the status index over (status, offboarding_date), billed on demand.
func TableDefinition(table string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(EmailAttr), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(StatusAttr), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(OffboardingDateAttr), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(EmailAttr), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(StatusIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(StatusAttr), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(OffboardingDateAttr), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// CreateTable creates the queue table.
func (s *Store) CreateTable(ctx context.Context, opts TableOptions) error {
	if opts.PointInTimeRecovery && opts.Wait <= 0 {
		return errors.New("point in time recovery needs a wait duration")
	}

	if _, err := s.ddb.CreateTable(ctx, TableDefinition(s.table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	s.log.Info("table created", zap.String("table", s.table))

	if opts.Wait <= 0 {
		return nil
	}

	w := dynamodb.NewTableExistsWaiter(s.ddb)
	if err := w.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, opts.Wait); err != nil {
		return fmt.Errorf("table %s did not become active: %w", s.table, err)
	}

	if opts.PointInTimeRecovery {
		_, err := s.ddb.UpdateContinuousBackups(ctx, &dynamodb.UpdateContinuousBackupsInput{
			TableName: aws.String(s.table),
			PointInTimeRecoverySpecification: &types.PointInTimeRecoverySpecification{
				PointInTimeRecoveryEnabled: aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to enable point in time recovery on %s: %w", s.table, err)
		}
		s.log.Info("point in time recovery enabled", zap.String("table", s.table))
	}
	return nil
}

// Validate checks that the live table has the key schema and status index
// the store relies on, and reports whether point in time recovery is on.
func (s *Store) Validate(ctx context.Context) error {
	resp, err := s.ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return fmt.Errorf("table %s does not exist", s.table)
		}
		return fmt.Errorf("failed to describe table %s: %w", s.table, err)
	}

	t := resp.Table
	if t == nil {
		return fmt.Errorf("table %s has no description", s.table)
	}
	if t.TableStatus != types.TableStatusActive {
		return fmt.Errorf("table %s is not active (status: %s)", s.table, t.TableStatus)
	}
	if len(t.KeySchema) != 1 || aws.ToString(t.KeySchema[0].AttributeName) != EmailAttr {
		return fmt.Errorf("table %s must have a simple primary key on %s", s.table, EmailAttr)
	}

	if err := verifyIndex(t, StatusIndex, StatusAttr, OffboardingDateAttr); err != nil {
		return err
	}

	pitr, err := s.ddb.DescribeContinuousBackups(ctx, &dynamodb.DescribeContinuousBackupsInput{TableName: aws.String(s.table)})
	if err != nil {
		return fmt.Errorf("failed to describe backups of %s: %w", s.table, err)
	}
	if d := pitr.ContinuousBackupsDescription; d == nil || d.PointInTimeRecoveryDescription == nil ||
		d.PointInTimeRecoveryDescription.PointInTimeRecoveryStatus != types.PointInTimeRecoveryStatusEnabled {
		s.log.Warn("point in time recovery is not enabled", zap.String("table", s.table))
	}
	return nil
}

func verifyIndex(t *types.TableDescription, name, hashKey, rangeKey string) error {
	for _, gsi := range t.GlobalSecondaryIndexes {
		if aws.ToString(gsi.IndexName) != name {
			continue
		}
		var hash, rng string
		for _, k := range gsi.KeySchema {
			switch k.KeyType {
			case types.KeyTypeHash:
				hash = aws.ToString(k.AttributeName)
			case types.KeyTypeRange:
				rng = aws.ToString(k.AttributeName)
			}
		}
		if hash != hashKey || rng != rangeKey {
			return fmt.Errorf("index %s is keyed on (%s, %s), expected (%s, %s)", name, hash, rng, hashKey, rangeKey)
		}
		if gsi.Projection == nil || gsi.Projection.ProjectionType != types.ProjectionTypeAll {
			return fmt.Errorf("index %s must project all attributes", name)
		}
		return nil
	}
	return fmt.Errorf("table %s has no index %s", aws.ToString(t.TableName), name)
}

// DeleteAll removes every item from the table and returns how many were
// deleted. It is meant for development tables only.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	input := &dynamodb.ScanInput{
		TableName:            aws.String(s.table),
		ProjectionExpression: aws.String("#e"),
		ExpressionAttributeNames: map[string]string{
			"#e": EmailAttr,
		},
	}

	deleted := 0
	p := dynamodb.NewScanPaginator(s.ddb, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to scan table %s: %w", s.table, err)
		}

		for i := 0; i < len(page.Items); i += batchWriteLimit {
			end := min(i+batchWriteLimit, len(page.Items))

			reqs := make([]types.WriteRequest, 0, end-i)
			for _, item := range page.Items[i:end] {
				reqs = append(reqs, types.WriteRequest{
					DeleteRequest: &types.DeleteRequest{
						Key: map[string]types.AttributeValue{EmailAttr: item[EmailAttr]},
					},
				})
			}

			if err := s.batchWrite(ctx, reqs); err != nil {
				return deleted, err
			}
			deleted += len(reqs)
		}
	}

	s.log.Info("table emptied", zap.String("table", s.table), zap.Int("deleted", deleted))
	return deleted, nil
}

// batchWrite sends reqs, retrying unprocessed items with exponential backoff.
func (s *Store) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	const maxRetries = 5
	backoff := 50 * time.Millisecond

	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{s.table: reqs},
	}

	for attempt := 0; ; attempt++ {
		out, err := s.ddb.BatchWriteItem(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to batch write to table %s: %w", s.table, err)
		}
		if len(out.UnprocessedItems) == 0 {
			return nil
		}
		if attempt == maxRetries {
			return fmt.Errorf("%d unprocessed items after %d retries", len(out.UnprocessedItems[s.table]), maxRetries)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
		input.RequestItems = out.UnprocessedItems
	}
}
