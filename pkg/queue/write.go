package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// UpsertItem creates item if its email is not stored yet, otherwise
// replaces the stored item, keeping its created_at.
//
// The primary key is email alone, so a new status or offboarding_date moves
// the item within the status index in the same write. The put is
// conditional on the version read; a concurrent writer makes it fail with
// ErrConflict. When status, offboarding_date and snow_id are unchanged
// nothing is written and the stored item is returned.
func (s *Store) UpsertItem(ctx context.Context, item Item) (*WriteResult, error) {
	return s.upsert(ctx, item, nil)
}

// EnqueueItem queues item for its offboarding_date, or refreshes the
// offboarding_date and snow_id of the item already stored under its email.
//
// A stored item keeps its status unless it may move back to QUEUED, so a
// repeated request for an item that is in progress or done does not put it
// back on the queue.
func (s *Store) EnqueueItem(ctx context.Context, item Item) (*WriteResult, error) {
	item.Status = StatusQueued
	return s.upsert(ctx, item, func(existing, next Item) Item {
		if existing.Status != StatusQueued && !CanTransition(existing.Status, StatusQueued) {
			next.Status = existing.Status
		}
		return next
	})
}

// upsert creates item or replaces the stored one. merge, if not nil,
// decides what replaces an existing item.
func (s *Store) upsert(ctx context.Context, item Item, merge func(existing, next Item) Item) (*WriteResult, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.get(ctx, item.Email)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		item.Version = 0
		s.log.Debug("no existing item, creating", zap.String("email", item.Email))
		return s.put(ctx, item, expression.AttributeNotExists(expression.Name(EmailAttr)))
	}

	if merge != nil {
		item = merge(*existing, item)
	}

	if existing.sameContent(item) {
		s.log.Debug("nothing to update", zap.String("email", item.Email))
		return &WriteResult{StatusCode: 200, Item: *existing}, nil
	}

	if existing.indexChanged(item) {
		s.log.Info("item changes index placement",
			zap.String("email", item.Email),
			zap.String("from_status", string(existing.Status)),
			zap.String("to_status", string(item.Status)))
	}

	item.CreatedAt = existing.CreatedAt
	item.Version = existing.Version
	return s.put(ctx, item, versionMatches(existing.Version))
}

// MoveItem re-keys the item stored under oldEmail to item.Email, replacing
// its fields with item's and keeping its created_at.
//
// The delete of the old key and the put of the new one run in one
// transaction. The delete is conditional on the version read and the put on
// the new email being free. Failing either returns ErrConflict and leaves the
// table untouched.
func (s *Store) MoveItem(ctx context.Context, oldEmail string, item Item) (*WriteResult, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if oldEmail == item.Email {
		return s.UpsertItem(ctx, item)
	}

	existing, err := s.GetItem(ctx, oldEmail)
	if err != nil {
		return nil, err
	}

	item.CreatedAt = existing.CreatedAt
	item.Version = existing.Version
	item = s.stamp(item)

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("could not marshal db record: %w", err)
	}

	delExpr, err := expression.NewBuilder().WithCondition(versionMatches(existing.Version)).Build()
	if err != nil {
		return nil, fmt.Errorf("could not build delete condition: %w", err)
	}
	putExpr, err := expression.NewBuilder().WithCondition(expression.AttributeNotExists(expression.Name(EmailAttr))).Build()
	if err != nil {
		return nil, fmt.Errorf("could not build put condition: %w", err)
	}

	out, err := s.ddb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName:                 aws.String(s.table),
					Key:                       emailKey(oldEmail),
					ConditionExpression:       delExpr.Condition(),
					ExpressionAttributeNames:  delExpr.Names(),
					ExpressionAttributeValues: delExpr.Values(),
				},
			},
			{
				Put: &types.Put{
					TableName:                 aws.String(s.table),
					Item:                      av,
					ConditionExpression:       putExpr.Condition(),
					ExpressionAttributeNames:  putExpr.Names(),
					ExpressionAttributeValues: putExpr.Values(),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			reasons := tce.CancellationReasons
			if len(reasons) > 0 && aws.ToString(reasons[0].Code) == "ConditionalCheckFailed" {
				return nil, fmt.Errorf("%w: %s changed while moving: %w", ErrConflict, oldEmail, err)
			}
			if len(reasons) > 1 && aws.ToString(reasons[1].Code) == "ConditionalCheckFailed" {
				return nil, fmt.Errorf("%w: %s already exists: %w", ErrConflict, item.Email, err)
			}
		}
		return nil, fmt.Errorf("could not move item %s to %s: %w", oldEmail, item.Email, err)
	}

	s.log.Info("item moved", zap.String("from", oldEmail), zap.String("to", item.Email))
	return newWriteResult(out.ResultMetadata, item), nil
}

// Transition changes the status of the item stored under email from one
// state to another, failing with ErrConflict if it is not currently in
// from, and ErrNotFound if there is no such item.
func (s *Store) Transition(ctx context.Context, email string, from, to Status) (*Item, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email cannot be empty", ErrInvalidLookup)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	update := expression.
		Set(expression.Name(StatusAttr), expression.Value(string(to))).
		Set(expression.Name(UpdatedAtAttr), expression.Value(formatTimestamp(s.now()))).
		Add(expression.Name(VersionAttr), expression.Value(1))
	cond := expression.Name(StatusAttr).Equal(expression.Value(string(from)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("could not build update: %w", err)
	}

	out, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 emailKey(email),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if ccf.Item == nil {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
			}
			var current Item
			if err := attributevalue.UnmarshalMap(ccf.Item, &current); err != nil || current.Status == "" {
				return nil, fmt.Errorf("%w: %s is not %s", ErrConflict, email, from)
			}
			return nil, fmt.Errorf("%w: %s is %s, not %s", ErrConflict, email, current.Status, from)
		}
		return nil, fmt.Errorf("could not update db: %w", err)
	}

	var item Item
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("could not unmarshal item: %w", err)
	}

	s.log.Info("status changed", zap.String("email", email), zap.String("from", string(from)), zap.String("to", string(to)))
	return &item, nil
}

// ClaimForProcessing marks a queued item as in progress and returns it.
func (s *Store) ClaimForProcessing(ctx context.Context, email string) (*Item, error) {
	return s.Transition(ctx, email, StatusQueued, StatusInProgress)
}

// CanTransition reports whether an item may move from one status to
// another. Failed items may be queued again.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusError || to == StatusSuccess
	case StatusError:
		return to == StatusQueued
	}
	return false
}

func (s *Store) put(ctx context.Context, item Item, cond expression.ConditionBuilder) (*WriteResult, error) {
	item = s.stamp(item)

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("could not marshal db record: %w", err)
	}

	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("could not build condition: %w", err)
	}

	out, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, fmt.Errorf("%w: %s: %w", ErrConflict, item.Email, err)
		}
		return nil, fmt.Errorf("could not put to db: %w", err)
	}

	s.log.Info("item written",
		zap.String("email", item.Email),
		zap.String("status", string(item.Status)),
		zap.Int64("version", item.Version))
	return newWriteResult(out.ResultMetadata, item), nil
}

// versionMatches is true when the item exists and its stored version is v.
// Items written before versioning have no version attribute, which counts
// as zero.
func versionMatches(v int64) expression.ConditionBuilder {
	cond := expression.Name(VersionAttr).Equal(expression.Value(v))
	if v == 0 {
		cond = expression.AttributeNotExists(expression.Name(VersionAttr)).Or(cond)
	}
	return expression.AttributeExists(expression.Name(EmailAttr)).And(cond)
}

func emailKey(email string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		EmailAttr: &types.AttributeValueMemberS{Value: email},
	}
}
