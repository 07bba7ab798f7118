package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	record "github.com/mesaya/payment-service/internal/core/datamodel/idempotency"
	"github.com/mesaya/payment-service/internal/idempotency"
)

const (
	attrKey       = "idempotency_key"
	attrExpiresAt = "expires_at"
)

// API is the subset of the DynamoDB client the store calls.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// item layout. Table requirements:
//   - PK: idempotency_key (string)
//   - TTL attribute: expires_at (number, unix seconds)
type item struct {
	Key       string `dynamodbav:"idempotency_key"`
	State     string `dynamodbav:"state"`
	Result    []byte `dynamodbav:"result,omitempty"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	CreatedAt string `dynamodbav:"created_at"`
}

type Store struct {
	ddb   API
	table string
}

func NewStore(ddb API, table string) *Store {
	return &Store{ddb: ddb, table: table}
}

func (s *Store) keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) Reserve(ctx context.Context, key string, ttl time.Duration) (*idempotency.Reservation, error) {
	now := time.Now().UTC()
	it := item{
		Key:       key,
		State:     record.StateInProgress,
		ExpiresAt: now.Add(ttl).Unix(),
		CreatedAt: now.Format(time.RFC3339Nano),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return nil, err
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#k) OR #exp <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#k":   attrKey,
			"#exp": attrExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err == nil {
		return &idempotency.Reservation{Acquired: true, Record: toRecord(it)}, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	rec, err := s.Get(ctx, key)
	if errors.Is(err, idempotency.ErrNotFound) {
		// deleted between the put and the read; report as in progress so the caller retries
		return &idempotency.Reservation{Acquired: false, Record: &record.Record{Key: key, State: record.StateInProgress}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &idempotency.Reservation{Acquired: false, Record: rec}, nil
}

func (s *Store) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	av, err := attributevalue.MarshalMap(item{
		Key:       key,
		State:     record.StateCompleted,
		Result:    result,
		ExpiresAt: now.Add(ttl).Unix(),
		CreatedAt: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.keyOf(key),
		ConditionExpression: aws.String("#state = :inprogress"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: record.StateInProgress},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &ccf) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*record.Record, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, idempotency.ErrNotFound
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, err
	}
	// DynamoDB TTL deletes lazily
	if it.ExpiresAt <= time.Now().Unix() {
		return nil, idempotency.ErrNotFound
	}
	return toRecord(it), nil
}

func toRecord(it item) *record.Record {
	created, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	return &record.Record{
		Key:       it.Key,
		State:     it.State,
		Result:    it.Result,
		ExpiresAt: time.Unix(it.ExpiresAt, 0).UTC(),
		CreatedAt: created,
		UpdatedAt: created,
	}
}
