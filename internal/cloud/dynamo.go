package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"lumibot-session/internal/deviceid"
)

// userDocID is the sort key of the per-user scalar row.
const userDocID = "#user"

// api is the slice of the DynamoDB client the adapter uses; tests
// substitute a fake.
type api interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements Store on a single DynamoDB table keyed by
// (userId, docId). Device rows use the normalized device ID as docId;
// the user row uses "#user".
type DynamoStore struct {
	client       api
	table        string
	logger       *slog.Logger
	pollInterval time.Duration
}

// DynamoOption configures a DynamoStore.
type DynamoOption func(*DynamoStore)

// WithPollInterval tunes how often subscriptions re-read their documents.
func WithPollInterval(d time.Duration) DynamoOption {
	return func(s *DynamoStore) { s.pollInterval = d }
}

// NewDynamoStore builds a store using the default AWS credential chain.
func NewDynamoStore(ctx context.Context, table string, logger *slog.Logger, opts ...DynamoOption) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newDynamoStore(dynamodb.NewFromConfig(cfg), table, logger, opts...), nil
}

func newDynamoStore(client api, table string, logger *slog.Logger, opts ...DynamoOption) *DynamoStore {
	s := &DynamoStore{
		client:       client,
		table:        table,
		logger:       logger.With("component", "cloud"),
		pollInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// row is the raw table shape: the composite key plus the document body.
type row struct {
	UserID string `dynamodbav:"userId"`
	DocID  string `dynamodbav:"docId"`
	Document
}

// userRow is the per-user scalar row.
type userRow struct {
	UserID      string   `dynamodbav:"userId"`
	DocID       string   `dynamodbav:"docId"`
	DeviceOrder []string `dynamodbav:"deviceOrder,omitempty"`
}

func (s *DynamoStore) key(userID, docID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: userID},
		"docId":  &types.AttributeValueMemberS{Value: docID},
	}
}

// ListDevices returns every device document for the user, newest first.
// Rows whose key fails normalization are skipped; rows whose key
// normalizes to a different value are returned under the normalized ID
// without rewriting the stored document.
func (s *DynamoStore) ListDevices(ctx context.Context, userID string) ([]Document, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}

	var rows []row
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal devices: %w", err)
	}

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		if r.DocID == userDocID {
			continue
		}
		id, err := deviceid.Normalize(r.DocID)
		if err != nil {
			s.logger.Warn("skipping roster row with invalid id", "docId", r.DocID)
			continue
		}
		if id != r.DocID {
			s.logger.Warn("roster row key not canonical", "docId", r.DocID, "normalized", id)
		}
		doc := r.Document
		doc.ID = id
		docs = append(docs, doc)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].AddedAt > docs[j].AddedAt
	})
	return docs, nil
}

func (s *DynamoStore) GetDevice(ctx context.Context, userID, id string) (*Document, error) {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(userID, norm),
	})
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", norm, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("device %s: %w", norm, ErrNotFound)
	}
	var r row
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal device %s: %w", norm, err)
	}
	doc := r.Document
	doc.ID = norm
	return &doc, nil
}

func (s *DynamoStore) AddDevice(ctx context.Context, userID string, doc Document) error {
	norm, err := deviceid.Normalize(doc.ID)
	if err != nil {
		return err
	}
	doc.ID = norm
	item, err := attributevalue.MarshalMap(row{UserID: userID, DocID: norm, Document: doc})
	if err != nil {
		return fmt.Errorf("marshal device %s: %w", norm, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put device %s: %w", norm, err)
	}
	return nil
}

// RemoveDevice deletes the document and re-reads it: removal counts only
// once the follow-up read confirms absence.
func (s *DynamoStore) RemoveDevice(ctx context.Context, userID, id string) error {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(userID, norm),
	}); err != nil {
		return fmt.Errorf("delete device %s: %w", norm, err)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(userID, norm),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("verify removal of %s: %w", norm, err)
	}
	if out.Item != nil {
		return fmt.Errorf("device %s still present after delete", norm)
	}
	return nil
}

// UpdateDevice upserts: each patch key is SET on the document, creating
// it when absent and leaving unspecified attributes alone. The id
// attribute is always (re)written so upserted documents stay addressable.
func (s *DynamoStore) UpdateDevice(ctx context.Context, userID, id string, patch map[string]any) error {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}

	keys := make([]string, 0, len(patch)+1)
	for k := range patch {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	keys = append(keys, "id")

	expr := "SET "
	names := make(map[string]string, len(keys))
	values := make(map[string]types.AttributeValue, len(keys))
	for i, k := range keys {
		v := patch[k]
		if k == "id" {
			v = norm
		}
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal patch key %q: %w", k, err)
		}
		if i > 0 {
			expr += ", "
		}
		expr += fmt.Sprintf("#n%d = :v%d", i, i)
		names[fmt.Sprintf("#n%d", i)] = k
		values[fmt.Sprintf(":v%d", i)] = av
	}

	if _, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(userID, norm),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}); err != nil {
		return fmt.Errorf("update device %s: %w", norm, err)
	}
	return nil
}

func (s *DynamoStore) SaveDeviceOrder(ctx context.Context, userID string, order []string) error {
	normalized := make([]string, 0, len(order))
	for _, raw := range order {
		id, err := deviceid.Normalize(raw)
		if err != nil {
			s.logger.Warn("dropping invalid id from device order", "id", raw)
			continue
		}
		normalized = append(normalized, id)
	}
	av, err := attributevalue.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("marshal device order: %w", err)
	}
	if _, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(userID, userDocID),
		UpdateExpression: aws.String("SET deviceOrder = :order"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":order": av,
		},
	}); err != nil {
		return fmt.Errorf("save device order: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetDeviceOrder(ctx context.Context, userID string) ([]string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(userID, userDocID),
	})
	if err != nil {
		return nil, fmt.Errorf("get device order: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var r userRow
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal device order: %w", err)
	}
	order := make([]string, 0, len(r.DeviceOrder))
	for _, raw := range r.DeviceOrder {
		if id, err := deviceid.Normalize(raw); err == nil {
			order = append(order, id)
		}
	}
	return order, nil
}
