package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"formbot/internal/domain"
)

const (
	skState           = "STATE"
	skPrefixArchive   = "ARCHIVE#"
	defaultTTL        = 30 * 24 * time.Hour
	conditionNew      = "attribute_not_exists(PK)"
	conditionVersion  = "version = :expected"
	conditionFailedTx = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps one STATE item per session. Terminal sessions are also
// copied to an ARCHIVE# item in the same transaction, so a later fresh
// session can replace STATE without losing the finished pass. Items expire
// through the table's native TTL on the ttl attribute.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
}

// NewDynamoStore creates a session store on tableName. A non-positive ttl
// selects the 30 day default.
func NewDynamoStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &DynamoStore{api: api, tableName: tableName, ttl: ttl}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(id string) string {
	return "SESSION#" + id
}

func archiveSK(s *domain.Session) string {
	return skPrefixArchive + s.CreatedAt.UTC().Format(time.RFC3339Nano)
}

func (c *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

// Load reads the current session. It returns nil when none is stored.
func (c *DynamoStore) Load(ctx context.Context, id string) (*domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: Load decode: %w", err)
	}
	return s, nil
}

// Save writes s if the stored version equals expectedVersion.
func (c *DynamoStore) Save(ctx context.Context, s *domain.Session, expectedVersion int64) error {
	if s == nil || s.ID == "" {
		return errors.New("repository: Save: session ID is required")
	}
	next := *s
	next.Version = expectedVersion + 1
	item := c.sessionItem(&next, skState)

	put := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      item,
	}
	if expectedVersion == 0 {
		put.ConditionExpression = aws.String(conditionNew)
	} else {
		put.ConditionExpression = aws.String(conditionVersion)
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}
	}

	var err error
	if s.State.Terminal() {
		_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: put},
				{Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      c.sessionItem(&next, archiveSK(&next)),
				}},
			},
		})
	} else {
		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 put.TableName,
			Item:                      put.Item,
			ConditionExpression:       put.ConditionExpression,
			ExpressionAttributeValues: put.ExpressionAttributeValues,
		})
	}
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: Save %s at version %d: %w", s.ID, expectedVersion, domain.ErrVersionConflict)
		}
		return fmt.Errorf("repository: Save: %w", err)
	}
	s.Version = next.Version
	return nil
}

// Archive stores a finished pass that never went through Save as terminal,
// such as a session abandoned for inactivity and replaced in the same turn.
func (c *DynamoStore) Archive(ctx context.Context, s *domain.Session) error {
	if s == nil || !s.State.Terminal() {
		return errors.New("repository: Archive: session must be terminal")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      c.sessionItem(s, archiveSK(s)),
	})
	if err != nil {
		return fmt.Errorf("repository: Archive: %w", err)
	}
	return nil
}

// Delete removes the current session. Archived passes stay until TTL.
func (c *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(id),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == conditionFailedTx {
				return true
			}
		}
	}
	return false
}

func (c *DynamoStore) sessionItem(s *domain.Session, sk string) map[string]types.AttributeValue {
	values := make(map[string]types.AttributeValue, len(s.Values))
	for name, v := range s.Values {
		values[name] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"kind": &types.AttributeValueMemberS{Value: string(v.Kind)},
			"text": &types.AttributeValueMemberS{Value: v.Text},
		}}
	}
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(s.ID)},
		"SK":         &types.AttributeValueMemberS{Value: sk},
		"sessionId":  &types.AttributeValueMemberS{Value: s.ID},
		"language":   &types.AttributeValueMemberS{Value: s.Language},
		"formId":     &types.AttributeValueMemberS{Value: s.FormID},
		"fieldIndex": &types.AttributeValueMemberN{Value: strconv.Itoa(s.FieldIndex)},
		"values":     &types.AttributeValueMemberM{Value: values},
		"state":      &types.AttributeValueMemberS{Value: string(s.State)},
		"retries":    &types.AttributeValueMemberN{Value: strconv.Itoa(s.Retries)},
		"createdAt":  &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt":  &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"version":    &types.AttributeValueMemberN{Value: strconv.FormatInt(s.Version, 10)},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(s.UpdatedAt.Add(c.ttl).Unix(), 10)},
	}
	if s.TimedOut {
		item["timedOut"] = &types.AttributeValueMemberBOOL{Value: true}
	}
	if len(s.Seen) > 0 {
		seen := make([]types.AttributeValue, 0, len(s.Seen))
		for _, id := range s.Seen {
			seen = append(seen, &types.AttributeValueMemberS{Value: id})
		}
		item["seen"] = &types.AttributeValueMemberL{Value: seen}
	}
	return item
}

// itemToSession converts a DynamoDB attribute map to a Session.
func itemToSession(item map[string]types.AttributeValue) (*domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return nil, err
	}
	lang, err := strAttr(item, "language")
	if err != nil {
		return nil, err
	}
	state, err := strAttr(item, "state")
	if err != nil {
		return nil, err
	}
	formID, _ := strAttr(item, "formId") // allow empty
	index, err := intAttr(item, "fieldIndex")
	if err != nil {
		return nil, err
	}
	retries, err := intAttr(item, "retries")
	if err != nil {
		return nil, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return nil, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return nil, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return nil, err
	}
	values, err := valuesAttr(item, "values")
	if err != nil {
		return nil, err
	}
	seen, err := stringsAttr(item, "seen")
	if err != nil {
		return nil, err
	}
	timedOut := false
	if b, ok := item["timedOut"].(*types.AttributeValueMemberBOOL); ok {
		timedOut = b.Value
	}
	return &domain.Session{
		ID:         id,
		Language:   lang,
		FormID:     formID,
		FieldIndex: index,
		Values:     values,
		State:      domain.State(state),
		Retries:    retries,
		CreatedAt:  created,
		UpdatedAt:  updated,
		Version:    int64(version),
		TimedOut:   timedOut,
		Seen:       seen,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func stringsAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for _, raw := range l.Value {
		s, ok := raw.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q holds a non-string", key)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

func valuesAttr(item map[string]types.AttributeValue, key string) (map[string]domain.Value, error) {
	out := map[string]domain.Value{}
	v, ok := item[key]
	if !ok {
		return out, nil
	}
	m, ok := v.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a map", key)
	}
	for name, raw := range m.Value {
		field, ok := raw.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: value %q is not a map", name)
		}
		kind, err := strAttr(field.Value, "kind")
		if err != nil {
			return nil, fmt.Errorf("repository: value %q: %w", name, err)
		}
		text, err := strAttr(field.Value, "text")
		if err != nil {
			return nil, fmt.Errorf("repository: value %q: %w", name, err)
		}
		out[name] = domain.Value{Kind: domain.Kind(kind), Text: text}
	}
	return out, nil
}
