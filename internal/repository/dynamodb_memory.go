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

	"duka-assistant/internal/domain"
)

const (
	pkPrefixMemory = "MEM#"
	skState        = "STATE#"
	// expireAfter feeds the table's native TTL attribute. It trails the
	// in-process 6h expiry so DynamoDB never removes a live state.
	expireAfter = 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoMemory.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoMemory stores one conversation state item per durable key.
type DynamoMemory struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoMemory creates a DynamoDB-backed durable memory tier.
func NewDynamoMemory(api dynamodbAPI, tableName string) (*DynamoMemory, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoMemory{api: api, tableName: tableName}, nil
}

func memoryPK(key string) string {
	return pkPrefixMemory + key
}

func (c *DynamoMemory) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: memoryPK(key)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

// Load reads the state stored under key. A missing item is (nil, nil).
func (c *DynamoMemory) Load(ctx context.Context, key string) (*domain.ConversationState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	st, err := itemToState(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: Load decode: %w", err)
	}
	return &st, nil
}

// Save writes or replaces the state under key.
func (c *DynamoMemory) Save(ctx context.Context, key string, st domain.ConversationState) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      stateItem(key, st),
	})
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

// Delete removes the state under key. Deleting a missing item is not an error.
func (c *DynamoMemory) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

func stateItem(key string, st domain.ConversationState) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: memoryPK(key)},
		"SK":        &types.AttributeValueMemberS{Value: skState},
		"updatedAt": &types.AttributeValueMemberS{Value: st.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(st.UpdatedAt.Add(expireAfter).Unix(), 10)},
	}
	// DynamoDB rejects empty strings in key-less attributes on some table
	// configurations, so only set fields are written.
	putStr(item, "topic", st.Topic)
	putStr(item, "objective", st.Objective)
	putStr(item, "lastPlan", st.LastPlan)
	putStr(item, "strategyLevel", string(st.StrategyLevel))
	putStr(item, "lang", string(st.Lang))
	return item
}

func putStr(item map[string]types.AttributeValue, key, v string) {
	if v != "" {
		item[key] = &types.AttributeValueMemberS{Value: v}
	}
}

// itemToState converts a DynamoDB attribute map to a ConversationState.
func itemToState(item map[string]types.AttributeValue) (domain.ConversationState, error) {
	rawUpdated, err := strAttr(item, "updatedAt")
	if err != nil {
		return domain.ConversationState{}, err
	}
	updated, err := time.Parse(time.RFC3339Nano, rawUpdated)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: parse updatedAt: %w", err)
	}
	return domain.ConversationState{
		Topic:         optStrAttr(item, "topic"),
		Objective:     optStrAttr(item, "objective"),
		LastPlan:      optStrAttr(item, "lastPlan"),
		StrategyLevel: domain.StrategyLevel(optStrAttr(item, "strategyLevel")),
		Lang:          domain.Lang(optStrAttr(item, "lang")),
		UpdatedAt:     updated,
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

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}
