package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"duka-assistant/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	deleteErr error

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastDeleteInput *dynamodb.DeleteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func mustNewDynamo(t *testing.T, db *fakeDynamo) *DynamoMemory {
	t.Helper()
	c, err := NewDynamoMemory(db, "test-table")
	require.NoError(t, err)
	return c
}

func TestNewDynamoMemory_Validation(t *testing.T) {
	_, err := NewDynamoMemory(nil, "t")
	require.Error(t, err)
	_, err = NewDynamoMemory(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestDynamoSave_WritesItemAndTTL(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)
	updated := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	err := c.Save(context.Background(), "ai_memory_v1:org-1", domain.ConversationState{
		Topic:         "stock",
		StrategyLevel: domain.StrategyPlan,
		UpdatedAt:     updated,
	})
	require.NoError(t, err)

	item := db.lastPutInput.Item
	require.Equal(t, "test-table", *db.lastPutInput.TableName)
	require.Equal(t, "MEM#ai_memory_v1:org-1", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "stock", item["topic"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "PLAN", item["strategyLevel"].(*types.AttributeValueMemberS).Value)
	require.NotContains(t, item, "objective")
	require.Equal(t, strconv.FormatInt(updated.Add(expireAfter).Unix(), 10), item["ttl"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoLoad_RoundTripsSavedItem(t *testing.T) {
	updated := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	st := domain.ConversationState{
		Topic:     "pricing",
		Objective: "raise margin",
		LastPlan:  "review suppliers",
		Lang:      domain.LangSwahili,
		UpdatedAt: updated,
	}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: stateItem("k", st)}}
	c := mustNewDynamo(t, db)

	got, err := c.Load(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, st, *got)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestDynamoLoad_MissingItem(t *testing.T) {
	c := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	got, err := c.Load(context.Background(), "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDynamoLoad_CorruptItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "MEM#k"},
		"updatedAt": &types.AttributeValueMemberS{Value: "yesterday"},
	}
	c := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, err := c.Load(context.Background(), "k")
	require.ErrorContains(t, err, "updatedAt")
}

func TestDynamoErrorsAreWrapped(t *testing.T) {
	boom := errors.New("throttled")
	db := &fakeDynamo{getErr: boom, putErr: boom, deleteErr: boom}
	c := mustNewDynamo(t, db)

	_, err := c.Load(context.Background(), "k")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, c.Save(context.Background(), "k", domain.ConversationState{Topic: "x"}), boom)
	require.ErrorIs(t, c.Delete(context.Background(), "k"), boom)
}

func TestDynamoDelete_UsesItemKey(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)
	require.NoError(t, c.Delete(context.Background(), "ai_memory_v1:global"))
	require.Equal(t, "MEM#ai_memory_v1:global", db.lastDeleteInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skState, db.lastDeleteInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}
