package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connector "github.com/goliatone/go-connector"
)

type record struct {
	connector.Entity
	Note string `json:"note"`
}

func TestDynamoItemRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 30, 0, 123456789, time.UTC)
	rec := &record{Entity: connector.NewEntity("n-1", 400, now), Note: "hello"}
	rec.StateCount = 3
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	item := encodeItem(&rec.Entity, raw)
	_, leased := item[attrLeaseOwner]
	assert.False(t, leased)

	item[attrLeaseOwner] = &types.AttributeValueMemberS{Value: "worker-1"}
	item[attrLeaseAt] = numberAttr(unixNano(now))
	item[attrLeaseDuration] = numberAttr(int64(90_000))

	got, err := decodeItem[record](item)
	require.NoError(t, err)
	assert.Equal(t, "n-1", got.ID)
	assert.Equal(t, 400, got.State)
	assert.Equal(t, 3, got.StateCount)
	assert.Equal(t, "hello", got.Note)
	assert.True(t, got.UpdatedAt.Equal(now))
	require.NotNil(t, got.Lease)
	assert.Equal(t, "worker-1", got.Lease.LeasedBy)
	assert.Equal(t, 90*time.Second, got.Lease.LeaseDuration)
}

func TestDynamoDecodeRejectsMissingState(t *testing.T) {
	_, err := decodeItem[record](map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberS{Value: "x"},
	})
	require.Error(t, err)
}
