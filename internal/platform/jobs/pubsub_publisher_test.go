package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/storefront/payments-api/internal/services"
)

func newTestTopic(t *testing.T, ordered bool) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "orders")
	require.NoError(t, err)
	topic.EnableMessageOrdering = ordered
	return srv, topic
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	srv, topic := newTestTopic(t, true)
	publisher, err := NewPubSubOrderEventPublisher(topic)
	require.NoError(t, err)
	defer publisher.Close()

	event := services.OrderEvent{
		Type:          "order.fulfilled",
		OrderID:       "ord_1",
		SessionRef:    "cs_test_1",
		CustomerID:    "cust_1",
		CurrentStatus: "COMPLETED",
		Total:         4000,
		Currency:      "eur",
		OccurredAt:    time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.PublishOrderEvent(context.Background(), event))

	messages := srv.Messages()
	require.Len(t, messages, 1)

	var payload services.OrderEvent
	require.NoError(t, json.Unmarshal(messages[0].Data, &payload))
	assert.Equal(t, event.OrderID, payload.OrderID)
	assert.Equal(t, event.Total, payload.Total)
	assert.True(t, event.OccurredAt.Equal(payload.OccurredAt))

	assert.Equal(t, "order.fulfilled", messages[0].Attributes["eventType"])
	assert.Equal(t, "ord_1", messages[0].Attributes["orderId"])
	assert.Equal(t, "COMPLETED", messages[0].Attributes["status"])
	assert.Equal(t, "ord_1", messages[0].OrderingKey)
}

func TestPubSubOrderEventPublisherValidates(t *testing.T) {
	_, err := NewPubSubOrderEventPublisher(nil)
	assert.Error(t, err)

	srv, topic := newTestTopic(t, false)
	publisher, err := NewPubSubOrderEventPublisher(topic)
	require.NoError(t, err)
	defer publisher.Close()

	err = publisher.PublishOrderEvent(context.Background(), services.OrderEvent{Type: "order.refunded"})
	assert.Error(t, err)
	assert.Empty(t, srv.Messages())
}
