package kafka

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/lessonflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "env-1:9092, env-2:9092")

	assert.Equal(t, []string{"a:9092", "b:9092"}, Brokers("a:9092,,b:9092"))
	assert.Equal(t, []string{"env-1:9092", "env-2:9092"}, Brokers(""))
}

func TestCreateChannel_NoBrokers(t *testing.T) {
	_, _, err := CreateChannel(watermill.NopLogger{}, nil, "test")
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestCreateChannel_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_CREATE_TOPICS": "true",
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	logger := watermill.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))

	pub, sub, err := CreateChannel(logger, brokers, "lessonflow-test")
	require.NoError(t, err)

	defer func() {
		_ = pub.Close()
		_ = sub.Close()
	}()

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"job":{"id":"job-1"}}`))
	msg.Metadata.Set(events.EventMetadataKey, "lesson-1")
	msg.Metadata.Set(events.EventTypeMetadataKey, string(events.JobStatusChangedEvent))

	require.NoError(t, pub.Publish(events.JobTopic, msg))

	messages, err := sub.Subscribe(ctx, events.JobTopic)
	require.NoError(t, err)

	select {
	case received := <-messages:
		assert.Equal(t, "lesson-1", received.Metadata.Get(events.EventMetadataKey))
		assert.JSONEq(t, `{"job":{"id":"job-1"}}`, string(received.Payload))
		received.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for kafka message")
	}
}
