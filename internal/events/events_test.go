package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/socialchat/internal/metrics"
	"github.com/socialchat/internal/model"
	"github.com/stretchr/testify/require"
)

type publisherFunc func(ctx context.Context, e Event) error

func (f publisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	req := require.New(t)
	var got []Type
	ok := publisherFunc(func(_ context.Context, e Event) error {
		got = append(got, e.Type)
		return nil
	})
	boom := errors.New("boom")
	failing := publisherFunc(func(context.Context, Event) error { return boom })

	err := Multi{ok, nil, failing, ok}.Publish(context.Background(), Event{Type: MessageCreated})
	req.ErrorIs(err, boom)
	req.Equal([]Type{MessageCreated, MessageCreated}, got)
}

func TestKafkaMessage_CarriesMetadataOnly(t *testing.T) {
	req := require.New(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := Event{
		Type:      MessageCreated,
		RoomID:    "room-1",
		ActorID:   "alice",
		MessageID: "msg-1",
		MemberIDs: []string{"alice", "bob"},
		Payload:   model.MessageResponse{ID: "msg-1", Content: "secret plaintext"},
		At:        at,
	}

	msg, err := kafkaMessage(e)
	req.NoError(err)
	req.Equal("room-1", string(msg.Key))
	req.NotContains(string(msg.Value), "secret plaintext")

	var meta Metadata
	req.NoError(json.Unmarshal(msg.Value, &meta))
	req.Equal(e.Metadata(), meta)
	req.Equal("event-type", msg.Headers[0].Key)
	req.Equal(string(MessageCreated), string(msg.Headers[0].Value))
}

func TestKafkaPublisher_QueuesAsyncAndSkipsTyping(t *testing.T) {
	req := require.New(t)
	k := NewKafkaPublisher([]string{"127.0.0.1:1"}, "chat.events")
	defer func() { _ = k.Close() }()

	req.True(k.writer.Async)
	req.NotNil(k.writer.Completion)
	req.False(forKafka(Typing))
	req.True(forKafka(MessageCreated))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(k.Publish(ctx, Event{Type: Typing, RoomID: "room-1"}))
	req.Zero(k.writer.Stats().Messages)
}

func TestReportFailedBatch_CountsPerEventType(t *testing.T) {
	req := require.New(t)
	counter := metrics.EventPublishFailures.WithLabelValues(string(MemberAdded))
	before := testutil.ToFloat64(counter)

	msg, err := kafkaMessage(Event{Type: MemberAdded, RoomID: "room-1"})
	req.NoError(err)
	reportFailedBatch([]kafka.Message{msg, msg}, errors.New("broker down"))
	reportFailedBatch([]kafka.Message{msg}, nil)

	req.Equal(before+2, testutil.ToFloat64(counter))
}
