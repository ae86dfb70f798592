//go:build integration

package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"pfexchange/internal/family/events"
	"pfexchange/internal/family/models"
	"pfexchange/pkg/testutil/containers"
)

const topic = "family.reconciliation.outcomes.test"

type KafkaSuite struct {
	suite.Suite
	broker string
	ctx    context.Context
}

func TestKafkaSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaSuite))
}

func (s *KafkaSuite) SetupSuite() {
	s.broker = containers.GetManager().GetRedpanda(s.T()).Broker
	s.ctx = context.Background()
}

func (s *KafkaSuite) TestPublishIsConsumable() {
	client, err := events.NewKafkaClient([]string{s.broker}, topic)
	s.Require().NoError(err)
	defer client.Close()

	s.Require().NoError(events.EnsureTopic(s.ctx, client, topic, 1))
	// creating twice is fine
	s.Require().NoError(events.EnsureTopic(s.ctx, client, topic, 1))

	pub, err := events.NewKafka(client, topic)
	s.Require().NoError(err)

	outcome := models.Outcome{
		EventID:    "evt-1",
		BatchID:    "batch-1",
		RecordID:   7,
		Status:     models.StatusCompleted,
		Attempts:   1,
		OccurredAt: time.Now().UTC(),
	}
	s.Require().NoError(pub.Publish(s.ctx, outcome))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(ctx)
	s.Require().Empty(fetches.Errors())

	var got []models.Outcome
	fetches.EachRecord(func(r *kgo.Record) {
		s.Equal("7", string(r.Key))
		var o models.Outcome
		s.Require().NoError(json.Unmarshal(r.Value, &o))
		got = append(got, o)
	})
	s.Require().Len(got, 1)
	s.Equal(models.StatusCompleted, got[0].Status)
	s.Equal("evt-1", got[0].EventID)
}
