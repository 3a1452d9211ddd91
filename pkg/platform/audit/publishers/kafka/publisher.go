package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	audit "didregistry/pkg/platform/audit"
)

// Message is the JSON record value written to the topic.
type Message struct {
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Subject   string        `json:"subject"`
	Action    string        `json:"action"`
	Fields    []audit.Field `json:"fields,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Line      string        `json:"line"`
}

// Publisher implements audit.Sink on a Kafka topic. Records are keyed by
// subject so per-subject ordering survives partitioning.
type Publisher struct {
	client *kgo.Client
	topic  string
}

func New(client *kgo.Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

func (p *Publisher) Append(ctx context.Context, event audit.Event) error {
	value, err := json.Marshal(Message{
		ID:        event.ID.String(),
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Subject:   event.Subject,
		Action:    event.Action,
		Fields:    event.Fields,
		RequestID: event.RequestID,
		Line:      event.LogLine(),
	})
	if err != nil {
		return fmt.Errorf("marshal audit message: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.Subject),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(event.Action)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}
