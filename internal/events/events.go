// Package events publishes attendance events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// AttendanceEvent is emitted after an attendance row was written.
type AttendanceEvent struct {
	EventID     string    `json:"event_id"`
	IdentityID  string    `json:"identity_id"`
	SessionID   string    `json:"session_id"`
	Confidence  float64   `json:"confidence"` // percentage as stored
	Improved    bool      `json:"improved"`   // this observation raised the stored confidence
	Method      string    `json:"method"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Publisher delivers attendance events.
type Publisher interface {
	PublishAttendance(ctx context.Context, event AttendanceEvent) error
	Close()
}

// Noop discards events. It is used when no brokers are configured.
type Noop struct{}

func (Noop) PublishAttendance(context.Context, AttendanceEvent) error { return nil }
func (Noop) Close() {}

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher writes events as JSON records keyed by session and identity, so all
// sightings of one attendee in one session land on the same partition in order.
type KafkaPublisher struct {
	client producer
	topic  string
}

// NewKafkaPublisher connects to the given brokers.
func NewKafkaPublisher(ctx context.Context, brokers []string, topic string) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging kafka brokers: %w", err)
	}

	return &KafkaPublisher{client: client, topic: topic}, nil
}

// PublishAttendance produces one record and waits for the broker acknowledgement.
func (p *KafkaPublisher) PublishAttendance(ctx context.Context, event AttendanceEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal attendance event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.SessionID + "/" + event.IdentityID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte("attendance.recorded")},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
		Timestamp: event.RecordedAt,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("producing attendance event: %w", err)
	}
	return nil
}

// Close flushes and closes the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
