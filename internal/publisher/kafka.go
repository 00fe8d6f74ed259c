// Package publisher mirrors trading events onto a Kafka topic for downstream
// consumers.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"propfirm-core/internal/events"
	"propfirm-core/pkg/logger"
)

// Topics are the bus events mirrored to Kafka.
var Topics = []events.Event{
	events.EventOrderAccepted, events.EventOrderRejected, events.EventGatewayTripped,
	events.EventPositionOpened, events.EventTradeClosed,
	events.EventRiskViolation, events.EventRiskWarning,
	events.EventWeightsApplied,
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes bus envelopes keyed by account.
type Kafka struct {
	w       MessageWriter
	account string
	timeout time.Duration
}

// NewKafka builds a synchronous writer for topic on brokers.
func NewKafka(brokers []string, topic, account string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaWriter(w, account), nil
}

// NewKafkaWriter wraps an existing writer.
func NewKafkaWriter(w MessageWriter, account string) *Kafka {
	return &Kafka{w: w, account: account, timeout: 10 * time.Second}
}

type message struct {
	Account string       `json:"account"`
	Event   events.Event `json:"event"`
	Time    time.Time    `json:"time"`
	Payload any          `json:"payload"`
}

// Publish writes one envelope.
func (k *Kafka) Publish(ctx context.Context, env events.Envelope) error {
	value, err := json.Marshal(message{Account: k.account, Event: env.Event, Time: env.Time, Payload: env.Payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(k.account),
		Value:   value,
		Time:    env.Time,
		Headers: []kafka.Header{{Key: "event", Value: []byte(env.Event)}},
	})
}

// Start mirrors Topics until ctx is done. Write failures are logged and dropped.
func (k *Kafka) Start(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.SubscribeMany(Topics, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if err := k.Publish(ctx, env); err != nil {
					logger.S().Warnw("kafka publish failed", "event", env.Event, "error", err)
				}
			}
		}
	}()
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
