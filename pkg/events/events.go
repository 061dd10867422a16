// Package events streams session records and control transitions to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON events keyed by device or entity ID so every key
// stays ordered within its partition. A Publisher without brokers is a no-op.
type Publisher struct {
	sessions    messageWriter
	transitions messageWriter
}

// Configured sets up the publisher from flags.
func Configured() *Publisher {
	p := &Publisher{}
	brokers := lflag.String("kafka-brokers", "", "comma-delimited list of Kafka brokers, events are disabled when empty")
	sessionsTopic := lflag.String("kafka-topic-sessions", "chargerudder.sessions", "Topic for session records")
	transitionsTopic := lflag.String("kafka-topic-transitions", "chargerudder.transitions", "Topic for control transitions")

	lflag.Do(func() {
		var addrs []string
		for _, b := range strings.Split(*brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				addrs = append(addrs, b)
			}
		}
		if len(addrs) == 0 {
			return
		}
		if *sessionsTopic == "" || *transitionsTopic == "" {
			panic("kafka topics must not be empty when brokers are set")
		}
		p.sessions = newWriter(addrs, *sessionsTopic)
		p.transitions = newWriter(addrs, *transitionsTopic)
	})
	return p
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
}

// Enabled reports whether events are published.
func (p *Publisher) Enabled() bool {
	return p.sessions != nil
}

// PublishSessions writes one message per record keyed by device ID.
func (p *Publisher) PublishSessions(ctx context.Context, records []types.SessionRecord) error {
	if p.sessions == nil || len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal session %s: %w", rec.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(rec.DeviceID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "status", Value: []byte(rec.Status)},
			},
		})
	}
	if err := p.sessions.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish sessions: %w", err)
	}
	return nil
}

// PublishTransition writes a transition keyed by entity ID.
func (p *Publisher) PublishTransition(ctx context.Context, tr types.Transition) error {
	if p.transitions == nil {
		return nil
	}
	value, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(tr.EntityID),
		Value: value,
		Time:  tr.Timestamp,
	}
	if tr.DryRun {
		msg.Headers = []kafka.Header{{Key: "dryRun", Value: []byte("true")}}
	}
	if err := p.transitions.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish transition: %w", err)
	}
	return nil
}

// Close flushes and closes the writers.
func (p *Publisher) Close() error {
	var errs []error
	for _, w := range []messageWriter{p.sessions, p.transitions} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
