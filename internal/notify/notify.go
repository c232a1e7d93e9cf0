package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

// Sender delivers push notifications to a device token or a topic. Callers treat every
// error as non-fatal.
type Sender interface {
	SendToToken(ctx context.Context, token string, n model.Notification) error
	SendToTopic(ctx context.Context, topic string, n model.Notification) error
}

// LogSender records notifications in the structured log. It is the fallback when no push
// gateway is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendToToken(ctx context.Context, token string, n model.Notification) error {
	s.log(ctx, "token", n)
	return nil
}

func (s *LogSender) SendToTopic(ctx context.Context, topic string, n model.Notification) error {
	s.log(ctx, "topic:"+topic, n)
	return nil
}

func (s *LogSender) log(ctx context.Context, target string, n model.Notification) {
	s.logger.InfoContext(ctx, "notification sent",
		"module", "notify.log_sender",
		"operation", "send",
		"outcome", "success",
		"target", target,
		"title", n.Title,
		"type", n.Data["type"],
	)
}

// Envelope is the message a push gateway consumes from Kafka.
type Envelope struct {
	Token        string             `json:"token,omitempty"`
	Topic        string             `json:"topic,omitempty"`
	Notification model.Notification `json:"notification"`
	SentAt       int64              `json:"sentAt"`
}

// KafkaSender hands notifications to a push gateway through a Kafka topic.
type KafkaSender struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaSender(bootstrap string, topic string) *KafkaSender {
	return &KafkaSender{writer: &kafka.Writer{
		Addr:         kafka.TCP(changelog.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 5 * time.Second,
	}}
}

// NewKafkaSenderWith is only for tests to inject a fake writer.
func NewKafkaSenderWith(w kafkaMessageWriter) *KafkaSender {
	return &KafkaSender{writer: w}
}

func (k *KafkaSender) SendToToken(ctx context.Context, token string, n model.Notification) error {
	if token == "" {
		return errors.New("empty token")
	}
	return k.publish(ctx, token, Envelope{Token: token, Notification: n})
}

func (k *KafkaSender) SendToTopic(ctx context.Context, topic string, n model.Notification) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	return k.publish(ctx, "topic:"+topic, Envelope{Topic: topic, Notification: n})
}

func (k *KafkaSender) publish(ctx context.Context, key string, env Envelope) error {
	env.SentAt = time.Now().UTC().Unix()
	b, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

// MultiSender delivers to every sender and joins their errors.
type MultiSender struct {
	senders []Sender
}

func NewMultiSender(ss ...Sender) *MultiSender {
	return &MultiSender{senders: ss}
}

func (m *MultiSender) SendToToken(ctx context.Context, token string, n model.Notification) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.SendToToken(ctx, token, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSender) SendToTopic(ctx context.Context, topic string, n model.Notification) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.SendToTopic(ctx, topic, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
