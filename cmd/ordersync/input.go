package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"ordersync/internal/config"
	"ordersync/internal/ingest"
)

// ingestInput feeds external write requests into the journaled store. settle, when set, runs
// after every applied request.
func ingestInput(ctx context.Context, cfg config.Config, w ingest.Writer, settle func() error, logger *slog.Logger) error {
	apply := func(req ingest.WriteRequest) error {
		if _, err := ingest.Apply(w, req); err != nil {
			return err
		}
		if settle != nil {
			return settle()
		}
		return nil
	}
	switch cfg.InputSource {
	case "file":
		f, err := os.Open(cfg.InputFile)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		n, err := ingest.ReadJSONL(ctx, f, apply)
		logger.Info("input file applied", "module", "ingest", "operation", "file", "outcome", outcome(err),
			"file", cfg.InputFile, "requests", n)
		return err
	case "kafka":
		return consumeWrites(ctx, cfg, apply, logger)
	default:
		for _, req := range ingest.SampleScenario() {
			if err := apply(req); err != nil {
				return err
			}
		}
		return nil
	}
}

// writeConsumer is the part of a Kafka consumer the write loop uses.
type writeConsumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
	Seek(partition ck.TopicPartition, ignoredTimeoutMs int) error
}

const applyBackoff = time.Second

// consumeWrites applies write requests from a Kafka topic until ctx is done.
func consumeWrites(ctx context.Context, cfg config.Config, apply func(ingest.WriteRequest) error, logger *slog.Logger) error {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBootstrap,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer c.Close()
	if err := c.SubscribeTopics([]string{cfg.TopicWrites}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return consumeLoop(ctx, c, apply, logger, applyBackoff)
}

// consumeLoop commits an offset only after its write succeeded. A failed write rewinds the
// partition to that message, which is read again after backoff.
func consumeLoop(ctx context.Context, c writeConsumer, apply func(ingest.WriteRequest) error, logger *slog.Logger, backoff time.Duration) error {
	for ctx.Err() == nil {
		msg, err := c.ReadMessage(time.Second)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				continue
			}
			logger.Warn("consume failed", "module", "ingest", "operation", "kafka", "outcome", "retry", "error", err)
			continue
		}
		req, err := ingest.Decode(msg.Value)
		if err != nil {
			// a malformed request never becomes valid; skip it
			logger.Warn("bad write request", "module", "ingest", "operation", "kafka", "outcome", "skipped",
				"offset", msg.TopicPartition.Offset.String(), "error", err)
			_, _ = c.CommitMessage(msg)
			continue
		}
		if err := apply(req); err != nil {
			logger.Warn("apply failed", "module", "ingest", "operation", "kafka", "outcome", "retry",
				"path", req.Path, "offset", msg.TopicPartition.Offset.String(), "error", err)
			if err := c.Seek(msg.TopicPartition, 0); err != nil {
				// without the rewind later commits would skip this request
				return fmt.Errorf("rewind %s: %w", req.Path, err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		if _, err := c.CommitMessage(msg); err != nil {
			logger.Warn("commit failed", "module", "ingest", "operation", "kafka", "outcome", "failure", "error", err)
		}
	}
	return ctx.Err()
}
