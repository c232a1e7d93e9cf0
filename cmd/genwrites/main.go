package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"ordersync/internal/changelog"
	"ordersync/internal/ingest"
)

func main() {
	var (
		count     int
		seed      int64
		sample    bool
		output    string
		bootstrap string
		topic     string
	)
	flag.IntVar(&count, "count", 100, "number of generated write requests (besides vendor setup)")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.BoolVar(&sample, "sample", false, "emit the fixed sample scenario instead of random writes")
	flag.StringVar(&output, "output", "writes.jsonl", "output JSONL file (ignored with -bootstrap)")
	flag.StringVar(&bootstrap, "bootstrap", "", "publish to kafka instead of a file, e.g. localhost:9092")
	flag.StringVar(&topic, "topic", "ordersync.writes", "kafka topic for write requests")
	flag.Parse()

	reqs := ingest.SampleScenario()
	if !sample {
		reqs = ingest.Generate(count, seed)
	}

	var err error
	if bootstrap != "" {
		err = publish(reqs, bootstrap, topic)
	} else {
		err = writeFile(reqs, output)
	}
	if err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

func writeFile(reqs []ingest.WriteRequest, outputFile string) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for i := range reqs {
		if err := enc.Encode(&reqs[i]); err != nil {
			return fmt.Errorf("encode request %d: %w", i+1, err)
		}
	}
	log.Printf("generated %d write requests to %s", len(reqs), outputFile)
	return nil
}

func publish(reqs []ingest.WriteRequest, bootstrap, topic string) error {
	w := &kafka.Writer{
		Addr:         kafka.TCP(changelog.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer w.Close()

	msgs := make([]kafka.Message, 0, len(reqs))
	for i := range reqs {
		b, err := json.Marshal(&reqs[i])
		if err != nil {
			return fmt.Errorf("marshal request %d: %w", i+1, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(reqs[i].Path), Value: b})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	log.Printf("published %d write requests to %s", len(reqs), topic)
	return nil
}
