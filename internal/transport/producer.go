package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/types"
)

// Producer publishes SyncMessages to the bus. Records are keyed by
// messageId; a key-aware partitioner then preserves per-key ordering.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects a producer to the configured brokers.
func NewProducer(cfg config.Bus) (*Producer, error) {
	opts, err := clientOpts(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
		kgo.RecordRetries(5),
		kgo.ProduceRequestTimeout(30*time.Second),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: producer client: %w", err)
	}
	return &Producer{client: client}, nil
}

// Publish sends one message and waits for the broker ack. Serialization
// failures wrap ErrFatal; broker/network failures wrap ErrRetriable.
func (p *Producer) Publish(ctx context.Context, topic string, msg *types.SyncMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %v: %w", msg.MessageID, err, ErrFatal)
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(msg.MessageID),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("publish %s to %s: %v: %w", msg.MessageID, topic, err, ErrRetriable)
	}
	return nil
}

// Ping verifies broker reachability (used by the readiness check and as a
// cheap connectivity probe).
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and tears the client down.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Printf("transport: producer flush: %v", err)
	}
	p.client.Close()
}
