package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/types"
)

// Result is a handler's verdict for one inbound message.
type Result int

const (
	// Ok: applied (or deliberately skipped); commit the offset.
	Ok Result = iota
	// Retry: transient failure; redeliver with backoff.
	Retry
	// Dead: unprocessable; park in the dead-letter store and commit.
	Dead
)

// Handler processes one inbound message. The error carries detail for
// logging and dead-letter records; the Result decides the disposition.
type Handler interface {
	Handle(ctx context.Context, msg *types.SyncMessage) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *types.SyncMessage) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *types.SyncMessage) (Result, error) {
	return f(ctx, msg)
}

// Parker stores messages that exhausted their retries. Satisfied by
// storage.Storage.
type Parker interface {
	Park(ctx context.Context, msg types.SyncMessage, reason, lastErr string) (*types.DeadLetterEntry, error)
}

// Consumer pulls records from the bus and dispatches them to a handler.
// Offsets are committed only after the handler has terminally disposed of
// the record (applied, or parked), which keeps delivery at-least-once.
type Consumer struct {
	client      *kgo.Client
	handler     Handler
	parker      Parker
	maxAttempts int
	baseDelay   time.Duration
	started     atomic.Bool
	done        chan struct{}
}

// ConsumerConfig wires a Consumer.
type ConsumerConfig struct {
	Bus         config.Bus
	Group       string
	Topics      []string
	Handler     Handler
	Parker      Parker
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewConsumer connects a consumer group member to the configured brokers.
func NewConsumer(cc ConsumerConfig) (*Consumer, error) {
	opts, err := clientOpts(cc.Bus)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumerGroup(cc.Group),
		kgo.ConsumeTopics(cc.Topics...),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: consumer client: %w", err)
	}
	if cc.MaxAttempts <= 0 {
		cc.MaxAttempts = 3
	}
	if cc.BaseDelay <= 0 {
		cc.BaseDelay = 5 * time.Second
	}
	return &Consumer{
		client:      client,
		handler:     cc.Handler,
		parker:      cc.Parker,
		maxAttempts: cc.MaxAttempts,
		baseDelay:   cc.BaseDelay,
		done:        make(chan struct{}),
	}, nil
}

// Run polls until ctx is cancelled. Each record is fully disposed of
// before its offset commits.
func (c *Consumer) Run(ctx context.Context) {
	c.started.Store(true)
	defer close(c.done)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Printf("transport: fetch error on %s/%d: %v", topic, partition, err)
		})

		var processed []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			if ctx.Err() != nil {
				return
			}
			c.processRecord(ctx, rec)
			processed = append(processed, rec)
		})

		if len(processed) > 0 && ctx.Err() == nil {
			if err := c.client.CommitRecords(ctx, processed...); err != nil {
				// At-least-once: uncommitted records redeliver and the
				// tracker collapses the duplicates.
				log.Printf("transport: commit failed, records will redeliver: %v", err)
			}
		}
	}
}

// processRecord decodes and dispatches one record, retrying transient
// failures with exponential backoff before parking.
func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) {
	var msg types.SyncMessage
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		// Serialization failures are fatal per message: park immediately,
		// keeping the raw bytes in the error string for the operator.
		broken := types.SyncMessage{MessageID: string(rec.Key)}
		c.park(ctx, broken, "schema", fmt.Sprintf("undecodable record: %v", err))
		return
	}

	attempt := 0
	op := func() error {
		attempt++
		result, err := c.handler.Handle(ctx, &msg)
		switch result {
		case Ok:
			return nil
		case Dead:
			return backoff.Permanent(err)
		default:
			if err == nil {
				err = errors.New("handler requested retry")
			}
			return err
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.MaxInterval = 5 * time.Minute
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx)

	err := backoff.Retry(op, policy)
	if err == nil {
		return
	}

	reason := "apply"
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		reason = deadReason(permanent.Err)
		err = permanent.Err
	}
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}
	c.park(ctx, msg, reason, lastErr)
}

// deadReason maps handler errors to dead-letter reasons.
func deadReason(err error) string {
	var dead *DeadError
	switch {
	case err == nil:
		return "apply"
	case errors.As(err, &dead):
		return dead.Reason
	case errors.Is(err, ErrFatal):
		return "schema"
	default:
		return "apply"
	}
}

func (c *Consumer) park(ctx context.Context, msg types.SyncMessage, reason, lastErr string) {
	if c.parker == nil {
		log.Printf("transport: dropping dead message %s (%s): no parker", msg.MessageID, reason)
		return
	}
	if _, err := c.parker.Park(ctx, msg, reason, lastErr); err != nil {
		log.Printf("transport: failed to park message %s: %v", msg.MessageID, err)
	} else {
		log.Printf("transport: parked message %s (reason=%s)", msg.MessageID, reason)
	}
}

// Ping verifies broker reachability.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close stops polling and leaves the consumer group.
func (c *Consumer) Close() {
	c.client.Close()
	if c.started.Load() {
		<-c.done
	}
}
