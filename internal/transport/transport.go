// Package transport moves SyncMessages over the Kafka-protocol bus.
//
// Two logical topics exist: ship-updates (replica -> master) and
// master-updates (master -> fan-out). Delivery is at-least-once; the
// message tracker upgrades that to exactly-once effect on the apply side.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/harborview/shipsync/internal/config"
)

// ErrRetriable marks transport failures worth retrying with backoff.
var ErrRetriable = errors.New("retriable transport error")

// ErrFatal marks per-message failures that retrying cannot fix
// (serialization, schema).
var ErrFatal = errors.New("fatal transport error")

// DeadError carries the dead-letter reason from a handler back to the
// consumer ("orphan", "schema", "conflict", "apply").
type DeadError struct {
	Reason string
	Err    error
}

func (e *DeadError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DeadError) Unwrap() error { return e.Err }

// clientOpts translates bus config into franz-go options shared by the
// producer and consumer.
func clientOpts(cfg config.Bus) ([]kgo.Opt, error) {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("transport: no brokers configured")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
	}
	if cfg.SSL {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	switch cfg.SASL.Mechanism {
	case "":
	case "plain":
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.SASL.Username,
			Pass: cfg.SASL.Password,
		}.AsMechanism()))
	case "scram-sha-256":
		opts = append(opts, kgo.SASL(scram.Auth{
			User: cfg.SASL.Username,
			Pass: cfg.SASL.Password,
		}.AsSha256Mechanism()))
	case "scram-sha-512":
		opts = append(opts, kgo.SASL(scram.Auth{
			User: cfg.SASL.Username,
			Pass: cfg.SASL.Password,
		}.AsSha512Mechanism()))
	default:
		return nil, fmt.Errorf("transport: unknown SASL mechanism %q", cfg.SASL.Mechanism)
	}
	return opts, nil
}
