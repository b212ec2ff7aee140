// Package notify publishes dynamic-state change notifications to the
// ticketing metadata service. Delivery is fire-and-forget: the bridge
// logs publish failures and moves on, the metadata service reconciles
// from the ticket store on its own schedule.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ticketbridge/relayer/internal/lifecycle"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const envKafkaTLS = "TICKETBRIDGE_NOTIFY_KAFKA_TLS"

var ErrInvalidConfig = errors.New("notify: invalid config")

// Producer publishes one keyed payload. Keys carry the ticket identity
// so a partitioned broker preserves per-ticket ordering.
type Producer interface {
	Publish(ctx context.Context, key, payload []byte) error
	Close() error
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// NewProducer creates a producer for the configured driver.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func kafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaProducer struct {
	writer *kafka.Writer
	topic  string
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: kafka producer requires topic", ErrInvalidConfig)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaProducer{writer: writer, topic: topic}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, key, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

type stdioProducer struct {
	w io.Writer
	m sync.Mutex
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _, payload []byte) error {
	p.m.Lock()
	defer p.m.Unlock()

	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	if _, err := p.w.Write([]byte("\n")); err != nil {
		return err
	}
	return nil
}

func (p *stdioProducer) Close() error {
	return nil
}

// Payload is the wire format consumed by the metadata service.
type Payload struct {
	TicketID        uint64    `json:"ticketId"`
	OriginChain     uint64    `json:"originChain"`
	NewDynamicState string    `json:"newDynamicState"`
	At              time.Time `json:"at"`
}

// Notifier serializes lifecycle notifications onto a producer.
type Notifier struct {
	producer Producer
	now      func() time.Time
}

func NewNotifier(producer Producer, now func() time.Time) (*Notifier, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Notifier{producer: producer, now: now}, nil
}

func (n *Notifier) Notify(ctx context.Context, note lifecycle.Notification) error {
	payload, err := json.Marshal(Payload{
		TicketID:        note.TicketID,
		OriginChain:     note.OriginChain,
		NewDynamicState: note.State.String(),
		At:              n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	key := []byte(fmt.Sprintf("%d/%d", note.OriginChain, note.TicketID))
	if err := n.producer.Publish(ctx, key, payload); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

func (n *Notifier) Close() error {
	return n.producer.Close()
}

// SplitCommaList parses "a,b,c" into trimmed non-empty entries.
func SplitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
