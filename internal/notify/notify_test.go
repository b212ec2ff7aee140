package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ticketbridge/relayer/internal/lifecycle"
	"github.com/ticketbridge/relayer/internal/ticket"
)

func TestNewProducer_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := NewProducer(ProducerConfig{Driver: "carrier-pigeon"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewProducer_KafkaRequiresBrokersAndTopic(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer(ProducerConfig{Driver: DriverKafka}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing brokers, got %v", err)
	}
	if _, err := NewProducer(ProducerConfig{Driver: DriverKafka, Brokers: []string{"localhost:9092"}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing topic, got %v", err)
	}
}

func TestStdioProducer_WritesLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	if err := p.Publish(context.Background(), []byte("k"), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(context.Background(), []byte("k"), []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: got %d want 2", len(lines))
	}
	if lines[0] != `{"a":1}` || lines[1] != `{"a":2}` {
		t.Fatalf("unexpected output: %q", lines)
	}
}

type capturingProducer struct {
	mu       sync.Mutex
	keys     [][]byte
	payloads [][]byte
	err      error
}

func (p *capturingProducer) Publish(_ context.Context, key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, append([]byte(nil), key...))
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return p.err
}

func (p *capturingProducer) Close() error { return nil }

func TestNotifier_PublishesPayload(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	producer := &capturingProducer{}
	n, err := NewNotifier(producer, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}

	err = n.Notify(context.Background(), lifecycle.Notification{
		TicketID:    42,
		OriginChain: 1,
		State:       ticket.DynamicCheckedIn,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(producer.payloads) != 1 {
		t.Fatalf("payloads: got %d want 1", len(producer.payloads))
	}
	if got, want := string(producer.keys[0]), "1/42"; got != want {
		t.Fatalf("key: got %q want %q", got, want)
	}

	var p Payload
	if err := json.Unmarshal(producer.payloads[0], &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.TicketID != 42 || p.OriginChain != 1 {
		t.Fatalf("payload ids: %+v", p)
	}
	if p.NewDynamicState != "checked_in" {
		t.Fatalf("state: got %q", p.NewDynamicState)
	}
	if !p.At.Equal(now) {
		t.Fatalf("at: got %v want %v", p.At, now)
	}
}

func TestNotifier_PublishErrorSurfaces(t *testing.T) {
	t.Parallel()

	producer := &capturingProducer{err: errors.New("broker down")}
	n, err := NewNotifier(producer, nil)
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	if err := n.Notify(context.Background(), lifecycle.Notification{TicketID: 1}); err == nil {
		t.Fatalf("expected publish error")
	}
}
