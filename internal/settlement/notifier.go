// Package settlement hands frozen-funds records to the escrow side.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

// Notifier delivers a frozen-funds notice. Consumers dedupe on the record ID,
// so publishing the same record twice is safe.
type Notifier interface {
	PublishFrozenFunds(ctx context.Context, rec models.FrozenFundsRecord) error
}

// Channel is the slice of *amqp.Channel the notifier uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitNotifier struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex // amqp channels are not safe for concurrent publishes
	ch Channel
}

func NewRabbitNotifier(url, queue string) (*RabbitNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	n, err := NewRabbitNotifierWithChannel(ch, queue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	n.conn = conn
	return n, nil
}

// NewRabbitNotifierWithChannel declares the durable queue on ch.
func NewRabbitNotifierWithChannel(ch Channel, queue string) (*RabbitNotifier, error) {
	if queue == "" {
		return nil, fmt.Errorf("rabbitmq queue name required")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &RabbitNotifier{ch: ch, queue: queue}, nil
}

func (n *RabbitNotifier) PublishFrozenFunds(ctx context.Context, rec models.FrozenFundsRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal frozen funds record: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	err = n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Type:         "frozen_funds",
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish frozen funds %s: %w", rec.ID, err)
	}
	return nil
}

func (n *RabbitNotifier) Close() error {
	if err := n.ch.Close(); err != nil {
		return err
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// MemoryNotifier records notices in process.
type MemoryNotifier struct {
	mu       sync.Mutex
	records  []models.FrozenFundsRecord
	failNext error
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (m *MemoryNotifier) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryNotifier) PublishFrozenFunds(_ context.Context, rec models.FrozenFundsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryNotifier) Records() []models.FrozenFundsRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.FrozenFundsRecord(nil), m.records...)
}
