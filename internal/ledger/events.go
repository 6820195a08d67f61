package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type EventType string

const (
	EventMinted           EventType = "minted"
	EventStatusUpdated    EventType = "status_updated"
	EventDeliveryVerified EventType = "delivery_verified"
	EventShipmentRevoked  EventType = "shipment_revoked"
)

// Event is one message the gateway publishes on the ledger events topic.
type Event struct {
	Type       EventType `json:"type"`
	TokenID    string    `json:"tokenId"`
	ShipmentID string    `json:"shipmentId,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Status     string    `json:"status,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ErrPoisonMessage marks a message that will never decode. It is committed
// and skipped.
var ErrPoisonMessage = errors.New("undecodable ledger event")

func DecodeEvent(value []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}
	if ev.Type == "" || ev.TokenID == "" {
		return Event{}, fmt.Errorf("%w: type and tokenId required", ErrPoisonMessage)
	}
	return ev, nil
}

type EventHandler func(ctx context.Context, ev Event) error

// MessageReader is the part of kafka.Reader the listener calls.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type EventListenerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// HandlerTimeout bounds one handler call.
	HandlerTimeout time.Duration
	MaxBackoff     time.Duration
}

// EventListener consumes the ledger events topic in a consumer group. An
// offset is committed only after the handler succeeds; a failing message is
// retried in place so later events are not applied ahead of it.
type EventListener struct {
	reader  MessageReader
	handler EventHandler
	cfg     EventListenerConfig
	logger  *slog.Logger
}

func NewEventListener(cfg EventListenerConfig, handler EventHandler, logger *slog.Logger) (*EventListener, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: topic and group required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return NewEventListenerWithReader(reader, cfg, handler, logger), nil
}

func NewEventListenerWithReader(reader MessageReader, cfg EventListenerConfig, handler EventHandler, logger *slog.Logger) *EventListener {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventListener{
		reader:  reader,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "ledger.events", "topic", cfg.Topic),
	}
}

func (l *EventListener) Run(ctx context.Context) error {
	l.logger.Info("consumer started", "group", l.cfg.GroupID)
	defer l.logger.Info("consumer stopped")
	defer l.reader.Close()

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("fetch message", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if err := l.handle(ctx, msg); err != nil {
			return err
		}
		if err := l.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("commit offset", "offset", msg.Offset, "error", err)
		}
	}
}

// handle returns only when the message is done with or ctx is cancelled.
func (l *EventListener) handle(ctx context.Context, msg kafka.Message) error {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		l.logger.Error("skipping message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return nil
	}
	backoff := 200 * time.Millisecond
	for {
		hctx, cancel := context.WithTimeout(ctx, l.cfg.HandlerTimeout)
		err := l.handler(hctx, ev)
		cancel()
		if err == nil {
			return nil
		}
		l.logger.Warn("handler failed", "type", ev.Type, "token_id", ev.TokenID, "offset", msg.Offset, "retry_in", backoff, "error", err)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
