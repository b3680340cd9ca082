package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/core/service"
)

const (
	EventOrderPlaced   = "OrderPlaced"
	EventStockReceived = "StockReceived"
)

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Adjuster interface {
	Purchase(ctx context.Context, sweetID, quantity int64) (*domain.Sweet, error)
	Restock(ctx context.Context, sweetID, quantity int64) (*domain.Sweet, error)
}

type InventoryEvent struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	Items     []EventItem `json:"items"`
	Timestamp time.Time   `json:"timestamp"`
}

type EventItem struct {
	SweetID  int64 `json:"sweet_id"`
	Quantity int64 `json:"quantity"`
}

// InventoryListener applies order and stock events from Kafka. Each item is
// tagged with a request id derived from the event id, so redelivered events
// are deduplicated when the coordinator has a cache configured.
type InventoryListener struct {
	reader     MessageReader
	adjuster   Adjuster
	logger     *zap.Logger
	retryDelay time.Duration
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func NewInventoryListener(reader MessageReader, adjuster Adjuster, logger *zap.Logger) *InventoryListener {
	return &InventoryListener{
		reader:     reader,
		adjuster:   adjuster,
		logger:     logger,
		retryDelay: time.Second,
	}
}

// Start blocks until ctx is cancelled.
func (l *InventoryListener) Start(ctx context.Context) {
	l.logger.Info("starting inventory kafka listener")
	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("stopping inventory kafka listener")
				return
			}
			l.logger.Error("failed to fetch kafka message", zap.Error(err))
			l.sleep(ctx)
			continue
		}

		if err := l.handle(ctx, msg); err != nil {
			l.logger.Info("stopping inventory kafka listener", zap.Int64("uncommitted_offset", msg.Offset))
			return
		}

		if err := l.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			l.logger.Error("failed to commit kafka message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// handle applies msg, retrying retryable failures on the same message from
// the item that failed. It only returns an error once ctx is done, and the
// message must then stay uncommitted.
func (l *InventoryListener) handle(ctx context.Context, msg kafka.Message) error {
	event, ok := l.decode(msg.Value)
	if !ok {
		return nil
	}

	next := 0
	b := backoff.WithContext(backoff.NewConstantBackOff(l.retryDelay), ctx)
	return backoff.RetryNotify(func() error {
		var err error
		next, err = l.applyItems(ctx, event, next)
		return err
	}, b, func(err error, wait time.Duration) {
		l.logger.Error("failed to process inventory event, retrying",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	})
}

func (l *InventoryListener) Close() error {
	return l.reader.Close()
}

// processMessage returns an error only for failures worth retrying.
// Malformed events and business rejections are logged and dropped.
func (l *InventoryListener) processMessage(ctx context.Context, value []byte) error {
	event, ok := l.decode(value)
	if !ok {
		return nil
	}
	_, err := l.applyItems(ctx, event, 0)
	return err
}

func (l *InventoryListener) decode(value []byte) (InventoryEvent, bool) {
	var event InventoryEvent
	if err := json.Unmarshal(value, &event); err != nil {
		l.logger.Error("failed to unmarshal event", zap.Error(err))
		return event, false
	}
	switch event.EventType {
	case EventOrderPlaced, EventStockReceived:
		return event, true
	default:
		return event, false
	}
}

// applyItems applies event items starting at from. On a retryable failure it
// returns the index of the failed item so a retry resumes there.
func (l *InventoryListener) applyItems(ctx context.Context, event InventoryEvent, from int) (int, error) {
	op := l.adjuster.Purchase
	if event.EventType == EventStockReceived {
		op = l.adjuster.Restock
	}

	l.logger.Info("processing inventory event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int("items", len(event.Items)),
		zap.Int("from_item", from),
	)

	for i := from; i < len(event.Items); i++ {
		item := event.Items[i]
		itemCtx := ctx
		if event.EventID != "" {
			itemCtx = service.WithRequestID(ctx, fmt.Sprintf("%s:%d", event.EventID, i))
		}

		_, err := op(itemCtx, item.SweetID, item.Quantity)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrDuplicateRequest):
			l.logger.Debug("item already applied", zap.String("event_id", event.EventID), zap.Int("item", i))
		case domain.IsRetryable(err):
			return i, fmt.Errorf("event %s item %d: %w", event.EventID, i, err)
		default:
			l.logger.Warn("inventory event item rejected",
				zap.String("event_id", event.EventID),
				zap.Int64("sweet_id", item.SweetID),
				zap.Int64("quantity", item.Quantity),
				zap.Error(err),
			)
		}
	}
	return len(event.Items), nil
}

func (l *InventoryListener) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(l.retryDelay):
	}
}
