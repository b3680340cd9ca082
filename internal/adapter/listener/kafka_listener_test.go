package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/core/service"
)

type adjustCall struct {
	op        string
	sweetID   int64
	quantity  int64
	requestID string
}

// journal records adjuster calls and commits in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeAdjuster struct {
	mu    sync.Mutex
	calls []adjustCall
	errs  map[int64]error
	// failures makes a sweet fail with a retryable error that many times;
	// -1 fails forever.
	failures map[int64]int
	journal  *journal
}

func (f *fakeAdjuster) record(ctx context.Context, op string, sweetID, quantity int64) (*domain.Sweet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := service.RequestIDFrom(ctx)
	f.calls = append(f.calls, adjustCall{op: op, sweetID: sweetID, quantity: quantity, requestID: id})
	f.journal.add("%s %d", op, sweetID)
	if n := f.failures[sweetID]; n != 0 {
		if n > 0 {
			f.failures[sweetID] = n - 1
		}
		return nil, fmt.Errorf("%w: connection reset", domain.ErrPersistence)
	}
	if err := f.errs[sweetID]; err != nil {
		return nil, err
	}
	return &domain.Sweet{ID: sweetID}, nil
}

func (f *fakeAdjuster) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdjuster) Purchase(ctx context.Context, sweetID, quantity int64) (*domain.Sweet, error) {
	return f.record(ctx, "purchase", sweetID, quantity)
}

func (f *fakeAdjuster) Restock(ctx context.Context, sweetID, quantity int64) (*domain.Sweet, error) {
	return f.record(ctx, "restock", sweetID, quantity)
}

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
	journal   *journal
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
		r.journal.add("commit %d", m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func eventPayload(t *testing.T, event InventoryEvent) []byte {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return b
}

func TestProcessMessage_OrderPlaced(t *testing.T) {
	adj := &fakeAdjuster{}
	l := NewInventoryListener(&fakeReader{}, adj, zap.NewNop())

	err := l.processMessage(context.Background(), eventPayload(t, InventoryEvent{
		EventID:   "evt-1",
		EventType: EventOrderPlaced,
		Items:     []EventItem{{SweetID: 1, Quantity: 2}, {SweetID: 2, Quantity: 1}},
	}))
	require.NoError(t, err)

	assert.Equal(t, []adjustCall{
		{op: "purchase", sweetID: 1, quantity: 2, requestID: "evt-1:0"},
		{op: "purchase", sweetID: 2, quantity: 1, requestID: "evt-1:1"},
	}, adj.calls)
}

func TestProcessMessage_StockReceived(t *testing.T) {
	adj := &fakeAdjuster{}
	l := NewInventoryListener(&fakeReader{}, adj, zap.NewNop())

	err := l.processMessage(context.Background(), eventPayload(t, InventoryEvent{
		EventType: EventStockReceived,
		Items:     []EventItem{{SweetID: 3, Quantity: 12}},
	}))
	require.NoError(t, err)
	require.Len(t, adj.calls, 1)
	assert.Equal(t, "restock", adj.calls[0].op)
	assert.Empty(t, adj.calls[0].requestID)
}

func TestProcessMessage_DropsBadInput(t *testing.T) {
	adj := &fakeAdjuster{}
	l := NewInventoryListener(&fakeReader{}, adj, zap.NewNop())

	assert.NoError(t, l.processMessage(context.Background(), []byte("{not json")))
	assert.NoError(t, l.processMessage(context.Background(), eventPayload(t, InventoryEvent{
		EventType: "PriceChanged",
		Items:     []EventItem{{SweetID: 1, Quantity: 1}},
	})))
	assert.Empty(t, adj.calls)
}

func TestProcessMessage_ErrorHandling(t *testing.T) {
	adj := &fakeAdjuster{errs: map[int64]error{
		1: domain.ErrInsufficientStock,
		2: domain.ErrDuplicateRequest,
	}}
	l := NewInventoryListener(&fakeReader{}, adj, zap.NewNop())

	// Business rejections and duplicates do not stop the event.
	err := l.processMessage(context.Background(), eventPayload(t, InventoryEvent{
		EventID:   "evt-2",
		EventType: EventOrderPlaced,
		Items:     []EventItem{{SweetID: 1, Quantity: 1}, {SweetID: 2, Quantity: 1}, {SweetID: 3, Quantity: 1}},
	}))
	require.NoError(t, err)
	assert.Len(t, adj.calls, 3)

	// Retryable failures are returned so Start retries the message.
	adj.errs[4] = fmt.Errorf("%w: connection reset", domain.ErrPersistence)
	err = l.processMessage(context.Background(), eventPayload(t, InventoryEvent{
		EventID:   "evt-3",
		EventType: EventOrderPlaced,
		Items:     []EventItem{{SweetID: 4, Quantity: 1}, {SweetID: 5, Quantity: 1}},
	}))
	assert.True(t, errors.Is(err, domain.ErrPersistence))
	assert.Len(t, adj.calls, 4)
}

func TestStart_CommitsProcessedMessages(t *testing.T) {
	adj := &fakeAdjuster{}
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 10, Value: eventPayload(t, InventoryEvent{EventID: "a", EventType: EventOrderPlaced, Items: []EventItem{{SweetID: 1, Quantity: 1}}})},
		{Offset: 11, Value: []byte("garbage")},
	}}
	l := NewInventoryListener(reader, adj, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}

	require.NoError(t, l.Close())
	assert.True(t, reader.closed)
	assert.Equal(t, []int64{10, 11}, reader.committed)
	assert.Len(t, adj.calls, 1)
}

func TestStart_RetriesFailedMessageBeforeMovingOn(t *testing.T) {
	j := &journal{}
	adj := &fakeAdjuster{failures: map[int64]int{7: 2}, journal: j}
	reader := &fakeReader{journal: j, msgs: []kafka.Message{
		{Offset: 20, Value: eventPayload(t, InventoryEvent{EventID: "a", EventType: EventOrderPlaced, Items: []EventItem{{SweetID: 7, Quantity: 1}}})},
		{Offset: 21, Value: eventPayload(t, InventoryEvent{EventID: "b", EventType: EventOrderPlaced, Items: []EventItem{{SweetID: 8, Quantity: 1}}})},
	}}
	l := NewInventoryListener(reader, adj, zap.NewNop())
	l.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	expected := []string{
		"purchase 7",
		"purchase 7",
		"purchase 7",
		"commit 20",
		"purchase 8",
		"commit 21",
	}
	assert.Eventually(t, func() bool {
		return len(j.snapshot()) == len(expected)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, expected, j.snapshot())
}

func TestStart_RetryResumesAtFailedItem(t *testing.T) {
	adj := &fakeAdjuster{failures: map[int64]int{9: 1}}
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 5, Value: eventPayload(t, InventoryEvent{
			EventType: EventStockReceived,
			Items:     []EventItem{{SweetID: 1, Quantity: 3}, {SweetID: 9, Quantity: 2}},
		})},
	}}
	l := NewInventoryListener(reader, adj, zap.NewNop())
	l.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	assert.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 1
	}, time.Second, 5*time.Millisecond)

	// Without an event id nothing deduplicates, so sweet 1 must not be
	// restocked twice.
	var sweets []int64
	adj.mu.Lock()
	for _, c := range adj.calls {
		sweets = append(sweets, c.sweetID)
	}
	adj.mu.Unlock()
	assert.Equal(t, []int64{1, 9, 9}, sweets)
}

func TestStart_StopsWithoutCommittingFailingMessage(t *testing.T) {
	adj := &fakeAdjuster{failures: map[int64]int{7: -1}}
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 30, Value: eventPayload(t, InventoryEvent{EventID: "c", EventType: EventOrderPlaced, Items: []EventItem{{SweetID: 7, Quantity: 1}}})},
		{Offset: 31, Value: eventPayload(t, InventoryEvent{EventID: "d", EventType: EventOrderPlaced, Items: []EventItem{{SweetID: 8, Quantity: 1}}})},
	}}
	l := NewInventoryListener(reader, adj, zap.NewNop())
	l.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return adj.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Empty(t, reader.committed)
	assert.Len(t, reader.msgs, 1, "the next message must not be fetched")
}
