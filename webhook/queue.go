package webhook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/spotlink/telegram"
	"github.com/onnwee/spotlink/telemetry"
)

// Queue is an unbounded FIFO of accepted updates. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []*telegram.Update
	signal chan struct{} // holds one token while items is non-empty
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Push(u *telegram.Update) {
	q.mu.Lock()
	q.items = append(q.items, u)
	n := len(q.items)
	q.mu.Unlock()
	telemetry.SetWebhookQueueDepth(n)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until an update is available or ctx ends.
func (q *Queue) Pop(ctx context.Context) (*telegram.Update, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()
			telemetry.SetWebhookQueueDepth(n)
			if n > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return u, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Processor handles one dequeued update.
type Processor func(ctx context.Context, u *telegram.Update) error

// Consume pops updates and runs fn on each until ctx ends. A failing or panicking
// update is logged and dropped.
func Consume(ctx context.Context, q *Queue, fn Processor) {
	for {
		u, err := q.Pop(ctx)
		if err != nil {
			return
		}
		process(ctx, u, fn)
	}
}

func process(ctx context.Context, u *telegram.Update, fn Processor) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.IncWebhookProcessed("panic")
			slog.Error("update processor panicked", slog.Int64("update_id", u.UpdateID), slog.Any("panic", r), slog.String("component", "webhook"))
		}
	}()
	if err := fn(ctx, u); err != nil {
		telemetry.IncWebhookProcessed("error")
		slog.Warn("update processing failed", slog.Int64("update_id", u.UpdateID), slog.Any("err", err), slog.String("component", "webhook"))
		return
	}
	telemetry.IncWebhookProcessed("ok")
}

// LogProcessor records each update. It stands in for the chat command layer, which
// lives outside this service.
func LogProcessor(ctx context.Context, u *telegram.Update) error {
	slog.Debug("update received", slog.Int64("update_id", u.UpdateID), slog.String("kind", u.Kind()), slog.String("component", "webhook"))
	return nil
}
