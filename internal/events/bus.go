package events

import (
	"context"
	"log/slog"

	"skylift/internal/logging"
)

// Bus is a small in-process event channel between the host adapter and the
// handlers. Publish blocks while the buffer is full so producers observe
// backpressure instead of dropping events.
type Bus struct {
	ch     chan any
	logger *slog.Logger
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		ch:     make(chan any, buffer),
		logger: logging.NewComponentLogger(logger, "bus"),
	}
}

// Publish submits an event. It returns the context error when cancelled.
func (b *Bus) Publish(ctx context.Context, ev any) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches events to the handler until ctx is cancelled. Handler
// errors are logged; one bad event never stops the loop.
func (b *Bus) Run(ctx context.Context, handler *Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.ch:
			var err error
			switch e := ev.(type) {
			case DownloadAdded:
				err = handler.HandleDownloadAdded(ctx, e)
			case FileOrganized:
				err = handler.HandleFileOrganized(ctx, e)
			default:
				b.logger.Warn("unknown event type", logging.Any("event", ev))
			}
			if err != nil {
				b.logger.Error("event handling failed", logging.Error(err))
			}
		}
	}
}
