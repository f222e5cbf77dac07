package mq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. A nil error acks it; any error nacks it without
// requeue so the broker dead-letters it.
type Handler func(ctx context.Context, msg amqp.Delivery) error

// Serve runs concurrency goroutines draining deliveries until ctx is cancelled or the
// channel is closed.
func Serve(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int, handle Handler, logger *slog.Logger) {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					settle(ctx, msg, handle, logger)
				}
			}
		}()
	}
	wg.Wait()
}

func settle(ctx context.Context, msg amqp.Delivery, handle Handler, logger *slog.Logger) {
	if err := handle(ctx, msg); err != nil {
		logger.Warn("message rejected, dead-lettering", "error", err, "message_id", msg.MessageId)
		if nerr := msg.Nack(false, false); nerr != nil {
			logger.Error("failed to nack message", "error", nerr)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Error("failed to ack message", "error", err)
	}
}
