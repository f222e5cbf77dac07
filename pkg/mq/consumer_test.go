package mq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

type ackRecorder struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestServeAcksAndDeadLetters(t *testing.T) {
	acks := &ackRecorder{}
	deliveries := make(chan amqp.Delivery, 4)
	for tag, body := range []string{"ok", "bad", "ok", "bad"} {
		deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: uint64(tag + 1), Body: []byte(body)}
	}
	close(deliveries)

	handle := func(_ context.Context, msg amqp.Delivery) error {
		if string(msg.Body) == "bad" {
			return errors.New("rejected")
		}
		return nil
	}
	Serve(context.Background(), deliveries, 2, handle, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.ElementsMatch(t, []uint64{1, 3}, acks.acked)
	assert.ElementsMatch(t, []uint64{2, 4}, acks.nacked)
	assert.Equal(t, []bool{false, false}, acks.requeue)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Serve(ctx, make(chan amqp.Delivery), 3, func(context.Context, amqp.Delivery) error { return nil }, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()
	<-done
}
