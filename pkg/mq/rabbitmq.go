package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"project-tracker/pkg/job"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	// EventsExchange carries one message per job transition, routed by "<kind>.<status>".
	EventsExchange = "jobs.events"

	CallbacksExchange   = "pipeline.exchange"
	CallbacksQueue      = "pipeline.callbacks"
	CallbacksRoutingKey = "callback"

	DLXExchange     = "pipeline.dlx"
	DeadLetterQueue = "pipeline.callbacks.dead_letter"
)

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	if err := c.ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(CallbacksExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	// Rejected callbacks are dead-lettered, never redelivered.
	_, err := c.ch.QueueDeclare(CallbacksQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange,
	})
	if err != nil {
		return err
	}
	return c.ch.QueueBind(CallbacksQueue, CallbacksRoutingKey, CallbacksExchange, false, nil)
}

// PublishJobEvent publishes a transition event to the topic exchange.
func (c *Client) PublishJobEvent(ctx context.Context, e job.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.ch.PublishWithContext(ctx,
		EventsExchange, // exchange
		e.RoutingKey(), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.ID,
			Timestamp:    e.CreatedAt,
			Body:         body,
		})
}

// PublishCallback enqueues a raw callback payload for the worker.
func (c *Client) PublishCallback(ctx context.Context, body []byte) error {
	return c.ch.PublishWithContext(ctx,
		CallbacksExchange,
		CallbacksRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
}

func (c *Client) ConsumeCallbacks(prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	return c.ch.Consume(
		CallbacksQueue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

// ConsumeEvents binds a private, auto-deleted queue to the events exchange.
// bindingKey follows topic rules, e.g. "background.*" or "#".
func (c *Client) ConsumeEvents(bindingKey string) (<-chan amqp.Delivery, error) {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}
	if err := c.ch.QueueBind(q.Name, bindingKey, EventsExchange, false, nil); err != nil {
		return nil, err
	}
	return c.ch.Consume(q.Name, "", true, true, false, false, nil)
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
