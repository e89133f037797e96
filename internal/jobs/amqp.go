package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"poolroute/internal/logging"
)

// AMQPQueue carries tasks over a durable RabbitMQ queue with publisher confirms and manual acks.
type AMQPQueue struct {
	conn     *amqp.Connection
	queue    string
	prefetch int
	log      *zap.Logger

	pubMu    sync.Mutex
	pubChan  *amqp.Channel
	confirms chan amqp.Confirmation
}

func DialAMQP(url, queue string, prefetch int, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQPQueue{
		conn: conn, queue: queue, prefetch: prefetch, log: logging.OrNop(log),
		pubChan: ch, confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (q *AMQPQueue) Close() error { return q.conn.Close() }

// busyBackoff is the pause before a task refused with ErrBusy is requeued.
const busyBackoff = 2 * time.Second

func (q *AMQPQueue) Enqueue(ctx context.Context, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if q.conn.IsClosed() || q.pubChan.IsClosed() {
		return errors.New("rabbitmq: publish channel is not open")
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.pubChan.PublishWithContext(ctx, "", q.queue, true, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    t.JobID,
		Body:         body,
	}); err != nil {
		return err
	}
	select {
	case c := <-q.confirms:
		if !c.Ack {
			return fmt.Errorf("rabbitmq: publish not acknowledged")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AMQPQueue) Consume(ctx context.Context, handle func(context.Context, Task) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq: set QoS (prefetch=%d): %w", q.prefetch, err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume(%s): %w", q.queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case cerr := <-closed:
			if cerr != nil {
				return fmt.Errorf("rabbitmq: channel closed while consuming %s: %w", q.queue, cerr)
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var t Task
			if err := json.Unmarshal(d.Body, &t); err != nil {
				q.log.Warn("dropping malformed job message", zap.String("message_id", d.MessageId), zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			if err := handle(ctx, t); err != nil {
				// Another job holds the org/day here; hand the task back for a later or different consumer.
				requeue := errors.Is(err, ErrBusy)
				if requeue {
					select {
					case <-time.After(busyBackoff):
					case <-ctx.Done():
					}
				}
				_ = d.Nack(false, requeue)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
