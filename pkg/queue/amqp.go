package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// AMQPQueue dispatches and consumes task references through a RabbitMQ
// broker so several worker processes can share one store of jobs.
// Messages are persistent JSON; malformed bodies are rejected to the
// dead-letter exchange.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  config.QueueConfig
	log  *logrus.Entry

	mu         sync.Mutex // Channels are not safe for concurrent publishing
	deliveries <-chan amqp.Delivery
}

// DialAMQP connects to the broker and declares the topology.
func DialAMQP(url string, cfg config.QueueConfig, log *logrus.Entry) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to broker: %w", utils.ErrQueue, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: opening channel: %w", utils.ErrQueue, err)
	}
	if err := setupTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: declaring topology: %w", utils.ErrQueue, err)
	}
	log.Infof("Connected to broker, queue '%s' on exchange '%s'", cfg.QueueName, cfg.Exchange)
	return &AMQPQueue{conn: conn, ch: ch, cfg: cfg, log: log}, nil
}

// setupTopology declares the dead-letter exchange and queue first, then the
// work exchange and the durable queue bound to it.
func setupTopology(ch *amqp.Channel, cfg config.QueueConfig) error {
	dlq := cfg.QueueName + ".dlq"
	if err := ch.ExchangeDeclare(cfg.DeadLetterEx, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(dlq, cfg.RoutingKey, cfg.DeadLetterEx, false, nil); err != nil {
		return err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    cfg.DeadLetterEx,
		"x-dead-letter-routing-key": cfg.RoutingKey,
		"x-max-priority":            int32(maxPriority),
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, args); err != nil {
		return err
	}
	return ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.Exchange, false, nil)
}

// maxPriority is the broker-side priority range. Job priority 1 is the highest.
const maxPriority = 3

// brokerPriority maps job priority (1 high .. 3 low) onto AMQP priority (higher first).
func brokerPriority(priority int) uint8 {
	p := maxPriority + 1 - priority
	return uint8(min(max(p, 0), maxPriority))
}

// Submit implements Dispatcher.
func (q *AMQPQueue) Submit(ctx context.Context, taskID string, priority int) error {
	body, err := json.Marshal(Message{TaskID: taskID, Priority: priority})
	if err != nil {
		return fmt.Errorf("%w: encoding message: %w", utils.ErrQueue, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx,
		q.cfg.Exchange,
		q.cfg.RoutingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Priority:     brokerPriority(priority),
			MessageId:    taskID,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: publishing task '%s': %w", utils.ErrQueue, taskID, err)
	}
	return nil
}

// Next implements Consumer. Deliveries use manual acknowledgement.
func (q *AMQPQueue) Next(ctx context.Context) (*Delivery, error) {
	deliveries, err := q.consume()
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil, ErrClosed
			}
			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil || msg.TaskID == "" {
				q.log.Warnf("Rejecting malformed task message %q: %v", d.MessageId, err)
				if nackErr := d.Nack(false, false); nackErr != nil {
					q.log.WithError(nackErr).Warn("Failed to reject message")
				}
				continue
			}
			return NewDelivery(msg.TaskID, msg.Priority,
				func() error { return d.Ack(false) },
				func() error { return d.Nack(false, false) },
			), nil
		}
	}
}

// consume registers the consumer on first use.
func (q *AMQPQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	if err := q.ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("%w: setting prefetch: %w", utils.ErrQueue, err)
	}
	deliveries, err := q.ch.Consume(
		q.cfg.QueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: registering consumer: %w", utils.ErrQueue, err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Close closes the channel and the connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	chErr := q.ch.Close()
	connErr := q.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
