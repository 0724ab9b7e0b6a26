package notify

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

// Enqueuer is the part of the delivery queue the notifier needs.
type Enqueuer interface {
	Name() string
	Enqueue(ctx context.Context, evt domain.NotificationEvent) error
}

// QueueSubscriber delivers events onto the delivery queue consumed by the
// order consumers.
type QueueSubscriber struct {
	Queue Enqueuer
}

// Name implements Subscriber.
func (s QueueSubscriber) Name() string { return "queue:" + s.Queue.Name() }

// Deliver implements Subscriber.
func (s QueueSubscriber) Deliver(ctx context.Context, evt domain.NotificationEvent) error {
	return s.Queue.Enqueue(ctx, evt)
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSubscriber.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSubscriber publishes events to a Kafka topic keyed by order id, so all
// events for one order land on the same partition.
type KafkaSubscriber struct {
	Topic  string
	Writer MessageWriter
}

// NewKafkaWriter returns a writer that hashes keys across partitions and
// waits for the leader's acknowledgement.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// Name implements Subscriber.
func (s KafkaSubscriber) Name() string { return "kafka:" + s.Topic }

// Deliver implements Subscriber.
func (s KafkaSubscriber) Deliver(ctx context.Context, evt domain.NotificationEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return domain.Permanent(err)
	}
	return s.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.OrderID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
		},
	})
}

// AMQPPublisher is the subset of *amqp.Channel used by AMQPSubscriber.
type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSubscriber publishes events as persistent messages to a RabbitMQ queue
// through the default exchange.
type AMQPSubscriber struct {
	Queue   string
	Channel AMQPPublisher
}

// DialAMQP connects to url, declares a durable queue and returns the
// subscriber together with a close function for the connection.
func DialAMQP(url, queue string) (*AMQPSubscriber, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp declare %s: %w", queue, err)
	}
	closeFn := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return &AMQPSubscriber{Queue: queue, Channel: ch}, closeFn, nil
}

// Name implements Subscriber.
func (s AMQPSubscriber) Name() string { return "amqp:" + s.Queue }

// Deliver implements Subscriber.
func (s AMQPSubscriber) Deliver(ctx context.Context, evt domain.NotificationEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return domain.Permanent(err)
	}
	return s.Channel.PublishWithContext(ctx, "", s.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.EventID,
		Timestamp:    evt.PublishedAt,
		Body:         body,
	})
}
