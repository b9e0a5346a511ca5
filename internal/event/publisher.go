package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher sends result events to the broker.
type Publisher interface {
	PublishResultFinalized(ctx context.Context, ev *ResultFinalized) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange.
// A publisher built without a connection is disabled and drops events.
type AMQPPublisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	enabled  bool
	log      zerolog.Logger
}

// NewAMQPPublisher opens a channel on conn and declares exchange.
func NewAMQPPublisher(conn *amqp.Connection, exchange string, log zerolog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{
		exchange: exchange,
		log:      log.With().Str("component", "event_publisher").Logger(),
	}
	if conn == nil {
		return p, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p.channel = ch
	p.enabled = true
	p.log.Info().Str("exchange", exchange).Msg("Event publisher initialized")
	return p, nil
}

// PublishResultFinalized publishes ev with its type as the routing key.
func (p *AMQPPublisher) PublishResultFinalized(ctx context.Context, ev *ResultFinalized) error {
	if !p.enabled {
		p.log.Debug().Str("event_id", ev.ID).Msg("Event publishing disabled, skipping")
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		string(ev.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Timestamp:    time.Unix(ev.Timestamp, 0),
			Body:         body,
			Headers: amqp.Table{
				"event_type": string(ev.Type),
				"user_id":    ev.Result.UserID,
				"exam_id":    ev.Result.ExamID,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close closes the channel. The connection belongs to the caller.
func (p *AMQPPublisher) Close() error {
	if !p.enabled {
		return nil
	}
	return p.channel.Close()
}
