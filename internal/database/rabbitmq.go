package database

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// NewAMQPConnection dials the broker. An empty url returns nil, nil and
// leaves event publishing disabled.
func NewAMQPConnection(url string, log zerolog.Logger) (*amqp.Connection, error) {
	if url == "" {
		log.Warn().Msg("AMQP_URL is empty, result events are disabled")
		return nil, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	log.Info().Str("vhost", conn.Config.Vhost).Msg("RabbitMQ connected")
	return conn, nil
}
