package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/viper"
)

const (
	urlKey          = "amqp.url"
	exchangeKey     = "amqp.exchange"
	defaultExchange = "isched.assignments"
	exchangeKind    = "topic"
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends assignment events to a topic exchange, routed by event type.
type Publisher struct {
	conn     *amqp091.Connection
	ch       channel
	exchange string
}

var _ ports.Notifier = (*Publisher)(nil)

func NewPublisher(cfg *viper.Viper) (*Publisher, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	url := strings.TrimSpace(cfg.GetString(urlKey))
	if url == "" {
		return nil, fmt.Errorf("amqp.url is required for the amqp notify backend")
	}
	exchange := strings.TrimSpace(cfg.GetString(exchangeKey))
	if exchange == "" {
		exchange = defaultExchange
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *Publisher) Notify(ctx context.Context, event ports.AssignmentEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s event for booking %s: %w", event.Type, event.BookingID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
