// Package broker publishes completed pipeline runs to RabbitMQ.
//
// Each run becomes one persistent JSON message on a topic exchange. The
// exchange is declared on connect. A publish that finds the channel closed
// re-dials once before giving up; the run itself never fails because of the
// broker.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JonMunkholm/MiniETL/internal/core"
	"github.com/JonMunkholm/MiniETL/internal/logging"
)

// EventRunCompleted is the message type of a published run.
const EventRunCompleted = "run.completed"

// PublishTimeout bounds a single publish.
var PublishTimeout = 10 * time.Second

// Config configures the RabbitMQ publisher.
type Config struct {
	URL        string
	Exchange   string // topic exchange, declared durable
	RoutingKey string
}

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// dialFunc opens a connection and a channel on it.
type dialFunc func(url string) (channel, io.Closer, error)

func dialAMQP(url string) (channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, conn, nil
}

// Publisher sends run events to a RabbitMQ exchange. It implements core.Publisher.
type Publisher struct {
	cfg  Config
	dial dialFunc

	mu   sync.Mutex
	ch   channel
	conn io.Closer
}

// New connects to RabbitMQ and declares the exchange.
func New(cfg Config) (*Publisher, error) {
	return newPublisher(cfg, dialAMQP)
}

func newPublisher(cfg Config, dial dialFunc) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("broker: url is required")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("broker: exchange is required")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = EventRunCompleted
	}

	p := &Publisher{cfg: cfg, dial: dial}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connectLocked() error {
	ch, conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %q: %w", p.cfg.Exchange, err)
	}
	p.ch, p.conn = ch, conn
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Publish sends ev as a persistent JSON message whose id is the run id.
func (p *Publisher) Publish(ctx context.Context, ev core.RunEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.RunID,
		Type:         EventRunCompleted,
		Timestamp:    time.Now().UTC(),
		Body:         body,
		Headers:      amqp.Table{},
	}
	if runID := logging.RunIDFromContext(ctx); runID != "" {
		msg.Headers["x-run-id"] = runID
	}

	publishCtx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if p.ch == nil || p.ch.IsClosed() {
			p.closeLocked()
			if err := p.connectLocked(); err != nil {
				return fmt.Errorf("broker: reconnect: %w", err)
			}
		}

		err = p.ch.PublishWithContext(publishCtx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, msg)
		if err == nil {
			logging.FromContext(ctx).Debug("run event published",
				"exchange", p.cfg.Exchange, "routing_key", p.cfg.RoutingKey)
			return nil
		}
		if attempt > 0 || !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("broker: publish run %s: %w", ev.RunID, err)
		}
		p.closeLocked()
	}
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

// Noop discards events. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, core.RunEvent) error { return nil }

func (Noop) Close() error { return nil }
