package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/labinventario/inventario/pkg/inventario/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrBrokerUnavailable is returned while the breaker is rejecting publishes
	ErrBrokerUnavailable = errors.New("event broker unavailable")
	errNotConnected      = errors.New("not connected to broker")
)

// BreakerConfig controls when publishing stops trying the broker
type BreakerConfig struct {
	MaxRequests  uint32        // requests allowed while half-open
	Interval     time.Duration // closed-state window after which counts reset
	Timeout      time.Duration // how long the breaker stays open
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerConfig trips after at least 5 publishes with half of them failing
var DefaultBreakerConfig = BreakerConfig{
	MaxRequests:  1,
	Interval:     time.Minute,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.5,
}

// channel is the part of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a fresh connection and channel with the exchange declared
type dialFunc func() (channel, io.Closer, error)

// AMQPPublisher publishes JSON events to a topic exchange, routed by event type.
// When the broker closes the channel the publisher drops it and dials again on
// the next publish, so reconnect attempts are counted by the breaker.
type AMQPPublisher struct {
	mu       sync.Mutex
	ch       channel
	conn     io.Closer
	dial     dialFunc
	exchange string
	breaker  *gobreaker.CircuitBreaker[struct{}]
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// DialAMQP connects to the broker and declares a durable topic exchange
func DialAMQP(url, exchange string, cfg BreakerConfig, logger *slog.Logger, metrics *observability.Metrics) (*AMQPPublisher, error) {
	dial := func() (channel, io.Closer, error) {
		return dialExchange(url, exchange)
	}
	ch, conn, err := dial()
	if err != nil {
		return nil, err
	}

	p := newAMQPPublisher(ch, exchange, cfg, logger, metrics)
	p.conn = conn
	p.dial = dial
	return p, nil
}

func dialExchange(url, exchange string) (channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("exchange declare %s: %w", exchange, err)
	}
	return ch, conn, nil
}

func newAMQPPublisher(ch channel, exchange string, cfg BreakerConfig, logger *slog.Logger, metrics *observability.Metrics) *AMQPPublisher {
	if logger == nil {
		logger = observability.Discard()
	}
	p := &AMQPPublisher{ch: ch, exchange: exchange, logger: logger, metrics: metrics}

	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "amqp:" + exchange,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("event breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.SetEventBreakerState(stateToInt(to))
		},
	})
	return p
}

// Publish sends ev to the exchange with the event type as routing key
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	_, err = p.breaker.Execute(func() (struct{}, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := p.connect(); err != nil {
			return struct{}{}, err
		}
		err := p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.OccurredAt,
			Type:         ev.Type,
			Body:         body,
		})
		if errors.Is(err, amqp.ErrClosed) {
			p.disconnect()
		}
		return struct{}{}, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.metrics.RecordEventPublish(ev.Type, observability.EventResultRejected)
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	case err != nil:
		p.metrics.RecordEventPublish(ev.Type, observability.EventResultError)
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	p.metrics.RecordEventPublish(ev.Type, observability.EventResultOK)
	return nil
}

// connect dials when the previous channel was dropped. Callers hold p.mu.
func (p *AMQPPublisher) connect() error {
	if p.ch != nil {
		return nil
	}
	if p.dial == nil {
		return errNotConnected
	}

	ch, conn, err := p.dial()
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	p.ch, p.conn = ch, conn
	p.logger.Info("reconnected to event broker", "exchange", p.exchange)
	return nil
}

// disconnect releases a closed channel and its connection. Callers hold p.mu.
func (p *AMQPPublisher) disconnect() {
	p.logger.Warn("event broker channel closed", "exchange", p.exchange)
	p.ch.Close()
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// State reports the breaker state
func (p *AMQPPublisher) State() gobreaker.State {
	return p.breaker.State()
}

// Close closes the channel and then the connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

// 0=closed, 1=half-open, 2=open
func stateToInt(state gobreaker.State) int {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
