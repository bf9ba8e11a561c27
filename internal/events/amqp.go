package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/LeventeLantos/messaging-gateway/internal/logging"
)

// AMQPSink publishes every event as JSON to a fanout exchange so status
// subscribers outside this process can follow provider state. The routing
// key is the service name.
type AMQPSink struct {
	exchange string
	log      *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{
		exchange: exchange,
		log:      logging.Component("events"),
		conn:     conn,
		ch:       ch,
	}, nil
}

func (s *AMQPSink) Deliver(e Event) {
	msg, err := encodeAMQP(e)
	if err != nil {
		s.log.Error("encode event", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return
	}
	if err := s.ch.Publish(s.exchange, string(e.Service), false, false, msg); err != nil {
		s.log.Warn("publish event", "type", e.Type, "error", err)
	}
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func encodeAMQP(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         body,
	}, nil
}
