// Package kafka publishes session lifecycle events for downstream sync.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"canedump/internal/logger"
	"canedump/internal/service/session"
)

const (
	writeTimeout = 5 * time.Second
	queueSize    = 256
)

var (
	// ErrQueueFull is returned when the broker cannot keep up with closed sessions.
	ErrQueueFull = errors.New("event queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("publisher closed")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per closed session, keyed by station so a
// station's events stay ordered within a partition. Publish only queues the
// message; a single goroutine writes to the broker.
type Publisher struct {
	writer messageWriter
	logger *logger.Logger

	queue chan kafka.Message
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewPublisher(brokers []string, topic string, logger *logger.Logger) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}, queueSize, logger)
}

func newPublisher(w messageWriter, size int, logger *logger.Logger) *Publisher {
	p := &Publisher{
		writer: w,
		logger: logger,
		queue:  make(chan kafka.Message, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case msg := <-p.queue:
			p.write(msg)
		case <-p.stop:
			for {
				select {
				case msg := <-p.queue:
					p.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warning("Failed to publish %s for session %s: %v", header(msg, "event"), header(msg, "session_id"), err)
		return
	}
	p.logger.Debug("Published %s for session %s", header(msg, "event"), header(msg, "session_id"))
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Message encodes an event.
func Message(e session.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.Session.StationID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Type)},
			{Key: "session_id", Value: []byte(e.Session.ID)},
		},
		Time: time.Now().UTC(),
	}, nil
}

// Publish implements session.Publisher. It never waits for the broker.
func (p *Publisher) Publish(ctx context.Context, e session.Event) error {
	select {
	case <-p.stop:
		return ErrClosed
	default:
	}
	msg, err := Message(e)
	if err != nil {
		return err
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		return fmt.Errorf("failed to publish %s for session %s: %w", e.Type, e.Session.ID, ErrQueueFull)
	}
}

// Close writes the queued messages and closes the writer.
func (p *Publisher) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return p.writer.Close()
}
