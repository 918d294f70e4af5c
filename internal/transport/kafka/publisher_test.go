package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/service/session"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
	gate   chan struct{} // when set, writes wait for it to close
	began  chan struct{}
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.gate != nil {
		w.began <- struct{}{}
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, 4, logger.Discard())

	ev := session.Event{
		Type:    session.EventFinalized,
		Session: model.DumpSession{ID: "s-1", StationID: "dump-01", Status: model.SessionFinalized, Complete: true},
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Expected writer to be closed, got %v", err)
	}
	msgs := w.written()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if string(msg.Key) != "dump-01" {
		t.Errorf("Expected key dump-01, got %s", msg.Key)
	}
	if header(msg, "event") != session.EventFinalized || header(msg, "session_id") != "s-1" {
		t.Errorf("Unexpected headers %+v", msg.Headers)
	}

	var decoded session.Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Failed to decode value: %v", err)
	}
	if decoded.Type != ev.Type || decoded.Session.ID != "s-1" || !decoded.Session.Complete {
		t.Errorf("Expected %+v, got %+v", ev, decoded)
	}

	if err := p.Publish(context.Background(), ev); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestPublish_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	p := newPublisher(w, 4, logger.Discard())

	if err := p.Publish(context.Background(), session.Event{Type: session.EventAbandoned, Session: model.DumpSession{ID: "s-2"}}); err != nil {
		t.Errorf("Expected Publish to queue despite broker errors, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if n := len(w.written()); n != 0 {
		t.Errorf("Expected no message written, got %d", n)
	}
}

func TestPublish_DoesNotWaitForBroker(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{}), began: make(chan struct{}, 4)}
	p := newPublisher(w, 1, logger.Discard())
	ev := session.Event{Type: session.EventFinalized, Session: model.DumpSession{ID: "s-3", StationID: "dump-01"}}
	ctx := context.Background()

	start := time.Now()
	if err := p.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-w.began
	if err := p.Publish(ctx, ev); err != nil {
		t.Fatalf("Expected second event to be queued, got %v", err)
	}
	if err := p.Publish(ctx, ev); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected Publish to return immediately, took %s", elapsed)
	}

	close(w.gate)
	p.Close()
	if n := len(w.written()); n != 2 {
		t.Errorf("Expected 2 messages written after the broker recovered, got %d", n)
	}
}
