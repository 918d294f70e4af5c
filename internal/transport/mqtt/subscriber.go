// Package mqtt ingests detection signals published by the camera inference
// nodes on <prefix>/<station>/signals.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"canedump/internal/config"
	"canedump/internal/logger"
	"canedump/internal/model"
)

const (
	qos            = 1
	connectTimeout = 10 * time.Second
	handleTimeout  = 2 * time.Second
)

// SignalHandler accepts one decoded signal.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig model.DetectionSignal) error
}

// Subscriber feeds MQTT signal messages to a SignalHandler.
type Subscriber struct {
	client  paho.Client
	prefix  string
	handler SignalHandler
	logger  *logger.Logger
}

// Topic returns the subscription filter for prefix.
func Topic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/+/signals"
}

// StationFromTopic extracts the station id of a <prefix>/<station>/signals topic.
func StationFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if !ok {
		return "", false
	}
	station, ok := strings.CutSuffix(rest, "/signals")
	if !ok || station == "" || strings.Contains(station, "/") {
		return "", false
	}
	return station, true
}

func NewSubscriber(cfg *config.Config, handler SignalHandler, logger *logger.Logger) *Subscriber {
	s := &Subscriber{
		prefix:  cfg.MQTTTopicPrefix,
		handler: handler,
		logger:  logger,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// Subscribing on every connect restores the subscription after a reconnect.
	opts.OnConnect = func(c paho.Client) {
		topic := Topic(s.prefix)
		token := c.Subscribe(topic, qos, s.onMessage)
		if !token.WaitTimeout(connectTimeout) {
			s.logger.Error("MQTT subscription to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Error("MQTT subscription to %s failed: %v", topic, err)
			return
		}
		s.logger.Info("MQTT subscribed to %s on %s", topic, cfg.MQTTBroker)
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		s.logger.Warning("MQTT connection lost, reconnecting: %v", err)
	}
	s.client = paho.NewClient(opts)
	return s
}

// Start connects to the broker.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Unsubscribe(Topic(s.prefix)).WaitTimeout(connectTimeout)
	}
	s.client.Disconnect(250)
	s.logger.Info("MQTT subscriber stopped")
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	if err := s.deliver(msg.Topic(), msg.Payload()); err != nil {
		s.logger.Warning("MQTT message on %s dropped: %v", msg.Topic(), err)
	}
}

// deliver decodes payload and hands it to the handler. A signal without a
// station id takes the one of its topic; a conflicting one is rejected.
func (s *Subscriber) deliver(topic string, payload []byte) error {
	station, ok := StationFromTopic(s.prefix, topic)
	if !ok {
		return fmt.Errorf("unexpected topic %s", topic)
	}

	var sig model.DetectionSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("failed to decode signal: %w", err)
	}
	if sig.StationID == "" {
		sig.StationID = station
	}
	if sig.StationID != station {
		return fmt.Errorf("signal for %s published on %s", sig.StationID, topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	return s.handler.HandleSignal(ctx, sig)
}
