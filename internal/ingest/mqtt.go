package ingest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/logger"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttDisconnectQuiesce = 250 // milliseconds granted to in-flight publishes
)

// MQTTSource subscribes to the collector topic tree and exposes payloads as a
// Source. The final topic segment names the payload kind, e.g.
// "kestrel/events/disk_full".
type MQTTSource struct {
	client   mqtt.Client
	topic    string
	ch       chan event.RawPayload
	stopCh   chan struct{}
	stopOnce sync.Once
	log      logger.Logger
}

// NewMQTTSource connects to the broker and subscribes with QoS 1 so the
// at-least-once contract of the ingest queue holds across reconnects.
func NewMQTTSource(broker, clientID, topic string, queueSize int, log logger.Logger) (*MQTTSource, error) {
	s := &MQTTSource{
		topic:  topic,
		ch:     make(chan event.RawPayload, queueSize),
		stopCh: make(chan struct{}),
		log:    log,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(mqttConnectTimeout)
	opts.OnConnect = func(c mqtt.Client) {
		if token := c.Subscribe(s.topic, 1, s.onMessage); token.Wait() && token.Error() != nil {
			log.Error("failed to subscribe to ingest topic",
				logger.String("topic", s.topic),
				logger.Error(token.Error()))
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("ingest broker connection lost", logger.Error(err))
	}

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to ingest broker %s: %w", broker, token.Error())
	}
	return s, nil
}

// onMessage blocks while the internal queue is full. With QoS 1 and ordered
// delivery this pushes backpressure onto the broker instead of dropping.
func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	kind := kindFromTopic(msg.Topic())
	payload := event.RawPayload{
		Kind:       kind,
		Body:       msg.Payload(),
		ReceivedAt: time.Now(),
	}
	select {
	case s.ch <- payload:
	case <-s.stopCh:
	}
}

// Events implements Source.
func (s *MQTTSource) Events() <-chan event.RawPayload { return s.ch }

// Stop implements Source.
func (s *MQTTSource) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.client.Disconnect(mqttDisconnectQuiesce)
		close(s.ch)
	})
}

func kindFromTopic(topic string) event.Kind {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 || idx == len(topic)-1 {
		return event.Kind(topic)
	}
	return event.Kind(topic[idx+1:])
}
