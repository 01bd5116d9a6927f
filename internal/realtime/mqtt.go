package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"labtrack/internal/presence"
)

// DefaultTopic is where log-entry notifications are published.
const DefaultTopic = "lab/presence/logs"

var (
	connectTimeout       = 10 * time.Second
	connectRetryInterval = 5 * time.Second
)

// MQTTBus publishes entries to an MQTT broker so door displays and other
// consumers can follow the lab. Local subscribers are fed from the broker
// echo through an internal Hub, so one broker subscription serves them all.
type MQTTBus struct {
	client paho.Client
	topic  string
	hub    *Hub
}

// NewMQTTBus connects to broker and subscribes to topic.
func NewMQTTBus(broker, clientID, topic string) (*MQTTBus, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	if clientID == "" {
		clientID = "labtrack"
	}
	b := &MQTTBus{topic: topic, hub: NewHub()}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetOnConnectHandler(func(c paho.Client) {
			// resubscribe after reconnects; the session is not persistent
			token := c.Subscribe(topic, 1, b.onMessage)
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				log.Printf("realtime: mqtt subscribe %s failed: %v", topic, token.Error())
			}
		})

	b.client = paho.NewClient(opts)
	token := b.client.Connect()
	// Disconnect stops the client's background connect retries.
	if !token.WaitTimeout(connectTimeout) {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return b, nil
}

func (b *MQTTBus) onMessage(_ paho.Client, msg paho.Message) {
	entry, err := ParsePayload(msg.Payload())
	if err != nil {
		log.Printf("realtime: dropping bad mqtt message on %s: %v", msg.Topic(), err)
		return
	}
	_ = b.hub.Publish(context.Background(), entry)
}

// Publish sends the entry with QoS 1, not retained.
func (b *MQTTBus) Publish(ctx context.Context, entry presence.LogEntry) error {
	payload, err := FormatPayload(entry, time.Now())
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	wait := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	token := b.client.Publish(b.topic, 1, false, payload)
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe registers a local handler for entries seen on the topic.
func (b *MQTTBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	return b.hub.Subscribe(ctx, h)
}

// IsConnected reports the broker connection state.
func (b *MQTTBus) IsConnected() bool {
	return b.client.IsConnected()
}

// Close unsubscribes and disconnects from the broker.
func (b *MQTTBus) Close() error {
	if token := b.client.Unsubscribe(b.topic); token.WaitTimeout(2 * time.Second) {
		if err := token.Error(); err != nil {
			log.Printf("realtime: mqtt unsubscribe: %v", err)
		}
	}
	b.client.Disconnect(1000)
	return nil
}
