package stream

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink republishes hub broadcasts to an MQTT broker under prefix/topic.
type MQTTSink struct {
	client  publisher
	prefix  string
	timeout time.Duration
}

func NewMQTTSink(client publisher, prefix string) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix, timeout: 5 * time.Second}
}

func (s *MQTTSink) Publish(topic string, payload []byte) error {
	if s.prefix != "" {
		topic = s.prefix + "/" + topic
	}
	token := s.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	return token.Error()
}

func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return client, nil
}
