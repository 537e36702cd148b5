package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the broker channel. Topic may contain {severity}.
type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Topic    string `yaml:"topic" json:"topic"`
}

// MQTT publishes notifications to a broker.
type MQTT struct {
	client mqtt.Client
	topic  string
}

// NewMQTT connects to the broker.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "obdmon"
	}
	if cfg.Topic == "" {
		cfg.Topic = "obdmon/alerts/{severity}"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[notify] mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("notify: failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("[notify] connected to MQTT broker %s", cfg.Broker)
	return newMQTTWithClient(client, cfg.Topic), nil
}

func newMQTTWithClient(client mqtt.Client, topic string) *MQTT {
	return &MQTT{client: client, topic: topic}
}

func (m *MQTT) Notify(n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		log.Printf("[notify] mqtt marshal: %v", err)
		return
	}
	topic := formatTopic(m.topic, n)
	token := m.client.Publish(topic, 1, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[notify] mqtt publish to %s: %v", topic, token.Error())
		}
	}()
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
	log.Printf("[notify] mqtt disconnected")
}

func formatTopic(pattern string, n Notification) string {
	return strings.ReplaceAll(pattern, "{severity}", strings.ToLower(string(n.Severity)))
}
