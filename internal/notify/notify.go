// Package notify surfaces alerts to the operator. Delivery is fire-and-forget:
// a failed delivery is logged and never reported back to the caller.
package notify

import (
	"log"
	"time"

	"github.com/shaunagostinho/obdmon/internal/model"
)

// Notification is what the operator sees.
type Notification struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  model.Severity `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
}

// FromAlert builds the notification for an alert.
func FromAlert(a model.Alert) Notification {
	return Notification{Title: a.Title, Message: a.Message, Severity: a.Severity, Timestamp: a.Timestamp}
}

// Notifier delivers notifications. Notify must not block for long.
type Notifier interface {
	Notify(n Notification)
}

// Config selects delivery channels. The log channel is always on.
type Config struct {
	Webhook string     `yaml:"webhook" json:"webhook"`
	MQTT    MQTTConfig `yaml:"mqtt" json:"mqtt"`
}

// Log writes notifications to the process log.
type Log struct{}

func (Log) Notify(n Notification) {
	log.Printf("[notify] %s: %s - %s", n.Severity, n.Title, n.Message)
}

// Multi fans a notification out to every notifier.
type Multi struct {
	notifiers []Notifier
	closers   []func()
}

// New builds the configured channels. A channel that fails to start is
// logged and skipped so the monitor still runs.
func New(cfg Config) *Multi {
	m := &Multi{notifiers: []Notifier{Log{}}}
	if cfg.Webhook != "" {
		wh, err := NewWebhook(cfg.Webhook)
		if err != nil {
			log.Printf("[notify] webhook disabled: %v", err)
		} else {
			m.notifiers = append(m.notifiers, wh)
		}
	}
	if cfg.MQTT.Broker != "" {
		mq, err := NewMQTT(cfg.MQTT)
		if err != nil {
			log.Printf("[notify] mqtt disabled: %v", err)
		} else {
			m.notifiers = append(m.notifiers, mq)
			m.closers = append(m.closers, mq.Close)
		}
	}
	return m
}

// NewMulti combines notifiers.
func NewMulti(ns ...Notifier) *Multi { return &Multi{notifiers: ns} }

func (m *Multi) Notify(n Notification) {
	for _, nt := range m.notifiers {
		nt.Notify(n)
	}
}

// Close releases broker connections.
func (m *Multi) Close() {
	for _, c := range m.closers {
		c()
	}
}
