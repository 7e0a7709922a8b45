// Package mqttpub publishes the engine's event stream outward over MQTT:
// one topic per event type, QoS and retry policy configured once at
// construction.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/eventbus"
)

var publishCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoengine_mqtt_published_total",
		Help: "Count of events published to MQTT, by topic and outcome.",
	},
	[]string{"topic", "outcome"},
)

func init() {
	prometheus.MustRegister(publishCounter)
}

// Publisher subscribes to the event bus and republishes every event onto an
// MQTT topic derived from its type, retrying transient publish failures.
type Publisher struct {
	client       mqtt.Client
	logger       *zap.Logger
	topicPrefix  string
	qos          byte
	retryCount   int
	retryBackoff time.Duration
}

// New constructs a disconnected Publisher from MQTT config. Call Connect
// before Run.
func New(logger *zap.Logger, cfg config.MQTTConfig) *Publisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("geoengine-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)

	return &Publisher{
		client:       mqtt.NewClient(opts),
		logger:       logger,
		topicPrefix:  cfg.TopicPrefix,
		qos:          byte(cfg.QoS),
		retryCount:   cfg.RetryCount,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Connect opens the broker connection, retrying per the configured policy.
func (p *Publisher) Connect() error {
	var lastErr error
	attempts := p.retryCount
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		token := p.client.Connect()
		token.Wait()
		if token.Error() == nil {
			return nil
		}
		lastErr = token.Error()
		if p.logger != nil {
			p.logger.Warn("mqtt connect attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
		}
		time.Sleep(p.retryBackoff * time.Duration(attempt))
	}
	return fmt.Errorf("mqttpub: failed to connect after %d attempts: %w", attempts, lastErr)
}

// Disconnect tears down the broker connection.
func (p *Publisher) Disconnect() {
	p.client.Disconnect(500)
}

// Run drains sub until it closes (typically on shutdown), publishing every
// event it sees. It blocks, so callers run it in its own goroutine.
func (p *Publisher) Run(sub *eventbus.Subscription) {
	for evt := range sub.C {
		p.publish(evt)
	}
}

func (p *Publisher) publish(evt eventbus.Event) {
	topic := fmt.Sprintf("%s/%s", p.topicPrefix, evt.Type)
	payload, err := json.Marshal(evt)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("mqtt payload encode failed", zap.String("topic", topic), zap.Error(err))
		}
		return
	}

	var pubErr error
	attempts := p.retryCount
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		token := p.client.Publish(topic, p.qos, false, payload)
		token.Wait()
		pubErr = token.Error()
		if pubErr == nil {
			break
		}
		time.Sleep(p.retryBackoff * time.Duration(attempt))
	}

	outcome := "ok"
	if pubErr != nil {
		outcome = "error"
		if p.logger != nil {
			p.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(pubErr))
		}
	}
	publishCounter.WithLabelValues(topic, outcome).Inc()
}
