package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Brownie44l1/medvision-api/internal/config"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Event is the message published for each completed analysis.
type Event struct {
	AnalysisID     uint      `json:"analysis_id,omitempty"`
	Prediction     string    `json:"prediction"`
	Confidence     float64   `json:"confidence"`
	ConfidenceTier string    `json:"confidence_level"`
	RiskAssessment string    `json:"risk_assessment"`
	Degraded       bool      `json:"degraded"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher sends analysis events to an MQTT broker. A nil *Publisher drops
// every event.
type Publisher struct {
	client paho.Client
	topic  string
}

// NewPublisher connects to the broker. It returns nil, nil when MQTT is off.
func NewPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	if !cfg.Enabled {
		log.Info("MQTT is disabled in config.")
		return nil, nil
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		log.Infof("Connected to MQTT broker %s:%d", cfg.Broker, cfg.Port)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s:%d", cfg.Broker, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return newPublisher(client, cfg.Topic), nil
}

func newPublisher(client paho.Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

// Publish sends ev without waiting for delivery.
func (p *Publisher) Publish(ev Event) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.WithError(token.Error()).Warnf("Failed to publish to %s", p.topic)
		}
	}()
	return nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Disconnect(250)
}
