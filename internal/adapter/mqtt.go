package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/banshee-data/water.report/internal/reading"
)

const (
	DefaultMQTTTopic    = "water_quality/telemetry"
	DefaultMQTTClientID = "water-report"
	mqttDisconnectQuiet = 250 // milliseconds
)

// MQTTConfig describes the broker the device publishes to.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
}

// MQTT subscribes to the device's telemetry topic. Each message is one
// reading payload. The client reconnects on its own once the first
// connection has been made.
type MQTT struct {
	base
	cfg       MQTTConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func NewMQTT(name string, cfg MQTTConfig, opts ...Option) *MQTT {
	if cfg.Topic == "" {
		cfg.Topic = DefaultMQTTTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultMQTTClientID
	}
	m := &MQTT{cfg: cfg, newClient: mqtt.NewClient}
	m.init(name, reading.SourceMQTT, opts)
	return m
}

func (m *MQTT) clientOptions(ctx context.Context, in Ingester) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
	}
	if m.cfg.Password != "" {
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetMaxReconnectInterval(time.Minute)

	// subscriptions do not survive a clean session, so resubscribe on every
	// (re)connect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			m.handleMessage(ctx, in, msg)
		})
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				m.down(fmt.Errorf("%w: subscribe %s: %v", ErrTransport, m.cfg.Topic, err))
				return
			}
			m.log.Info("subscribed", zap.String("topic", m.cfg.Topic))
			m.up()
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.down(fmt.Errorf("%w: %v", ErrTransport, err))
	})
	return opts
}

func (m *MQTT) Run(ctx context.Context, in Ingester) error {
	if m.cfg.Broker == "" {
		return errors.New("mqtt: no broker configured")
	}
	client := m.newClient(m.clientOptions(ctx, in))
	defer m.down(nil)

	for {
		token := client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			client.Disconnect(mqttDisconnectQuiet)
			return nil
		}
		err := token.Error()
		if err == nil {
			break
		}
		m.down(fmt.Errorf("%w: connect %s: %v", ErrTransport, m.cfg.Broker, err))
		if m.wait(ctx) != nil {
			return nil
		}
	}

	<-ctx.Done()
	client.Disconnect(mqttDisconnectQuiet)
	return nil
}

func (m *MQTT) handleMessage(ctx context.Context, in Ingester, msg mqtt.Message) {
	if ctx.Err() != nil {
		return
	}
	if msg.Duplicate() {
		m.log.Debug("redelivered message", zap.Uint16("id", msg.MessageID()))
	}
	m.submit(ctx, in, msg.Payload())
}
