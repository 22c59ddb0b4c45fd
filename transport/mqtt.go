package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eljojo/livesync/types"
	"github.com/sirupsen/logrus"
)

const defaultConnectTimeout = 10 * time.Second
const unsubscribeTimeout = 2 * time.Second

// MQTTOptions configures an MQTT transport.
type MQTTOptions struct {
	Broker         string // e.g. "tcp://127.0.0.1:1883"
	ClientID       string
	Username       string
	Password       string
	QoS            byte // defaults to 1 (at least once)
	ConnectTimeout time.Duration
}

// MQTT is a Transport over an MQTT broker. Channel names are used as topics
// verbatim.
//
// Each channel is subscribed on the broker once, however many local
// listeners it has; incoming messages are fanned out through a Bus.
type MQTT struct {
	client mqtt.Client
	opts   MQTTOptions
	bus    *Bus

	mu         sync.Mutex
	subscribed map[types.Channel]int
	closed     bool
}

// NewMQTT connects to the broker and returns the transport.
func NewMQTT(opts MQTTOptions) (*MQTT, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker required")
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	m := &MQTT{
		opts:       opts,
		bus:        NewBus(BusOptions{Name: "mqtt"}),
		subscribed: make(map[types.Channel]int),
	}
	m.client = initializeMQTT(m.onConnectHandler(), opts)

	token := m.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", opts.Broker, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	return m, nil
}

func initializeMQTT(onConnect mqtt.OnConnectHandler, opts MQTTOptions) mqtt.Client {
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetOrderMatters(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)
	clientOpts.OnConnect = onConnect
	clientOpts.OnConnectionLost = connectLostHandler
	return mqtt.NewClient(clientOpts)
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	logrus.Printf("MQTT Connection lost: %v", err)
}

// onConnectHandler restores broker subscriptions; the session is clean, so a
// reconnect starts with none.
func (m *MQTT) onConnectHandler() mqtt.OnConnectHandler {
	return func(client mqtt.Client) {
		logrus.Debugf("Connected to MQTT broker %s", m.opts.Broker)

		m.mu.Lock()
		channels := make([]types.Channel, 0, len(m.subscribed))
		for channel := range m.subscribed {
			channels = append(channels, channel)
		}
		m.mu.Unlock()

		for _, channel := range channels {
			token := client.Subscribe(channel.String(), m.opts.QoS, m.messageHandler)
			if token.WaitTimeout(m.opts.ConnectTimeout) && token.Error() != nil {
				logrus.Warnf("MQTT resubscribe to %s failed: %v", channel, token.Error())
			}
		}
	}
}

func (m *MQTT) messageHandler(client mqtt.Client, msg mqtt.Message) {
	m.bus.Publish(types.Channel(msg.Topic()), msg.Payload())
}

// Emit publishes payload on the channel's topic.
func (m *MQTT) Emit(ctx context.Context, channel types.Channel, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	token := m.client.Publish(channel.String(), m.opts.QoS, false, payload)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Listen subscribes to channel. The local subscription is registered before
// the broker subscription so nothing arriving in between is lost.
func (m *MQTT) Listen(ctx context.Context, channel types.Channel) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	first := m.subscribed[channel] == 0
	m.subscribed[channel]++
	m.mu.Unlock()

	c, cancel := m.bus.Subscribe(channel)

	if first {
		token := m.client.Subscribe(channel.String(), m.opts.QoS, m.messageHandler)
		if err := waitToken(ctx, token); err != nil {
			cancel()
			m.release(channel)
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	return newSubscription(ctx, channel, c, func() {
		cancel()
		m.release(channel)
	}), nil
}

func (m *MQTT) release(channel types.Channel) {
	m.mu.Lock()
	m.subscribed[channel]--
	last := m.subscribed[channel] <= 0
	if last {
		delete(m.subscribed, channel)
	}
	closed := m.closed
	m.mu.Unlock()

	if last && !closed {
		token := m.client.Unsubscribe(channel.String())
		if token.WaitTimeout(unsubscribeTimeout) && token.Error() != nil {
			logrus.Debugf("MQTT unsubscribe from %s failed: %v", channel, token.Error())
		}
	}
}

// IsConnected reports whether the client currently has a broker connection.
func (m *MQTT) IsConnected() bool {
	return m.client.IsConnected()
}

// Close disconnects from the broker and ends every subscription.
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.client.Disconnect(250)
	m.bus.Close()
	return nil
}

func (m *MQTT) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
