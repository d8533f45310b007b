// Package mqtt ingests bus traffic from an MQTT broker into the snapshot
// manager, one callback per delivered message.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"snapbuf/config"
	"snapbuf/logging"
)

// Handler receives one delivered message per subscribed topic. It must not
// block: the manager's push path holds only the topic's own lock.
type Handler func(topic string, payload []byte, metadata map[string]string)

// Source subscribes to the configured topics on one MQTT broker and forwards
// every delivery to the handler.
type Source struct {
	config  *config.MQTTConfig
	topics  []string
	handler Handler

	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex
}

// NewSource creates an MQTT source for the fixed topic set.
func NewSource(cfg *config.MQTTConfig, topics []string, handler Handler) *Source {
	return &Source{
		config:  cfg,
		topics:  topics,
		handler: handler,
	}
}

// Start connects to the broker and subscribes all topics. Subscriptions are
// re-established by the broker connect handler after an auto-reconnect.
func (s *Source) Start() error {
	// Quick check if already running
	s.mu.RLock()
	if s.running {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()

	// Configure broker URL based on TLS setting
	if s.config.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", s.config.Broker, s.config.Port))
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.config.Broker, s.config.Port))
	}

	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
		opts.SetPassword(s.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Resubscribe on every (re)connect so a broker restart does not leave
	// the buffers starved.
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		s.subscribeAll(client)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.DebugError("mqtt", "broker connection", err)
	})

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s:%d", s.config.Broker, s.config.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s:%d", s.config.Broker, s.config.Port)

	s.mu.Lock()
	// Double-check we're not already running (race condition check)
	if s.running {
		s.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	s.client = client
	s.running = true
	s.mu.Unlock()

	return nil
}

// subscribeAll subscribes every configured topic on the connected client.
func (s *Source) subscribeAll(client pahomqtt.Client) {
	for _, topic := range s.topics {
		token := client.Subscribe(topic, s.config.QoS, s.onMessage)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			if token.Error() != nil {
				logMQTT("Subscribe error for %s: %v", topic, token.Error())
			} else {
				logMQTT("Subscribe timeout for %s", topic)
			}
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

// onMessage is the paho delivery callback. It attaches the connection
// metadata and hands the opaque payload to the manager.
func (s *Source) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	logging.DebugPayload("mqtt", msg.Topic(), msg.Payload())

	metadata := map[string]string{
		"source":   "mqtt",
		"qos":      strconv.Itoa(int(msg.Qos())),
		"retained": strconv.FormatBool(msg.Retained()),
	}
	s.handler(msg.Topic(), msg.Payload(), metadata)
}

// Stop disconnects from the broker.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	client := s.client
	s.client = nil
	s.running = false
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	logMQTT("disconnected")
}

// IsRunning returns whether the source is connected.
func (s *Source) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}
