// Package kafka ingests bus traffic from a Kafka cluster into the snapshot
// manager, one reader per subscribed topic.
package kafka

import (
	"context"
	"crypto/tls"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"snapbuf/config"
	"snapbuf/logging"
)

// SASL mechanism names accepted in configuration.
const (
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// Handler receives one delivered message per subscribed topic.
type Handler func(topic string, payload []byte, metadata map[string]string)

// Source consumes the configured topics from a Kafka cluster and forwards
// every fetched message to the handler. Buffering is a live window, so each
// reader starts at the latest offset rather than replaying history.
type Source struct {
	config  *config.KafkaConfig
	topics  []string
	handler Handler

	readers []*kafka.Reader
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewSource creates a Kafka source for the fixed topic set.
func NewSource(cfg *config.KafkaConfig, topics []string, handler Handler) *Source {
	return &Source{
		config:  cfg,
		topics:  topics,
		handler: handler,
	}
}

// Start creates one reader per topic and begins the fetch loops.
func (s *Source) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	dialer := s.createDialer()
	s.readers = make([]*kafka.Reader, 0, len(s.topics))
	for _, topic := range s.topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     s.config.Brokers,
			Topic:       topic,
			GroupID:     s.config.GroupID,
			MinBytes:    1,                      // Fetch immediately when data available
			MaxBytes:    1e6,                    // 1MB max
			MaxWait:     100 * time.Millisecond, // Short wait for responsiveness
			StartOffset: kafka.LastOffset,       // Live window, no history replay
			Dialer:      dialer,
		})
		s.readers = append(s.readers, reader)
	}

	s.running = true
	s.mu.Unlock()

	for _, reader := range s.readers {
		s.wg.Add(1)
		go s.consumeLoop(ctx, reader)
	}

	logKafka("started %d readers against %v", len(s.readers), s.config.Brokers)
	return nil
}

// consumeLoop fetches messages from one topic's reader until the source is
// stopped.
func (s *Source) consumeLoop(ctx context.Context, reader *kafka.Reader) {
	defer s.wg.Done()

	topic := reader.Config().Topic
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.DebugError("kafka", "read on "+topic, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		logging.DebugPayload("kafka", topic, msg.Value)
		s.handler(topic, msg.Value, messageMetadata(msg))
	}
}

// messageMetadata builds the connection metadata carried alongside one
// fetched message: partition coordinates, key, and any record headers.
func messageMetadata(msg kafka.Message) map[string]string {
	metadata := map[string]string{
		"source":    "kafka",
		"partition": strconv.Itoa(msg.Partition),
		"offset":    strconv.FormatInt(msg.Offset, 10),
	}
	if len(msg.Key) > 0 {
		metadata["key"] = string(msg.Key)
	}
	for _, h := range msg.Headers {
		metadata["header."+h.Key] = string(h.Value)
	}
	return metadata
}

// Stop cancels the fetch loops and closes all readers.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	readers := s.readers
	s.readers = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Wait for the loops with a timeout; a reader blocked on a dead broker
	// should not hang shutdown.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("stop timeout, closing readers anyway")
	}

	for _, reader := range readers {
		reader.Close()
	}
	logKafka("stopped")
}

// IsRunning returns whether the source is consuming.
func (s *Source) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// createDialer creates a Kafka dialer with auth and TLS.
func (s *Source) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if s.config.UseTLS {
		dialer.TLS = tlsConfig(s.config)
	}

	if mechanism := s.getSASLMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}

	return dialer
}

// getSASLMechanism returns the configured SASL mechanism.
func (s *Source) getSASLMechanism() sasl.Mechanism {
	if s.config.Username == "" {
		return nil
	}

	switch s.config.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: s.config.Username,
			Password: s.config.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, s.config.Username, s.config.Password)
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, s.config.Username, s.config.Password)
		return mechanism
	default:
		return nil
	}
}

// tlsConfig returns the TLS configuration for broker connections.
func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}
