// Package valkey reads per-topic retention overrides and extra topic names
// from a Valkey/Redis configuration store.
//
// Keys, under the configured prefix (default "snapbuf"):
//
//	<prefix>:topics          set of extra topic names to subscribe
//	<prefix>:topic:<name>    hash with optional fields "duration" (seconds,
//	                         float) and "memory" (bytes, int); a missing
//	                         field inherits the node default
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"snapbuf/buffer"
	"snapbuf/config"
	"snapbuf/logging"
)

// DefaultPrefix is the key prefix used when the config does not set one.
const DefaultPrefix = "snapbuf"

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Store is a read-only client for the external configuration store.
type Store struct {
	config *config.StoreConfig
	client *redis.Client
	prefix string
}

// NewStore creates a store client. Connect must be called before reads.
func NewStore(cfg *config.StoreConfig) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		config: cfg,
		prefix: prefix,
	}
}

// Connect establishes and verifies the connection. The operator configured a
// store on purpose, so an unreachable store is a startup error rather than
// something to silently skip.
func (s *Store) Connect() error {
	opts := &redis.Options{
		Addr:         s.config.Address,
		Password:     s.config.Password,
		DB:           s.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}

	if s.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	logValkey("Attempting to connect to config store at %s (DB: %d, TLS: %v)",
		s.config.Address, s.config.Database, s.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to config store at %s: %w", s.config.Address, err)
	}

	logValkey("Successfully connected to config store at %s", s.config.Address)
	s.client = client
	return nil
}

// Close releases the connection.
func (s *Store) Close() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// ExtraTopics returns additional topic names the store asks the service to
// subscribe. A missing set is not an error.
func (s *Store) ExtraTopics(ctx context.Context) ([]string, error) {
	topics, err := s.client.SMembers(ctx, joinKey(s.prefix, "topics")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read extra topics: %w", err)
	}
	if len(topics) > 0 {
		logValkey("store contributes %d extra topics", len(topics))
	}
	return topics, nil
}

// TopicOverrides returns the limit overrides for one topic. Fields absent
// from the hash stay nil and inherit the node defaults.
func (s *Store) TopicOverrides(ctx context.Context, topic string) (buffer.TopicLimits, error) {
	var limits buffer.TopicLimits

	fields, err := s.client.HGetAll(ctx, joinKey(s.prefix, "topic", topic)).Result()
	if err != nil {
		return limits, fmt.Errorf("failed to read overrides for %s: %w", topic, err)
	}

	if v, ok := fields["duration"]; ok {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return limits, fmt.Errorf("bad duration override for %s: %q", topic, v)
		}
		d := config.SecondsToDuration(seconds)
		limits.Duration = &d
	}
	if v, ok := fields["memory"]; ok {
		bytes, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return limits, fmt.Errorf("bad memory override for %s: %q", topic, v)
		}
		limits.Memory = &bytes
	}

	if limits.Duration != nil || limits.Memory != nil {
		logValkey("store overrides for %s: duration=%v memory=%v", topic, fields["duration"], fields["memory"])
	}
	return limits, nil
}

func logValkey(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}
