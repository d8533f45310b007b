package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"

	"snapbuf/config"
)

func TestMessageMetadata(t *testing.T) {
	msg := kafka.Message{
		Partition: 3,
		Offset:    42,
		Key:       []byte("line1"),
		Headers: []kafka.Header{
			{Key: "schema", Value: []byte("v2")},
		},
	}

	metadata := messageMetadata(msg)
	if metadata["source"] != "kafka" {
		t.Errorf("source = %q", metadata["source"])
	}
	if metadata["partition"] != "3" || metadata["offset"] != "42" {
		t.Errorf("coordinates = %q/%q", metadata["partition"], metadata["offset"])
	}
	if metadata["key"] != "line1" {
		t.Errorf("key = %q", metadata["key"])
	}
	if metadata["header.schema"] != "v2" {
		t.Errorf("header = %q", metadata["header.schema"])
	}
}

func TestMessageMetadataNoKey(t *testing.T) {
	metadata := messageMetadata(kafka.Message{Partition: 0, Offset: 0})
	if _, ok := metadata["key"]; ok {
		t.Error("empty key should not appear in metadata")
	}
}

func TestGetSASLMechanism(t *testing.T) {
	tests := []struct {
		name      string
		mechanism string
		username  string
		wantNil   bool
	}{
		{"no username disables sasl", SASLPlain, "", true},
		{"plain", SASLPlain, "user", false},
		{"scram sha256", SASLSCRAMSHA256, "user", false},
		{"scram sha512", SASLSCRAMSHA512, "user", false},
		{"unknown mechanism", "GSSAPI", "user", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSource(&config.KafkaConfig{
				SASLMechanism: tt.mechanism,
				Username:      tt.username,
				Password:      "pw",
			}, nil, nil)
			got := src.getSASLMechanism()
			if (got == nil) != tt.wantNil {
				t.Errorf("getSASLMechanism() = %v, wantNil %v", got, tt.wantNil)
			}
		})
	}
}

func TestSourceLifecycle(t *testing.T) {
	src := NewSource(&config.KafkaConfig{}, nil, func(string, []byte, map[string]string) {})

	if src.IsRunning() {
		t.Error("IsRunning() = true before Start")
	}
	src.Stop()
	if src.IsRunning() {
		t.Error("IsRunning() = true after no-op Stop")
	}
}
