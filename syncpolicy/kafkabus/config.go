package kafkabus

import (
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// Config describes the Kafka cluster carrying invalidation messages.
type Config struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
	// GroupID must be unique per instance so that every instance sees
	// every message; it defaults to "<client_id>-<instance id>".
	GroupID          string        `yaml:"group_id"`
	SecurityProtocol string        `yaml:"security_protocol"`
	SASLMechanism    string        `yaml:"sasl_mechanism"`
	SASLUsername     string        `yaml:"sasl_username"`
	SASLPassword     string        `yaml:"sasl_password"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a local single-broker configuration.
func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		ClientID:         "tiercache",
		SecurityProtocol: "PLAINTEXT",
		Timeout:          10 * time.Second,
	}
}

// Validate fills defaults and checks the configuration.
func (c *Config) Validate(instanceID string) error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	for _, b := range c.Brokers {
		if b == "" {
			return fmt.Errorf("empty kafka broker address")
		}
	}
	if c.ClientID == "" {
		c.ClientID = "tiercache"
	}
	if c.GroupID == "" {
		c.GroupID = c.ClientID + "-" + instanceID
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SecurityProtocol == "" {
		c.SecurityProtocol = "PLAINTEXT"
	}
	switch c.SecurityProtocol {
	case "PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL":
	default:
		return fmt.Errorf("invalid security protocol: %s", c.SecurityProtocol)
	}
	if strings.HasPrefix(c.SecurityProtocol, "SASL_") {
		if c.SASLMechanism == "" {
			c.SASLMechanism = "PLAIN"
		}
		switch c.SASLMechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return fmt.Errorf("SASL username and password are required for SASL authentication")
		}
	}
	return nil
}

// producerConfig and consumerConfig build librdkafka settings.
func (c *Config) producerConfig() *kafka.ConfigMap {
	m := c.common()
	m["client.id"] = c.ClientID
	m["linger.ms"] = 5
	return &m
}

func (c *Config) consumerConfig() *kafka.ConfigMap {
	m := c.common()
	m["client.id"] = c.ClientID + "-consumer"
	m["group.id"] = c.GroupID
	m["session.timeout.ms"] = 6000
	// Old invalidations are meaningless to a fresh L1.
	m["auto.offset.reset"] = "latest"
	m["enable.auto.commit"] = true
	return &m
}

func (c *Config) common() kafka.ConfigMap {
	m := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
	}
	if c.SecurityProtocol != "PLAINTEXT" {
		m["security.protocol"] = c.SecurityProtocol
	}
	if strings.HasPrefix(c.SecurityProtocol, "SASL_") {
		m["sasl.mechanism"] = c.SASLMechanism
		m["sasl.username"] = c.SASLUsername
		m["sasl.password"] = c.SASLPassword
	}
	return m
}
