// Package kafka forwards committed scan life-cycle events to Kafka topics so
// downstream systems can follow task progress without polling the API.
package kafka

import (
	"errors"
	"time"

	"github.com/IBM/sarama"
)

// Config contains everything needed to connect the forwarder.
type Config struct {
	Brokers      []string `mapstructure:"brokers"`
	ClientID     string   `mapstructure:"client_id"`
	TaskTopic    string   `mapstructure:"task_topic"`
	SubtaskTopic string   `mapstructure:"subtask_topic"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	if c.TaskTopic == "" && c.SubtaskTopic == "" {
		return errors.New("kafka: no topic configured")
	}
	return nil
}

// NewProducerConfig returns the sarama configuration shared by every producer.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 250 * time.Millisecond

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return config
}

// NewProducer creates a synchronous producer for cfg.
func NewProducer(cfg Config) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
}
