// Copyright 2022 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sink forwards messages consumed from a pulsar-go subscription to
// an external system. The only target today is Kafka, reachable through two
// drivers: IBM/sarama's async producer and segmentio/kafka-go's writer.
package sink

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Driver names.
const (
	DriverSarama  = "sarama"
	DriverKafkaGo = "kafka-go"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid sink configuration")

// Config describes a Kafka sink and the subscription feeding it.
type Config struct {
	Driver           string `yaml:"driver" json:"driver" mapstructure:"driver"`
	Topic            string `yaml:"topic" json:"topic" mapstructure:"topic"`
	BootstrapServers string `yaml:"bootstrap_servers" json:"bootstrap_servers" mapstructure:"bootstrap_servers"`
	// Acks is "all", "-1", "1" or "0".
	Acks           string        `yaml:"acks" json:"acks" mapstructure:"acks"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	MaxRequestSize int           `yaml:"max_request_size" json:"max_request_size" mapstructure:"max_request_size"`
	Compression    string        `yaml:"compression" json:"compression" mapstructure:"compression"`
	FlushFrequency time.Duration `yaml:"flush_frequency" json:"flush_frequency" mapstructure:"flush_frequency"`

	SourceTopic  string `yaml:"source_topic" json:"source_topic" mapstructure:"source_topic"`
	Subscription string `yaml:"subscription" json:"subscription" mapstructure:"subscription"`
}

// DefaultConfig returns the settings used when the file leaves them out.
func DefaultConfig() Config {
	return Config{
		Driver:         DriverSarama,
		Acks:           "1",
		BatchSize:      16384,
		MaxRequestSize: 1048576,
		Compression:    "none",
		FlushFrequency: 100 * time.Millisecond,
		Subscription:   "kafka-sink",
	}
}

// Validate checks the fields a sink cannot start without.
func (c Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: kafka topic is not set", ErrInvalidConfig)
	}
	if c.BootstrapServers == "" {
		return fmt.Errorf("%w: kafka bootstrap servers are not set", ErrInvalidConfig)
	}
	if c.Acks == "" {
		return fmt.Errorf("%w: kafka acks mode is not set", ErrInvalidConfig)
	}
	if _, err := requiredAcks(c.Acks); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: invalid batch size %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: invalid max request size %d", ErrInvalidConfig, c.MaxRequestSize)
	}
	switch c.Driver {
	case DriverSarama, DriverKafkaGo:
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, c.Driver)
	}
	return nil
}

// Brokers splits BootstrapServers.
func (c Config) Brokers() []string {
	var out []string
	for _, s := range strings.Split(c.BootstrapServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// requiredAcks normalizes the acks setting to -1, 0 or 1.
func requiredAcks(acks string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(acks)) {
	case "all", "-1":
		return -1, nil
	case "1", "leader":
		return 1, nil
	case "0", "none":
		return 0, nil
	}
	return 0, fmt.Errorf("%w: invalid acks %q", ErrInvalidConfig, acks)
}
