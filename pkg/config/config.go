// Copyright 2023 The emqx-go Authors
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

// Package config provides configuration management for pulsar-go: the static
// file based configuration read at startup and the dynamic broker settings
// that can change while the broker runs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/sink"
	"github.com/turtacn/pulsar-go/pkg/storage/messages"
	brokertls "github.com/turtacn/pulsar-go/pkg/tls"
)

// Load manager names accepted by loadManagerClassName.
const (
	LoadManagerHRW          = "HRWLoadManager"
	LoadManagerLeastBundles = "LeastBundlesLoadManager"
)

// Metadata backends.
const (
	MetadataMemory   = "memory"
	MetadataRedis    = "redis"
	MetadataPostgres = "postgres"
)

// Discovery modes.
const (
	DiscoveryStatic     = "static"
	DiscoveryKubernetes = "kubernetes"
)

// BrokerConfig holds the broker service settings.
type BrokerConfig struct {
	NodeID         string `yaml:"node_id" json:"node_id" mapstructure:"node_id"`
	ServiceAddr    string `yaml:"service_addr" json:"service_addr" mapstructure:"service_addr"`
	AdvertisedAddr string `yaml:"advertised_addr" json:"advertised_addr" mapstructure:"advertised_addr"`
	AdminAddr      string `yaml:"admin_addr" json:"admin_addr" mapstructure:"admin_addr"`
	GRPCAddr       string `yaml:"grpc_addr" json:"grpc_addr" mapstructure:"grpc_addr"`

	DefaultNumBundles             int           `yaml:"default_num_bundles" json:"default_num_bundles" mapstructure:"default_num_bundles"`
	MaxConcurrentLookupRequest    int           `yaml:"max_concurrent_lookup_request" json:"max_concurrent_lookup_request" mapstructure:"max_concurrent_lookup_request"`
	MaxConcurrentTopicLoadRequest int           `yaml:"max_concurrent_topic_load_request" json:"max_concurrent_topic_load_request" mapstructure:"max_concurrent_topic_load_request"`
	ActiveConsumerFailoverDelay   time.Duration `yaml:"active_consumer_failover_delay" json:"active_consumer_failover_delay" mapstructure:"active_consumer_failover_delay"`
	LoadManagerClassName          string        `yaml:"load_manager_class_name" json:"load_manager_class_name" mapstructure:"load_manager_class_name"`
	DispatcherMaxReadBatch        int           `yaml:"dispatcher_max_read_batch" json:"dispatcher_max_read_batch" mapstructure:"dispatcher_max_read_batch"`
	RetentionCheckInterval        time.Duration `yaml:"retention_check_interval" json:"retention_check_interval" mapstructure:"retention_check_interval"`
	ConfigPollInterval            time.Duration `yaml:"config_poll_interval" json:"config_poll_interval" mapstructure:"config_poll_interval"`

	TLS brokertls.Config `yaml:"tls" json:"tls" mapstructure:"tls"`
}

// ClientConfig holds the settings used by the command line client tools.
type ClientConfig struct {
	ServiceURL                       string        `yaml:"service_url" json:"service_url" mapstructure:"service_url"`
	OperationTimeout                 time.Duration `yaml:"operation_timeout" json:"operation_timeout" mapstructure:"operation_timeout"`
	ConnectionsPerBroker             int           `yaml:"connections_per_broker" json:"connections_per_broker" mapstructure:"connections_per_broker"`
	MaxRejectedRequestsPerConnection int           `yaml:"max_rejected_requests_per_connection" json:"max_rejected_requests_per_connection" mapstructure:"max_rejected_requests_per_connection"`
	InitialBackoff                   time.Duration `yaml:"initial_backoff" json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff                       time.Duration `yaml:"max_backoff" json:"max_backoff" mapstructure:"max_backoff"`

	TLS brokertls.Config `yaml:"tls" json:"tls" mapstructure:"tls"`
}

// MetadataConfig selects the metadata store.
type MetadataConfig struct {
	Backend       string `yaml:"backend" json:"backend" mapstructure:"backend"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db" mapstructure:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn" json:"postgres_dsn" mapstructure:"postgres_dsn"`
}

// DiscoveryConfig selects how brokers find their peers' cluster endpoints.
type DiscoveryConfig struct {
	Mode            string        `yaml:"mode" json:"mode" mapstructure:"mode"`
	Peers           []string      `yaml:"peers" json:"peers" mapstructure:"peers"`
	Namespace       string        `yaml:"namespace" json:"namespace" mapstructure:"namespace"`
	Service         string        `yaml:"service" json:"service" mapstructure:"service"`
	PortName        string        `yaml:"port_name" json:"port_name" mapstructure:"port_name"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval" mapstructure:"refresh_interval"`
}

// Config holds the complete configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker" json:"broker" mapstructure:"broker"`
	Client    ClientConfig    `yaml:"client" json:"client" mapstructure:"client"`
	Metadata  MetadataConfig  `yaml:"metadata" json:"metadata" mapstructure:"metadata"`
	Storage   messages.Config `yaml:"storage" json:"storage" mapstructure:"storage"`
	Log       logger.Config   `yaml:"log" json:"log" mapstructure:"log"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery" mapstructure:"discovery"`
	Sink      sink.Config     `yaml:"sink" json:"sink" mapstructure:"sink"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:                      "pulsar-go-node",
			ServiceAddr:                 ":6650",
			AdminAddr:                   ":8080",
			GRPCAddr:                    ":8081",
			DefaultNumBundles:           4,
			ActiveConsumerFailoverDelay: time.Second,
			LoadManagerClassName:        LoadManagerHRW,
			DispatcherMaxReadBatch:      100,
			RetentionCheckInterval:      time.Minute,
			ConfigPollInterval:          10 * time.Second,
		},
		Client: ClientConfig{
			ServiceURL:                       "pulsar://localhost:6650",
			OperationTimeout:                 30 * time.Second,
			ConnectionsPerBroker:             1,
			MaxRejectedRequestsPerConnection: 50,
			InitialBackoff:                   100 * time.Millisecond,
			MaxBackoff:                       60 * time.Second,
		},
		Metadata: MetadataConfig{
			Backend: MetadataMemory,
		},
		Storage: *messages.DefaultConfig(),
		Log: logger.Config{
			Level: "info",
		},
		Discovery: DiscoveryConfig{
			Mode:            DiscoveryStatic,
			PortName:        "grpc",
			RefreshInterval: 15 * time.Second,
		},
		Sink: sink.DefaultConfig(),
	}
}

// LoadConfig loads configuration from a file. Values missing from the file
// keep their defaults.
func LoadConfig(configPath string, log *zap.Logger) (*Config, error) {
	log = logger.OrNop(log)
	if configPath == "" {
		log.Info("no config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("configuration loaded", zap.String("path", configPath))
	return config, nil
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// Validate checks the static configuration.
func Validate(config *Config) error {
	b := config.Broker
	if b.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if b.ServiceAddr == "" {
		return fmt.Errorf("service_addr cannot be empty")
	}
	if b.DefaultNumBundles <= 0 {
		return fmt.Errorf("default_num_bundles must be positive, got %d", b.DefaultNumBundles)
	}
	if _, err := DynamicFromBroker(b).validate(); err != nil {
		return err
	}
	if b.DispatcherMaxReadBatch <= 0 {
		return fmt.Errorf("dispatcher_max_read_batch must be positive, got %d", b.DispatcherMaxReadBatch)
	}
	if err := b.TLS.Validate(); err != nil {
		return err
	}
	if b.TLS.Enabled && b.TLS.CertFile == "" {
		return fmt.Errorf("broker.tls needs cert_file and key_file")
	}

	c := config.Client
	if c.ConnectionsPerBroker <= 0 {
		return fmt.Errorf("connections_per_broker must be positive, got %d", c.ConnectionsPerBroker)
	}
	if c.MaxRejectedRequestsPerConnection < 0 {
		return fmt.Errorf("max_rejected_requests_per_connection cannot be negative")
	}
	if err := c.TLS.Validate(); err != nil {
		return err
	}

	switch config.Metadata.Backend {
	case MetadataMemory:
	case MetadataRedis:
		if config.Metadata.RedisAddr == "" {
			return fmt.Errorf("metadata.redis_addr is required for the redis backend")
		}
	case MetadataPostgres:
		if config.Metadata.PostgresDSN == "" {
			return fmt.Errorf("metadata.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unsupported metadata backend: %s (supported: memory, redis, postgres)", config.Metadata.Backend)
	}

	switch config.Discovery.Mode {
	case DiscoveryStatic:
	case DiscoveryKubernetes:
		if config.Discovery.Service == "" {
			return fmt.Errorf("discovery.service is required in kubernetes mode")
		}
	default:
		return fmt.Errorf("unsupported discovery mode: %s (supported: static, kubernetes)", config.Discovery.Mode)
	}

	return config.Log.Validate()
}

// AdvertisedServiceURL returns the URL clients should use to reach this broker.
func (b BrokerConfig) AdvertisedServiceURL() string {
	addr := b.AdvertisedAddr
	if addr == "" {
		addr = b.ServiceAddr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
	}
	return "pulsar://" + addr
}
