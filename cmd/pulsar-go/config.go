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

package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/pulsar-go/pkg/config"
)

const envPrefix = "PULSAR_GO"

// flagKeys maps command line flags onto configuration keys. Flags a command
// does not define are skipped.
var flagKeys = map[string]string{
	"log-level":         "log.level",
	"node-id":           "broker.node_id",
	"service-addr":      "broker.service_addr",
	"advertised-addr":   "broker.advertised_addr",
	"admin-addr":        "broker.admin_addr",
	"grpc-addr":         "broker.grpc_addr",
	"metadata-backend":  "metadata.backend",
	"peers":             "discovery.peers",
	"service-url":       "client.service_url",
	"source-topic":      "sink.source_topic",
	"subscription":      "sink.subscription",
	"kafka-topic":       "sink.topic",
	"bootstrap-servers": "sink.bootstrap_servers",
	"driver":            "sink.driver",
}

// loadConfig layers, from lowest to highest priority, the built-in defaults,
// the file named by --config, PULSAR_GO_* environment variables and the
// flags set on the command line.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	v := viper.New()

	// Seeding viper with the defaults makes every key visible to AutomaticEnv.
	defaults, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	path, _ := flags.GetString("config")
	if path != "" {
		file := viper.New()
		file.SetConfigFile(path)
		if err := file.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := v.MergeConfigMap(file.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	cfg := config.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
