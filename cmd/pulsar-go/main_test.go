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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/pulsar-go/pkg/config"
)

func brokerFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := newBrokerCmd().Flags()
	flags.String("config", "", "")
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(brokerFlags(t))
	require.NoError(t, err)

	def := config.DefaultConfig()
	assert.Equal(t, def.Broker, cfg.Broker)
	assert.Equal(t, def.Client, cfg.Client)
	assert.Equal(t, def.Metadata, cfg.Metadata)
	assert.Equal(t, def.Sink, cfg.Sink)
	assert.Equal(t, def.Log, cfg.Log)
	assert.Empty(t, cfg.Discovery.Peers)
}

func TestLoadConfig_Layers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  node_id: file-node
  grpc_addr: ":9081"
  default_num_bundles: 8
metadata:
  backend: redis
  redis_addr: localhost:6379
`), 0o644))

	t.Setenv("PULSAR_GO_BROKER_NODE_ID", "env-node")
	t.Setenv("PULSAR_GO_BROKER_ACTIVE_CONSUMER_FAILOVER_DELAY", "250ms")
	t.Setenv("PULSAR_GO_DISCOVERY_PEERS", "b-1:8081,b-2:8081")

	cfg, err := loadConfig(brokerFlags(t, "--config", path, "--service-addr", ":7650", "--log-level", "debug"))
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Broker.NodeID)
	assert.Equal(t, ":9081", cfg.Broker.GRPCAddr)
	assert.Equal(t, 8, cfg.Broker.DefaultNumBundles)
	assert.Equal(t, ":7650", cfg.Broker.ServiceAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.ActiveConsumerFailoverDelay)
	assert.Equal(t, []string{"b-1:8081", "b-2:8081"}, cfg.Discovery.Peers)
	assert.Equal(t, config.MetadataRedis, cfg.Metadata.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched values keep their defaults.
	assert.Equal(t, ":8080", cfg.Broker.AdminAddr)
	assert.Equal(t, 30*time.Second, cfg.Client.OperationTimeout)
}

func TestLoadConfig_FlagBeatsEnv(t *testing.T) {
	t.Setenv("PULSAR_GO_BROKER_NODE_ID", "env-node")
	cfg, err := loadConfig(brokerFlags(t, "--node-id", "flag-node"))
	require.NoError(t, err)
	assert.Equal(t, "flag-node", cfg.Broker.NodeID)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("PULSAR_GO_BROKER_LOAD_MANAGER_CLASS_NAME", "RandomLoadManager")
	_, err := loadConfig(brokerFlags(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	_, err = loadConfig(brokerFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestResetTimestamp(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	parse := func(args ...string) *cobra.Command {
		cmd := newResetCursorCmd()
		require.NoError(t, cmd.Flags().Parse(args))
		return cmd
	}

	ts, err := resetTimestamp(parse("--ago", "10m"), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-10*time.Minute).UnixMilli(), ts)

	ts, err = resetTimestamp(parse("--timestamp", "1234"), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), ts)

	_, err = resetTimestamp(parse("--timestamp=-1"), now)
	assert.Error(t, err)
	_, err = resetTimestamp(parse("--ago=-1s"), now)
	assert.Error(t, err)
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"broker", "sink", "unload", "reset-cursor", "config"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	cmd, _, err := root.Find([]string{"sink", "kafka"})
	require.NoError(t, err)
	assert.Equal(t, "kafka", cmd.Name())
}
