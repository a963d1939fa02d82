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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/client"
	"github.com/turtacn/pulsar-go/pkg/config"
	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/relay"
	"github.com/turtacn/pulsar-go/pkg/sink"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

func newSinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Forward a subscription to an external system",
	}

	kafka := &cobra.Command{
		Use:   "kafka",
		Short: "Copy every message of a subscription into a Kafka topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runKafkaSink(ctx, cfg, log)
		},
	}
	f := kafka.Flags()
	f.String("service-url", "", "pulsar://host:port of a broker")
	f.String("source-topic", "", "topic to consume from")
	f.String("subscription", "", "shared subscription feeding the sink")
	f.String("kafka-topic", "", "Kafka topic to write to")
	f.String("bootstrap-servers", "", "comma separated Kafka brokers")
	f.String("driver", "", "Kafka client: sarama or kafka-go")

	cmd.AddCommand(kafka)
	return cmd
}

func clientOptions(cfg config.ClientConfig, log *zap.Logger) (client.ClientOptions, error) {
	opts := client.ClientOptions{
		ServiceURL:                       cfg.ServiceURL,
		OperationTimeout:                 cfg.OperationTimeout,
		ConnectionsPerBroker:             cfg.ConnectionsPerBroker,
		MaxRejectedRequestsPerConnection: cfg.MaxRejectedRequestsPerConnection,
		InitialBackoff:                   cfg.InitialBackoff,
		MaxBackoff:                       cfg.MaxBackoff,
		Logger:                           log,
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.ClientConfig()
		if err != nil {
			return opts, err
		}
		opts.Dialer = transport.WebSocketDialer{HandshakeTimeout: cfg.OperationTimeout, TLSConfig: tlsCfg}
	}
	return opts, nil
}

func runKafkaSink(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Sink.SourceTopic == "" {
		return errors.New("sink.source_topic is not set")
	}
	out, err := sink.New(cfg.Sink, log)
	if err != nil {
		return err
	}
	defer out.Close()

	opts, err := clientOptions(cfg.Client, log)
	if err != nil {
		return err
	}
	cl, err := client.NewClient(opts)
	if err != nil {
		return err
	}
	defer cl.Close()

	consumer, err := cl.Subscribe(ctx, client.ConsumerOptions{
		Topic:            cfg.Sink.SourceTopic,
		SubscriptionName: cfg.Sink.Subscription,
		Type:             protocol.SubShared,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Sink.SourceTopic, err)
	}
	defer consumer.Close()

	log.Info("kafka sink running",
		zap.String("source", cfg.Sink.SourceTopic),
		zap.String("subscription", cfg.Sink.Subscription),
		zap.String("kafka_topic", cfg.Sink.Topic),
		zap.String("driver", out.Name()))
	return relay.New(consumer, out, log).Run(ctx)
}
