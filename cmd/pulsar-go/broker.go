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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/pulsar-go/pkg/admin"
	"github.com/turtacn/pulsar-go/pkg/broker"
	"github.com/turtacn/pulsar-go/pkg/cluster"
	"github.com/turtacn/pulsar-go/pkg/config"
	"github.com/turtacn/pulsar-go/pkg/discovery"
	"github.com/turtacn/pulsar-go/pkg/monitor"
	"github.com/turtacn/pulsar-go/pkg/storage"
	"github.com/turtacn/pulsar-go/pkg/storage/messages"
	"github.com/turtacn/pulsar-go/pkg/supervisor"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

const (
	shutdownTimeout  = 30 * time.Second
	healthInterval   = 10 * time.Second
	// certExpiryWindow flags the serving certificate before it lapses.
	certExpiryWindow = 7 * 24 * time.Hour
)

func newBrokerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBroker(ctx, cfg, log)
		},
	}
	f := cmd.Flags()
	f.String("node-id", "", "unique name of this broker")
	f.String("service-addr", "", "address the binary protocol listens on")
	f.String("advertised-addr", "", "host:port clients should use to reach this broker")
	f.String("admin-addr", "", "address of the admin HTTP API")
	f.String("grpc-addr", "", "address of the cluster gRPC service")
	f.String("metadata-backend", "", "metadata store: memory, redis or postgres")
	f.StringSlice("peers", nil, "cluster addresses of the other brokers (static discovery)")
	return cmd
}

func openMetadataStore(ctx context.Context, cfg config.MetadataConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.MetadataRedis:
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: "pulsar-go/",
		})
	case config.MetadataPostgres:
		return storage.NewPostgresStore(ctx, storage.PostgresConfig{DSN: cfg.PostgresDSN})
	default:
		return storage.NewMemStore(), nil
	}
}

func runBroker(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := openMetadataStore(ctx, cfg.Metadata)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	ledgers, err := messages.NewMessageStorage(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("open message storage: %w", err)
	}
	defer ledgers.Close()

	b, err := broker.New(ctx, cfg.Broker, store, ledgers, log)
	if err != nil {
		return err
	}

	var serverTLS *tls.Config
	if cfg.Broker.TLS.Enabled {
		if serverTLS, err = cfg.Broker.TLS.ServerConfig(); err != nil {
			return err
		}
	}
	ln, err := transport.ListenWebSocketTLS(cfg.Broker.ServiceAddr, serverTLS)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Broker.ServiceAddr, err)
	}
	if err := b.Start(ctx, ln); err != nil {
		ln.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var peers admin.PeerLister
	if cfg.Broker.GRPCAddr != "" {
		disc, err := discovery.New(cfg.Discovery, b.AdvertisedGRPCAddr())
		if err != nil {
			log.Warn("peer discovery unavailable", zap.Error(err))
			disc = discovery.NewStaticDiscovery(nil, b.AdvertisedGRPCAddr())
		}
		mgr := cluster.NewManager(b.NodeID(), disc, log)
		defer mgr.Close()
		b.SetForwarder(mgr)
		peers = mgr
		b.StartChild(supervisor.Spec{
			ID:      "peer-discovery",
			Actor:   supervisor.Ticker(cfg.Discovery.RefreshInterval, mgr.Refresh),
			Restart: supervisor.RestartPermanent,
		})

		lis, err := net.Listen("tcp", cfg.Broker.GRPCAddr)
		if err != nil {
			return closeBroker(b, log, fmt.Errorf("listen on %s: %w", cfg.Broker.GRPCAddr, err))
		}
		srv := cluster.NewServer(b, log)
		g.Go(func() error { return srv.Serve(lis) })
		g.Go(func() error {
			<-gctx.Done()
			srv.Stop()
			return nil
		})
	}

	health := monitor.NewHealthChecker(b.NodeID(), version, log)
	health.RegisterCheck("broker", b.CheckHealth, true)
	if cfg.Broker.TLS.Enabled {
		health.RegisterCheck("certificate", cfg.Broker.TLS.ExpiryCheck(certExpiryWindow, nil), false)
	}
	b.StartChild(supervisor.Spec{
		ID:      "health-checker",
		Actor:   supervisor.Ticker(healthInterval, health.Run),
		Restart: supervisor.RestartPermanent,
	})

	if cfg.Broker.AdminAddr != "" {
		api := admin.NewAPIServer(b, health, peers, log)
		g.Go(func() error {
			if err := api.Serve(gctx, cfg.Broker.AdminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	<-gctx.Done()
	log.Info("shutting down broker")
	return closeBroker(b, log, g.Wait())
}

// closeBroker stops taking new bundles, hands the owned ones back and closes
// the broker. cause is returned joined with any shutdown error.
func closeBroker(b *broker.Broker, log *zap.Logger, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.Disable(ctx); err != nil {
		log.Warn("disable broker", zap.Error(err))
	}
	if err := b.CloseAll(ctx); err != nil {
		log.Warn("release bundles", zap.Error(err))
	}
	return errors.Join(cause, b.Close(ctx))
}
