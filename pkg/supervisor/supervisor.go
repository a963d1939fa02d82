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

// Package supervisor runs the broker's background workers (retention
// trimming, dynamic configuration polling, peer discovery) under an
// OTP-style one-for-one restart policy.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/actor"
	"github.com/turtacn/pulsar-go/pkg/logger"
	"github.com/turtacn/pulsar-go/pkg/metrics"
)

// DefaultRestartDelay is the pause between two starts of a failing worker.
const DefaultRestartDelay = time.Second

// RestartStrategy defines the restart behavior for a supervised worker.
type RestartStrategy int

const (
	// RestartPermanent indicates that the worker should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the worker only if it terminates abnormally
	// (with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the worker should never be restarted.
	RestartTemporary
)

// Spec defines a worker managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the worker, used for logging and metrics.
	ID string
	// Actor is the worker to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this worker.
	Restart RestartStrategy
	// Mailbox is handed to the worker on every start.
	Mailbox *actor.Mailbox
	// startFunc is an optional function for starting the worker, useful for testing.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of workers.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single worker dynamically.
	StartChild(ctx context.Context, spec Spec)
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a worker terminates, only that worker is restarted.
type OneForOneSupervisor struct {
	log          *zap.Logger
	restartDelay time.Duration
	wg           sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(log *zap.Logger) *OneForOneSupervisor {
	return &OneForOneSupervisor{
		log:          logger.OrNop(log).Named("supervisor"),
		restartDelay: DefaultRestartDelay,
	}
}

// WithRestartDelay overrides the pause between restarts.
func (s *OneForOneSupervisor) WithRestartDelay(d time.Duration) *OneForOneSupervisor {
	s.restartDelay = d
	return s
}

// Start launches the initial set of supervised workers. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single worker in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	if spec.Mailbox == nil {
		spec.Mailbox = actor.NewMailbox(1)
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go s.monitorChild(childCtx, cancel, spec)
}

// Wait blocks until every worker has stopped for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild is the internal loop that monitors a single worker.
// It handles termination, panics and restart logic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer s.wg.Done()
	defer cancel()
	log := s.log.With(zap.String("worker", spec.ID))

	for {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker %s panicked: %v", spec.ID, r)
				}
			}()
			err = s.startWorker(ctx, spec)
		}()

		select {
		case <-ctx.Done():
			log.Debug("worker stopped with supervisor context", zap.Error(err))
			return
		default:
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}

		if !shouldRestart {
			log.Info("worker terminated, not restarting", zap.Error(err))
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Warn("worker terminated, restarting", zap.Error(err), zap.Duration("delay", s.restartDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

func (s *OneForOneSupervisor) startWorker(ctx context.Context, spec Spec) error {
	s.log.Debug("starting worker", zap.String("worker", spec.ID))
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}

// Ticker builds a worker that calls fn every interval until ctx is done. An
// error returned by fn terminates the worker so the supervisor can restart it.
func Ticker(interval time.Duration, fn func(ctx context.Context) error) actor.Actor {
	return actor.Func(func(ctx context.Context, _ *actor.Mailbox) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := fn(ctx); err != nil {
					return err
				}
			}
		}
	})
}
