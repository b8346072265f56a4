// Copyright 2023 The emqx-lite Authors
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

// package supervisor runs the broker's long-lived goroutines under a
// one-for-one strategy: panics are recovered and counted, and children are
// restarted according to their RestartStrategy.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-lite/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child should never be restarted.
	RestartTemporary
)

// ErrPanic wraps the value recovered from a panicking child.
var ErrPanic = errors.New("child panicked")

// Spec defines a child goroutine managed by a supervisor.
type Spec struct {
	// ID identifies the child in logs.
	ID string
	// Group labels the child in metrics, e.g. "connection" or "sink".
	Group string
	// Run is the child's body. It should return when ctx is done.
	Run func(ctx context.Context) error
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// OnExit, if set, runs once when the child stops for good, with the
	// error of its last run. Panics arrive wrapped in ErrPanic.
	OnExit func(err error)
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child terminates, only that child is restarted.
type OneForOneSupervisor struct {
	logger *zap.Logger
	// RestartDelay is the pause before a restart.
	RestartDelay time.Duration

	wg sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(logger *zap.Logger) *OneForOneSupervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OneForOneSupervisor{
		logger:       logger,
		RestartDelay: time.Second,
	}
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return errors.New("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single child in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go s.monitorChild(ctx, spec)
}

// Wait blocks until every child has stopped for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	defer s.wg.Done()

	log := s.logger.With(zap.String("child", spec.ID))
	for {
		err := s.runChild(ctx, spec)
		if errors.Is(err, ErrPanic) {
			metrics.SupervisorPanicsTotal.WithLabelValues(spec.Group).Inc()
			log.Error("child panicked", zap.Error(err))
		} else {
			log.Debug("child terminated", zap.Error(err))
		}

		if ctx.Err() != nil || !shouldRestart(spec.Restart, err) {
			if spec.OnExit != nil {
				spec.OnExit(err)
			}
			return
		}

		log.Info("restarting child", zap.Duration("delay", s.RestartDelay))
		select {
		case <-ctx.Done():
			if spec.OnExit != nil {
				spec.OnExit(err)
			}
			return
		case <-time.After(s.RestartDelay):
		}
	}
}

func (s *OneForOneSupervisor) runChild(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(ErrPanic, fmt.Sprint(r))
		}
	}()
	return spec.Run(ctx)
}

func shouldRestart(strategy RestartStrategy, err error) bool {
	switch strategy {
	case RestartPermanent:
		return true
	case RestartTransient:
		return err != nil
	default:
		return false
	}
}
