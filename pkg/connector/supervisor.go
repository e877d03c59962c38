// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// SupervisorState is the lifecycle state of the polling loop.
type SupervisorState int32

const (
	StateStartup SupervisorState = iota
	StatePolling
	StateRecoveringNetwork
	StateRecoveringConflict
	StateTerminated
)

func (s SupervisorState) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StatePolling:
		return "POLLING"
	case StateRecoveringNetwork:
		return "RECOVERING_NETWORK"
	case StateRecoveringConflict:
		return "RECOVERING_CONFLICT"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("SupervisorState(%d)", int32(s))
	}
}

var (
	// ErrUnreachable is returned by Run when the initial connectivity check
	// fails twice.
	ErrUnreachable = errors.New("telegram API unreachable")
	// ErrRestartsExhausted is returned by Run when polling kept failing
	// past MaxRestartAttempts.
	ErrRestartsExhausted = errors.New("restart attempts exhausted")

	errPollingHalted = errors.New("polling halted")
)

// SupervisorConfig holds the timing of the polling loop.
type SupervisorConfig struct {
	// MaxRestartAttempts bounds consecutive recoveries of either kind.
	MaxRestartAttempts     int
	RestartDelay           time.Duration
	ConflictBaseDelay      time.Duration
	ConflictMaxDelay       time.Duration
	SettleDelay            time.Duration
	ConnectivityRetryDelay time.Duration
	StartupDelay           time.Duration
	PollTimeout            time.Duration
}

// DefaultSupervisorConfig returns the production timings.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestartAttempts:     5,
		RestartDelay:           30 * time.Second,
		ConflictBaseDelay:      30 * time.Second,
		ConflictMaxDelay:       5 * time.Minute,
		SettleDelay:            15 * time.Second,
		ConnectivityRetryDelay: 30 * time.Second,
		PollTimeout:            30 * time.Second,
	}
}

// ConflictDelay returns the backoff after n previous consecutive conflicts:
// ConflictBaseDelay * 2^min(n, 4), capped at ConflictMaxDelay.
func (c SupervisorConfig) ConflictDelay(n int) time.Duration {
	n = max(0, min(n, 4))
	d := c.ConflictBaseDelay << n
	if d > c.ConflictMaxDelay {
		d = c.ConflictMaxDelay
	}
	return d
}

// UpdateHandler receives every polled update in order. It must not block
// for long.
type UpdateHandler func(update tgbotapi.Update)

// Supervisor owns the update polling loop. Only one consumer may poll a
// bot token at a time; the supervisor backs off and cleans up when the API
// reports a competing consumer, and restarts polling after network
// failures, up to a bounded number of attempts.
type Supervisor struct {
	cfg               SupervisorConfig
	api               ChatAPI
	transport         *Transport
	checkConnectivity func(ctx context.Context) error
	handle            UpdateHandler
	sleep             sleepFunc

	state     atomic.Int32
	conflicts atomic.Int32
	restarts  atomic.Int32
	offset    int

	pollMu     sync.Mutex
	pollCancel context.CancelFunc

	stopOnce sync.Once
	stopChan chan struct{}

	log zerolog.Logger
}

// NewSupervisor creates a supervisor. checkConnectivity is called on every
// startup.
func NewSupervisor(
	cfg SupervisorConfig,
	api ChatAPI,
	transport *Transport,
	checkConnectivity func(ctx context.Context) error,
	handle UpdateHandler,
	log zerolog.Logger,
) *Supervisor {
	s := &Supervisor{
		cfg:               cfg,
		api:               api,
		transport:         transport,
		checkConnectivity: checkConnectivity,
		handle:            handle,
		sleep:             sleepContext,
		stopChan:          make(chan struct{}),
		log:               log.With().Str("component", "supervisor").Logger(),
	}
	s.state.Store(int32(StateStartup))
	return s
}

// State returns the current state.
func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// ConsecutiveConflicts returns the number of conflicts since the last
// successful poll.
func (s *Supervisor) ConsecutiveConflicts() int {
	return int(s.conflicts.Load())
}

func (s *Supervisor) setState(next SupervisorState) {
	prev := SupervisorState(s.state.Swap(int32(next)))
	if prev != next {
		s.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("Supervisor state changed")
	}
}

// Stop terminates Run from outside and halts the in-flight fetch. Safe to
// call more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.haltPolling()
	})
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// Run polls until ctx is cancelled, Stop is called, or recovery gives up.
// It returns nil on an external stop.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer s.setState(StateTerminated)

	if s.cfg.StartupDelay > 0 {
		s.log.Info().Dur("delay", s.cfg.StartupDelay).Msg("Waiting before first poll")
		if err := s.sleep(ctx, s.cfg.StartupDelay); err != nil {
			return nil
		}
	}

	first := true
	for {
		s.setState(StateStartup)
		err := s.startup(ctx, first)
		if ctx.Err() != nil {
			s.log.Info().Msg("Supervisor stopped")
			return nil
		}
		if err != nil && first {
			s.log.Error().Err(err).Msg("Giving up, API unreachable at startup")
			return err
		}
		first = false

		if err == nil {
			s.setState(StatePolling)
			s.log.Info().Int("offset", s.offset).Msg("Polling for updates")
			err = s.poll(ctx)
			if ctx.Err() != nil || s.stopped() {
				s.log.Info().Msg("Supervisor stopped")
				return nil
			}
		}

		if int(s.restarts.Load()) >= s.cfg.MaxRestartAttempts {
			s.log.Error().Err(err).
				Int("attempts", int(s.restarts.Load())).
				Msg("Polling failed too many times, terminating")
			return fmt.Errorf("%w: %w", ErrRestartsExhausted, err)
		}
		s.restarts.Add(1)

		if KindOf(err) == KindConsumerConflict {
			err = s.recoverConflict(ctx, err)
		} else {
			err = s.recoverNetwork(ctx, err)
		}
		if err != nil {
			s.log.Info().Msg("Supervisor stopped during recovery")
			return nil
		}
	}
}

// startup verifies connectivity (retrying once on the first startup) and
// clears any webhook so long polling is allowed.
func (s *Supervisor) startup(ctx context.Context, first bool) error {
	err := s.checkConnectivity(ctx)
	if err != nil && first {
		s.log.Warn().Err(err).
			Dur("retry_in", s.cfg.ConnectivityRetryDelay).
			Msg("Connectivity check failed, retrying once")
		if sleepErr := s.sleep(ctx, s.cfg.ConnectivityRetryDelay); sleepErr != nil {
			return sleepErr
		}
		err = s.checkConnectivity(ctx)
	}
	if err != nil {
		if first {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		s.log.Warn().Err(err).Msg("Connectivity check failed")
		return err
	}

	if out := s.transport.Do(ctx, "deleteWebhook", s.api.ClearWebhook); !out.OK {
		s.log.Warn().Err(out.Err).Msg("Failed to clear webhook, polling anyway")
	} else {
		s.log.Debug().Msg("Webhook cleared")
	}
	return nil
}

// poll runs the fetch loop until a fetch fails or polling is halted.
func (s *Supervisor) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.pollMu.Lock()
	s.pollCancel = cancel
	s.pollMu.Unlock()
	if s.stopped() {
		cancel()
	}
	defer func() {
		s.pollMu.Lock()
		s.pollCancel = nil
		s.pollMu.Unlock()
	}()

	for {
		updates, err := s.api.FetchUpdates(pollCtx, s.offset, s.cfg.PollTimeout)
		if err != nil {
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return errPollingHalted
			}
			s.log.Warn().Err(err).Stringer("kind", KindOf(err)).Msg("Polling failed")
			return err
		}
		hadConflicts := s.conflicts.Swap(0) > 0
		hadRestarts := s.restarts.Swap(0) > 0
		if hadConflicts || hadRestarts {
			s.log.Info().Msg("Polling recovered")
		}
		for _, update := range updates {
			if update.UpdateID >= s.offset {
				s.offset = update.UpdateID + 1
			}
			s.handle(update)
		}
	}
}

// haltPolling cancels the in-flight fetch, if any.
func (s *Supervisor) haltPolling() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.pollCancel != nil {
		s.pollCancel()
	}
}

func (s *Supervisor) recoverNetwork(ctx context.Context, cause error) error {
	s.setState(StateRecoveringNetwork)
	s.log.Warn().Err(cause).
		Int("attempt", int(s.restarts.Load())).
		Int("max_attempts", s.cfg.MaxRestartAttempts).
		Dur("delay", s.cfg.RestartDelay).
		Msg("Restarting polling after failure")
	return s.sleep(ctx, s.cfg.RestartDelay)
}

func (s *Supervisor) recoverConflict(ctx context.Context, cause error) error {
	s.setState(StateRecoveringConflict)
	delay := s.cfg.ConflictDelay(int(s.conflicts.Load()))
	conflicts := s.conflicts.Add(1)
	s.log.Warn().Err(cause).
		Int("consecutive_conflicts", int(conflicts)).
		Int("attempt", int(s.restarts.Load())).
		Dur("delay", delay).
		Msg("Another consumer is polling this token, backing off")
	if err := s.forceCleanup(ctx); err != nil {
		return err
	}
	return s.sleep(ctx, delay)
}

// forceCleanup clears the webhook and waits for the API to release the
// previous consumer. The local fetch has already returned by now.
func (s *Supervisor) forceCleanup(ctx context.Context) error {
	status, out := doValue(ctx, s.transport, "getWebhookInfo", s.api.WebhookStatus)
	if out.OK && status.URL != "" {
		s.log.Info().Str("url", status.URL).Int("pending", status.PendingUpdates).Msg("Found registered webhook")
	}
	if out = s.transport.Do(ctx, "deleteWebhook", s.api.ClearWebhook); !out.OK {
		s.log.Warn().Err(out.Err).Msg("Failed to clear webhook during cleanup")
	}
	return s.sleep(ctx, s.cfg.SettleDelay)
}
