// Package supervisor implements the Connection Supervisor state machine from
// spec §4.C: Disconnected -> Connecting -> Syncing -> Operational, with a
// Degraded state entered on session loss and exited back to Connecting after
// a cooldown. The gate guarding order submission is a single atomic bool,
// read by the Execution Stage immediately before every order.
package supervisor

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/model"
)

// Checklist implements the four-step resync described in spec §4.C.
type Checklist struct {
	ReconcilePositions    func(ctx context.Context) error
	ResubscribeNews       func(ctx context.Context) error
	RefreshAccountSummary func(ctx context.Context) error
	ResumeQuoteStreams    func(ctx context.Context) error
}

// Deps wires the supervisor to its collaborators without importing broker
// directly, keeping the state machine independently testable.
type Deps struct {
	Connect      func(ctx context.Context) error
	CancelAwaiters func(class model.ErrorClass)
	Checklist    Checklist

	BackoffBase time.Duration // default 1s
	BackoffCap  time.Duration // default 60s
	Cooldown    time.Duration // Degraded -> Connecting cooldown, default 5s
}

// Supervisor drives the connection state machine off a stream of connection
// events (ConnectionAck/ConnectionClosed) fed by the Broker Bridge.
type Supervisor struct {
	deps Deps
	log  zerolog.Logger

	mu               sync.Mutex
	state            model.ConnState
	since            time.Time
	lastErr          error
	reconnectAttempt int

	gate atomic.Bool
}

// New creates a Supervisor starting in Disconnected.
func New(deps Deps, log zerolog.Logger) *Supervisor {
	if deps.BackoffBase <= 0 {
		deps.BackoffBase = time.Second
	}
	if deps.BackoffCap <= 0 {
		deps.BackoffCap = 60 * time.Second
	}
	if deps.Cooldown <= 0 {
		deps.Cooldown = 5 * time.Second
	}
	return &Supervisor{
		deps:  deps,
		log:   log,
		state: model.StateDisconnected,
		since: time.Now(),
	}
}

// Gate reports whether order submission is currently permitted (Operational).
func (s *Supervisor) Gate() bool { return s.gate.Load() }

// Degrade forces an immediate transition to Degraded from any state, closing
// the gate and cancelling in-flight awaiters exactly as an unsolicited
// ConnectionClosed event would. It exists for collaborators outside the
// Run loop (the Execution Stage, on a fatal trade-store write) that detect a
// condition severe enough to require a full resync before trading resumes.
func (s *Supervisor) Degrade(err error) {
	s.recordErr(err)
	s.gate.Store(false)
	if s.deps.CancelAwaiters != nil {
		s.deps.CancelAwaiters(model.ErrClassTransient)
	}
	s.transition(model.StateDegraded)
	s.log.Error().Err(err).Msg("forced degrade, resync required before trading resumes")
}

// Status returns a point-in-time snapshot, per spec §3's ConnectionStatus.
func (s *Supervisor) Status() model.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.ConnectionStatus{
		State:            s.state,
		Since:            s.since,
		LastError:        s.lastErr,
		ReconnectAttempt: s.reconnectAttempt,
	}
}

func (s *Supervisor) transition(to model.ConnState) {
	s.mu.Lock()
	s.state = to
	s.since = time.Now()
	s.mu.Unlock()
	s.log.Info().Str("state", string(to)).Msg("connection supervisor transition")
}

// Run drives the state machine until ctx is cancelled and then returns
// ctx.Err(); reconnect attempts are not bounded, so Run returns no other
// error. connEvents delivers ConnectionAck (while Connecting) and
// ConnectionClosed (while Operational) events from the bridge.
func (s *Supervisor) Run(ctx context.Context, connEvents <-chan model.BrokerEvent) error {
	s.transition(model.StateDisconnected)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch s.currentState() {
		case model.StateDisconnected:
			s.transition(model.StateConnecting)

		case model.StateConnecting:
			if err := s.deps.Connect(ctx); err != nil {
				s.recordErr(err)
				if !s.sleepBackoff(ctx) {
					return ctx.Err()
				}
				s.transition(model.StateDisconnected)
				continue
			}
			select {
			case ev := <-connEvents:
				if ev.Kind == model.EvtConnectionAck {
					s.transition(model.StateSyncing)
				} else {
					s.transition(model.StateDisconnected)
				}
			case <-time.After(30 * time.Second):
				s.recordErr(model.ErrTimeout)
				s.transition(model.StateDisconnected)
			case <-ctx.Done():
				return ctx.Err()
			}

		case model.StateSyncing:
			if err := s.runChecklist(ctx); err != nil {
				s.recordErr(err)
				s.gate.Store(false)
				if !s.sleepBackoff(ctx) {
					return ctx.Err()
				}
				s.transition(model.StateDisconnected)
				continue
			}
			s.mu.Lock()
			s.reconnectAttempt = 0
			s.mu.Unlock()
			s.gate.Store(true)
			s.transition(model.StateOperational)

		case model.StateOperational:
			select {
			case ev := <-connEvents:
				if ev.Kind == model.EvtConnectionClosed {
					s.gate.Store(false)
					if s.deps.CancelAwaiters != nil {
						s.deps.CancelAwaiters(model.ErrClassTransient)
					}
					s.transition(model.StateDegraded)
				}
			case <-ctx.Done():
				return ctx.Err()
			}

		case model.StateDegraded:
			select {
			case <-time.After(s.deps.Cooldown):
				s.transition(model.StateConnecting)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Supervisor) currentState() model.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) recordErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// runChecklist executes the four sync steps in order, per spec §4.C; any
// step failing aborts the whole sync (closes the gate, backs off to
// Disconnected).
func (s *Supervisor) runChecklist(ctx context.Context) error {
	steps := []func(ctx context.Context) error{
		s.deps.Checklist.ReconcilePositions,
		s.deps.Checklist.ResubscribeNews,
		s.deps.Checklist.RefreshAccountSummary,
		s.deps.Checklist.ResumeQuoteStreams,
	}
	for _, step := range steps {
		if step == nil {
			continue
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// sleepBackoff waits an exponential, jittered delay keyed by reconnectAttempt
// (base 1s, cap 60s), matching teacher's ExecuteWithReconnect shape
// generalized from per-request retry to connection-level reconnect.
func (s *Supervisor) sleepBackoff(ctx context.Context) bool {
	s.mu.Lock()
	attempt := s.reconnectAttempt
	s.reconnectAttempt++
	s.mu.Unlock()

	delay := s.deps.BackoffBase * time.Duration(1<<minInt(attempt, 6))
	if delay > s.deps.BackoffCap {
		delay = s.deps.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	wait := delay + jitter
	if wait < 0 {
		wait = s.deps.BackoffBase
	}

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
