package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/model"
)

func TestOperationalAfterSuccessfulChecklist(t *testing.T) {
	connEvents := make(chan model.BrokerEvent, 4)
	var checklistCalls int32

	deps := Deps{
		Connect: func(ctx context.Context) error { return nil },
		Checklist: Checklist{
			ReconcilePositions:    func(ctx context.Context) error { atomic.AddInt32(&checklistCalls, 1); return nil },
			ResubscribeNews:       func(ctx context.Context) error { atomic.AddInt32(&checklistCalls, 1); return nil },
			RefreshAccountSummary: func(ctx context.Context) error { atomic.AddInt32(&checklistCalls, 1); return nil },
			ResumeQuoteStreams:    func(ctx context.Context) error { atomic.AddInt32(&checklistCalls, 1); return nil },
		},
		Cooldown: 10 * time.Millisecond,
	}
	s := New(deps, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, connEvents)

	connEvents <- model.BrokerEvent{Kind: model.EvtConnectionAck}

	deadline := time.After(time.Second)
	for {
		if s.Gate() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("gate never opened, checklist calls=%d, state=%v", checklistCalls, s.Status().State)
		case <-time.After(time.Millisecond):
		}
	}

	if atomic.LoadInt32(&checklistCalls) != 4 {
		t.Fatalf("expected all 4 checklist steps run, got %d", checklistCalls)
	}
	if s.Status().State != model.StateOperational {
		t.Fatalf("expected Operational, got %v", s.Status().State)
	}
}

func TestDegradedClosesGateAndCancelsAwaiters(t *testing.T) {
	connEvents := make(chan model.BrokerEvent, 4)
	var cancelledClass model.ErrorClass
	var cancelled int32

	deps := Deps{
		Connect: func(ctx context.Context) error { return nil },
		Checklist: Checklist{
			ReconcilePositions:    func(ctx context.Context) error { return nil },
			ResubscribeNews:       func(ctx context.Context) error { return nil },
			RefreshAccountSummary: func(ctx context.Context) error { return nil },
			ResumeQuoteStreams:    func(ctx context.Context) error { return nil },
		},
		CancelAwaiters: func(class model.ErrorClass) {
			cancelledClass = class
			atomic.AddInt32(&cancelled, 1)
		},
		Cooldown: time.Hour, // keep it in Degraded for the assertion window
	}
	s := New(deps, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, connEvents)

	connEvents <- model.BrokerEvent{Kind: model.EvtConnectionAck}
	deadline := time.After(time.Second)
	for !s.Gate() {
		select {
		case <-deadline:
			t.Fatal("gate never opened")
		case <-time.After(time.Millisecond):
		}
	}

	connEvents <- model.BrokerEvent{Kind: model.EvtConnectionClosed}

	deadline = time.After(time.Second)
	for s.Gate() {
		select {
		case <-deadline:
			t.Fatal("gate never closed after connection loss")
		case <-time.After(time.Millisecond):
		}
	}

	if s.Status().State != model.StateDegraded {
		t.Fatalf("expected Degraded, got %v", s.Status().State)
	}
	if atomic.LoadInt32(&cancelled) != 1 {
		t.Fatalf("expected CancelAwaiters called once, got %d", cancelled)
	}
	if cancelledClass != model.ErrClassTransient {
		t.Fatalf("expected transient class, got %v", cancelledClass)
	}
}

func TestDegradeForcesTransitionEvenOutsideRunLoop(t *testing.T) {
	var cancelled int32
	deps := Deps{
		CancelAwaiters: func(class model.ErrorClass) { atomic.AddInt32(&cancelled, 1) },
	}
	s := New(deps, zerolog.Nop())
	s.gate.Store(true)

	s.Degrade(model.NewError(model.KindStoreFailure, nil))

	if s.Gate() {
		t.Fatal("expected gate closed after Degrade")
	}
	if s.Status().State != model.StateDegraded {
		t.Fatalf("expected Degraded, got %v", s.Status().State)
	}
	if s.Status().LastError == nil {
		t.Fatal("expected LastError recorded")
	}
	if atomic.LoadInt32(&cancelled) != 1 {
		t.Fatalf("expected CancelAwaiters called once, got %d", cancelled)
	}
}

func TestChecklistFailureReturnsToDisconnected(t *testing.T) {
	connEvents := make(chan model.BrokerEvent, 4)

	deps := Deps{
		Connect: func(ctx context.Context) error { return nil },
		Checklist: Checklist{
			ReconcilePositions: func(ctx context.Context) error { return model.ErrTimeout },
		},
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	}
	s := New(deps, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, connEvents)

	connEvents <- model.BrokerEvent{Kind: model.EvtConnectionAck}

	deadline := time.After(time.Second)
	for {
		st := s.Status()
		if st.LastError != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected last error to be recorded after failed checklist")
		case <-time.After(time.Millisecond):
		}
	}
	if s.Gate() {
		t.Fatal("gate must stay closed when sync fails")
	}
}
