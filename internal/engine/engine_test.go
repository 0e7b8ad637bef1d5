package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/config"
	"github.com/shockline/engine/internal/extractor"
	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/position"
	"github.com/shockline/engine/internal/vendor"
)

// fakeSession is a no-op vendor.Session; these tests only check wiring, not
// a live connection.
type fakeSession struct {
	events chan model.BrokerEvent
}

func newFakeSession() *fakeSession { return &fakeSession{events: make(chan model.BrokerEvent)} }

func (f *fakeSession) Dial(ctx context.Context, addr string, clientID int64) error { return nil }
func (f *fakeSession) Send(cmd vendor.Command) error                               { return nil }
func (f *fakeSession) Events() <-chan model.BrokerEvent                            { return f.events }
func (f *fakeSession) Close() error                                                { return nil }

// var _ assertions make the package fail to compile, not just fail a test,
// if the interface shapes the engine relies on drift apart.
var _ vendor.Session = (*fakeSession)(nil)
var _ position.QuoteStreamer = quoteStreamer{}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := config.Default()
	eng := New(cfg, newFakeSession(), extractor.New(cfg.Extractor.URL), zerolog.Nop())

	if eng.bridge == nil || eng.supervisor == nil || eng.newsStage == nil ||
		eng.detectPool == nil || eng.execStage == nil || eng.posSup == nil {
		t.Fatal("expected every component to be constructed")
	}

	// Before the supervisor runs, the gate must be closed: no orders should
	// be submittable against an engine that was merely constructed.
	if eng.supervisorGate() {
		t.Fatal("expected gate closed before supervisor starts")
	}

	// IsSymbolOpen must work on the constructed posSup with no positions
	// adopted yet.
	if eng.posSup.IsSymbolOpen("KITT") {
		t.Fatal("expected no symbol open on a freshly constructed engine")
	}
}
