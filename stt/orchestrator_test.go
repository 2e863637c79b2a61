package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	chunks   [][]byte
	sendErr  error
	results  chan Result
	stopOnce sync.Once
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{results: make(chan Result, 16)}
}

func (r *fakeRecognizer) SendAudio(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.chunks = append(r.chunks, data)
	return nil
}

func (r *fakeRecognizer) failSends() {
	r.mu.Lock()
	r.sendErr = errors.New("stream broken")
	r.mu.Unlock()
}

func (r *fakeRecognizer) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

func (r *fakeRecognizer) Stop() error {
	r.die()
	return nil
}

// die ends the result stream the way a dropped upstream connection would.
// Routed through stopOnce so a later Stop from the orchestrator's failover
// path does not close the channel twice.
func (r *fakeRecognizer) die() {
	r.stopOnce.Do(func() { close(r.results) })
}

func (r *fakeRecognizer) Results() <-chan Result {
	return r.results
}

type fakeProvider struct {
	name     string
	startErr error

	mu     sync.Mutex
	rec    *fakeRecognizer
	starts int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Start(ctx context.Context, language string) (Recognizer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.rec = newFakeRecognizer()
	return p.rec, nil
}

func (p *fakeProvider) recognizer() *fakeRecognizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec
}

func testOrchestrator(t *testing.T, providers []Provider, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	return NewOrchestrator("sess1", "ar", providers, cfg, log.New(io.Discard))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartWalksFallbackChain(t *testing.T) {
	a := &fakeProvider{name: "a", startErr: errors.New("down")}
	b := &fakeProvider{name: "b"}
	o := testOrchestrator(t, []Provider{a, b}, OrchestratorConfig{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	if got := o.Provider(); got != "b" {
		t.Errorf("provider = %q, want b", got)
	}
}

func TestStartAllProvidersUnavailable(t *testing.T) {
	a := &fakeProvider{name: "a", startErr: errors.New("down")}
	b := &fakeProvider{name: "b", startErr: errors.New("down")}
	o := testOrchestrator(t, []Provider{a, b}, OrchestratorConfig{})

	if err := o.Start(context.Background()); !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Fatalf("err = %v, want ErrAllProvidersUnavailable", err)
	}

	// The result channel closes so consumers do not hang.
	select {
	case _, ok := <-o.Results():
		if ok {
			t.Error("unexpected result on a failed orchestrator")
		}
	case <-time.After(2 * time.Second):
		t.Error("result channel not closed after exhausted start")
	}
}

func TestFailoverReplaysChunksInOrder(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	o := testOrchestrator(t, []Provider{a, b}, OrchestratorConfig{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	if err := o.SendAudio([]byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := o.SendAudio([]byte{2}); err != nil {
		t.Fatal(err)
	}

	// Break A mid-stream; the next send fails over to B, carrying the
	// failed chunk with it.
	a.recognizer().failSends()
	if err := o.SendAudio([]byte{3}); err != nil {
		t.Fatalf("failover send: %v", err)
	}
	if err := o.SendAudio([]byte{4}); err != nil {
		t.Fatal(err)
	}

	if got := o.Provider(); got != "b" {
		t.Fatalf("provider = %q, want b after failover", got)
	}
	got := b.recognizer().received()
	want := [][]byte{{3}, {4}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("b received %v, want %v", got, want)
	}
}

func TestPendingQueueDropsOldestAtBound(t *testing.T) {
	a := &fakeProvider{name: "a"}
	o := testOrchestrator(t, []Provider{a}, OrchestratorConfig{MaxPendingChunks: 3})

	// No stream yet: everything queues. Chunks past the bound push the
	// oldest ones out.
	for i := byte(1); i <= 5; i++ {
		if err := o.SendAudio([]byte{i}); err != nil {
			t.Fatal(err)
		}
	}
	if got := o.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	// The survivors flush in arrival order.
	got := a.recognizer().received()
	want := [][]byte{{3}, {4}, {5}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("flushed %v, want %v", got, want)
	}
}

func TestPendingQueueUnderBoundDropsNothing(t *testing.T) {
	a := &fakeProvider{name: "a"}
	o := testOrchestrator(t, []Provider{a}, OrchestratorConfig{MaxPendingChunks: 8})

	for i := byte(1); i <= 3; i++ {
		if err := o.SendAudio([]byte{i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	if got := o.Dropped(); got != 0 {
		t.Errorf("dropped = %d, want 0", got)
	}
	got := a.recognizer().received()
	want := [][]byte{{1}, {2}, {3}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("flushed %v, want %v", got, want)
	}
}

func TestBrokenProviderStaysBroken(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	o := testOrchestrator(t, []Provider{a, b}, OrchestratorConfig{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	a.recognizer().failSends()
	if err := o.SendAudio([]byte{1}); err != nil {
		t.Fatal(err)
	}
	b.recognizer().failSends()
	if err := o.SendAudio([]byte{2}); !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Fatalf("err = %v, want ErrAllProvidersUnavailable", err)
	}

	// A is circuit-broken for the session: exactly one start each.
	if a.starts != 1 || b.starts != 1 {
		t.Errorf("starts = a:%d b:%d, want one each", a.starts, b.starts)
	}
	if err := o.SendAudio([]byte{3}); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("err = %v, want ErrOrchestratorStopped", err)
	}
}

func TestExhaustionFiresCallbackOnce(t *testing.T) {
	var mu sync.Mutex
	fired := 0

	a := &fakeProvider{name: "a"}
	o := testOrchestrator(t, []Provider{a}, OrchestratorConfig{
		OnExhausted: func() {
			mu.Lock()
			fired++
			mu.Unlock()
		},
	})

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.recognizer().failSends()
	o.SendAudio([]byte{1})

	waitFor(t, "exhaustion callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	})
}

func TestResultsTaggedWithProvider(t *testing.T) {
	a := &fakeProvider{name: "a"}
	o := testOrchestrator(t, []Provider{a}, OrchestratorConfig{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	a.recognizer().results <- Result{Text: "hello", IsFinal: true, Confidence: 0.9}

	select {
	case r := <-o.Results():
		if r.Provider != "a" {
			t.Errorf("provider tag = %q, want a", r.Provider)
		}
		if r.Text != "hello" || !r.IsFinal {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestUnexpectedStreamCloseFailsOver(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	o := testOrchestrator(t, []Provider{a, b}, OrchestratorConfig{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	// A dying without a Stop request counts as a provider failure.
	a.recognizer().die()

	waitFor(t, "failover to b", func() bool {
		return o.Provider() == "b"
	})
}

func TestStopClosesResults(t *testing.T) {
	a := &fakeProvider{name: "a"}
	o := testOrchestrator(t, []Provider{a}, OrchestratorConfig{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := o.Stop(); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-o.Results():
		if ok {
			t.Error("unexpected result after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Error("result channel not closed after Stop")
	}

	if err := o.SendAudio([]byte{1}); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("err = %v, want ErrOrchestratorStopped", err)
	}
}

func TestOrderProviders(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	c := &fakeProvider{name: "c"}

	got := OrderProviders([]Provider{a, b, c}, "b")
	if got[0].Name() != "b" || got[1].Name() != "a" || got[2].Name() != "c" {
		t.Errorf("order = [%s %s %s], want [b a c]", got[0].Name(), got[1].Name(), got[2].Name())
	}

	// Unknown preference keeps the configured order.
	got = OrderProviders([]Provider{a, b}, "zzz")
	if got[0].Name() != "a" || got[1].Name() != "b" {
		t.Errorf("order changed for unknown preference")
	}
}
