package stt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	ErrAllProvidersUnavailable = errors.New("all speech providers unavailable")
	ErrOrchestratorStopped     = errors.New("orchestrator stopped")
)

const (
	defaultMaxPending = 256 // ~5s of 20ms frames
	defaultTeardown   = 5 * time.Second
)

type OrchestratorConfig struct {
	MaxPendingChunks int
	TeardownTimeout  time.Duration

	// OnExhausted fires once when every provider in the chain has been
	// circuit-broken and no stream can be re-established.
	OnExhausted func()
}

// Orchestrator drives one session's live transcription across an ordered
// provider chain. Audio submitted before the stream is ready is queued in a
// bounded, oldest-dropped buffer and flushed in arrival order. A provider
// failure circuit-breaks that provider for the rest of the session and fails
// over to the next one, replaying buffered audio.
type Orchestrator struct {
	sessionID string
	language  string
	providers []Provider
	logger    *log.Logger

	maxPending  int
	teardown    time.Duration
	onExhausted func()

	ctx    context.Context
	cancel context.CancelFunc

	results   chan Result
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	rec     Recognizer
	current string
	pending [][]byte
	dropped int
	broken  map[string]bool
	ready   bool
	stopped bool
}

func NewOrchestrator(sessionID, language string, providers []Provider, cfg OrchestratorConfig, logger *log.Logger) *Orchestrator {
	if cfg.MaxPendingChunks <= 0 {
		cfg.MaxPendingChunks = defaultMaxPending
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardown
	}
	return &Orchestrator{
		sessionID:   sessionID,
		language:    language,
		providers:   providers,
		logger:      logger,
		maxPending:  cfg.MaxPendingChunks,
		teardown:    cfg.TeardownTimeout,
		onExhausted: cfg.OnExhausted,
		results:     make(chan Result, 16),
		broken:      make(map[string]bool),
	}
}

// OrderProviders returns the chain with the preferred provider moved to the
// front. An unknown preference leaves the configured order untouched.
func OrderProviders(providers []Provider, preferred string) []Provider {
	if preferred == "" {
		return providers
	}
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Name() == preferred {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return providers
	}
	for _, p := range providers {
		if p.Name() != preferred {
			out = append(out, p)
		}
	}
	return out
}

// Start opens the first stream, walking the fallback chain until one
// provider initializes. With the whole chain down it returns
// ErrAllProvidersUnavailable and no stream exists.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.mu.Lock()
	err := o.connectLocked()
	o.mu.Unlock()

	if err != nil {
		o.shutdown()
	}
	return err
}

// Results carries every transcription event from the live stream, tagged
// with the provider that produced it. Closed after Stop or exhaustion.
func (o *Orchestrator) Results() <-chan Result {
	return o.results
}

// Provider reports which provider currently holds the stream.
func (o *Orchestrator) Provider() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Dropped reports how many queued chunks were discarded to the buffer bound.
func (o *Orchestrator) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// SendAudio forwards a chunk to the live stream, or queues it while no
// stream is ready. Order is preserved either way.
func (o *Orchestrator) SendAudio(chunk []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrOrchestratorStopped
	}
	if !o.ready {
		o.queueLocked(chunk)
		return nil
	}

	if err := o.rec.SendAudio(chunk); err != nil {
		o.logger.Warn("send audio failed",
			"session", o.sessionID, "provider", o.current, "error", err)
		o.queueLocked(chunk)
		return o.failoverLocked()
	}
	return nil
}

// Stop flushes any buffered audio, releases the provider stream bounded by
// the teardown timeout, and closes Results.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	rec := o.rec
	o.rec = nil
	o.ready = false
	if rec != nil {
		for _, chunk := range o.pending {
			if err := rec.SendAudio(chunk); err != nil {
				break
			}
		}
	}
	o.pending = nil
	o.mu.Unlock()

	if rec != nil {
		done := make(chan struct{})
		go func() {
			rec.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(o.teardown):
			o.logger.Warn("provider teardown timed out, force releasing",
				"session", o.sessionID, "timeout", o.teardown)
		}
	}

	o.shutdown()
	return nil
}

func (o *Orchestrator) queueLocked(chunk []byte) {
	if len(o.pending) >= o.maxPending {
		o.pending = o.pending[1:]
		o.dropped++
		o.logger.Warn("audio buffer full, dropping oldest chunk",
			"session", o.sessionID, "dropped", o.dropped)
	}
	o.pending = append(o.pending, chunk)
}

// connectLocked walks the chain past circuit-broken providers, opening a
// stream and replaying the pending queue in order.
func (o *Orchestrator) connectLocked() error {
	for _, p := range o.providers {
		name := p.Name()
		if o.broken[name] {
			continue
		}
		rec, err := p.Start(o.ctx, o.language)
		if err != nil {
			o.broken[name] = true
			o.logger.Warn("provider initialization failed",
				"session", o.sessionID, "provider", name, "error", err)
			continue
		}
		if err := o.replayLocked(rec); err != nil {
			o.broken[name] = true
			o.logger.Warn("replay to provider failed",
				"session", o.sessionID, "provider", name, "error", err)
			go rec.Stop()
			continue
		}
		o.rec = rec
		o.current = name
		o.ready = true
		o.wg.Add(1)
		go o.pump(rec, name)
		o.logger.Info("speech stream ready",
			"session", o.sessionID, "provider", name, "language", o.language)
		return nil
	}
	o.ready = false
	return ErrAllProvidersUnavailable
}

func (o *Orchestrator) replayLocked(rec Recognizer) error {
	for i, chunk := range o.pending {
		if err := rec.SendAudio(chunk); err != nil {
			o.pending = o.pending[i:]
			return err
		}
	}
	o.pending = nil
	return nil
}

// failoverLocked circuit-breaks the current provider and re-connects through
// the remainder of the chain. Exhaustion stops the orchestrator.
func (o *Orchestrator) failoverLocked() error {
	if o.current != "" {
		o.broken[o.current] = true
	}
	if rec := o.rec; rec != nil {
		go rec.Stop()
	}
	o.rec = nil
	o.ready = false

	if err := o.connectLocked(); err != nil {
		o.stopped = true
		o.pending = nil
		o.logger.Error("speech provider chain exhausted", "session", o.sessionID)
		o.shutdown()
		if o.onExhausted != nil {
			go o.onExhausted()
		}
		return err
	}
	return nil
}

// pump forwards one recognizer's results until its stream closes. A close
// that was not requested counts as a provider error and triggers failover.
func (o *Orchestrator) pump(rec Recognizer, name string) {
	defer o.wg.Done()
	for r := range rec.Results() {
		r.Provider = name
		select {
		case o.results <- r:
		case <-o.ctx.Done():
			return
		}
	}

	o.mu.Lock()
	if o.stopped || o.rec != rec {
		o.mu.Unlock()
		return
	}
	o.logger.Warn("speech stream closed unexpectedly",
		"session", o.sessionID, "provider", name)
	o.failoverLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) shutdown() {
	o.closeOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		go func() {
			o.wg.Wait()
			close(o.results)
		}()
	})
}
