package db

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"minbar/translate"
)

const (
	outboxDepth    = 1024
	outboxTimeout  = 5 * time.Second
	outboxRetryGap = 500 * time.Millisecond
)

type outboxJob struct {
	name string
	fn   func(ctx context.Context) error
}

// Outbox decouples the real-time path from storage latency: writes are
// queued and flushed by background workers, retried once, and dropped with a
// warning when the queue is full. The hot path never waits on postgres.
type Outbox struct {
	store  *Store
	logger *log.Logger

	jobs      chan outboxJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewOutbox(store *Store, logger *log.Logger) *Outbox {
	return &Outbox{
		store:  store,
		logger: logger,
		jobs:   make(chan outboxJob, outboxDepth),
	}
}

func (o *Outbox) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Close drains queued jobs and stops the workers.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.jobs)
	})
	o.wg.Wait()
}

func (o *Outbox) enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case o.jobs <- outboxJob{name: name, fn: fn}:
	default:
		o.logger.Warn("outbox full, dropping write", "job", name)
	}
}

func (o *Outbox) worker() {
	defer o.wg.Done()
	for job := range o.jobs {
		o.run(job)
	}
}

func (o *Outbox) run(job outboxJob) {
	ctx, cancel := context.WithTimeout(context.Background(), outboxTimeout)
	err := job.fn(ctx)
	cancel()
	if err == nil {
		return
	}

	o.logger.Warn("outbox write failed, retrying", "job", job.name, "error", err)
	time.Sleep(outboxRetryGap)

	ctx, cancel = context.WithTimeout(context.Background(), outboxTimeout)
	err = job.fn(ctx)
	cancel()
	if err != nil {
		o.logger.Error("outbox write lost", "job", job.name, "error", err)
	}
}

func (o *Outbox) ArchiveSessionStarted(rec SessionRecord) {
	o.enqueue("session_started", func(ctx context.Context) error {
		return o.store.UpsertSession(ctx, rec)
	})
}

func (o *Outbox) ArchiveSessionEnded(sessionID, reason string, endedAt time.Time) {
	o.enqueue("session_ended", func(ctx context.Context) error {
		return o.store.MarkSessionEnded(ctx, sessionID, reason, endedAt)
	})
}

func (o *Outbox) ArchiveTranscript(rec translate.TranscriptRecord) {
	o.enqueue("transcript", func(ctx context.Context) error {
		return o.store.InsertTranscript(ctx, rec)
	})
}

func (o *Outbox) ArchiveTranslation(unit translate.TranslationUnit, language string, res translate.LanguageResult) {
	row := TranslationRow{
		TranslationID:   unit.TranslationID,
		SessionID:       unit.SessionID,
		TranscriptionID: unit.TranscriptionID,
		SequenceNumber:  unit.SequenceNumber,
		Language:        language,
		Text:            res.Text,
		Confidence:      res.Confidence,
		Provider:        res.Provider,
		IsCached:        res.Cached,
	}
	o.enqueue("translation", func(ctx context.Context) error {
		return o.store.InsertTranslation(ctx, row)
	})
}
