package translate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"minbar/event"
)

type scriptedTranslator struct {
	mu        sync.Mutex
	failFirst map[string]int
	calls     map[string]int
}

func newScriptedTranslator() *scriptedTranslator {
	return &scriptedTranslator{
		failFirst: make(map[string]int),
		calls:     make(map[string]int),
	}
}

func (t *scriptedTranslator) Translate(_ context.Context, text, sourceLang, targetLang, contextType string) (Translation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[targetLang]++
	if t.failFirst[targetLang] > 0 {
		t.failFirst[targetLang]--
		return Translation{}, errors.New("provider unavailable")
	}
	return Translation{
		Text:       "[" + targetLang + "] " + text,
		Confidence: 0.9,
		Provider:   "fake",
	}, nil
}

type chanBroadcaster struct {
	ch chan event.Envelope
}

func (b *chanBroadcaster) Broadcast(sessionID string, env event.Envelope) {
	b.ch <- env
}

type recordingArchiver struct {
	mu           sync.Mutex
	transcripts  []TranscriptRecord
	translations []translationKey
}

type translationKey struct {
	Seq  int64
	Lang string
}

func (a *recordingArchiver) ArchiveTranscript(rec TranscriptRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transcripts = append(a.transcripts, rec)
}

func (a *recordingArchiver) ArchiveTranslation(unit TranslationUnit, language string, res LanguageResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.translations = append(a.translations, translationKey{Seq: unit.SequenceNumber, Lang: language})
}

func newTestSequencer() (*Sequencer, *scriptedTranslator, *chanBroadcaster, *recordingArchiver) {
	translator := newScriptedTranslator()
	broadcaster := &chanBroadcaster{ch: make(chan event.Envelope, 64)}
	archiver := &recordingArchiver{}
	s := NewSequencer(translator, archiver, log.New(io.Discard), newFakeClock())
	s.SetBroadcaster(broadcaster)
	return s, translator, broadcaster, archiver
}

func collectUpdates(t *testing.T, b *chanBroadcaster, n int) []event.TranslationUpdate {
	t.Helper()
	out := make([]event.TranslationUpdate, 0, n)
	for len(out) < n {
		select {
		case env := <-b.ch:
			if env.Type != event.TypeTranslationUpdate {
				t.Fatalf("unexpected envelope type %q", env.Type)
			}
			var u event.TranslationUpdate
			if err := env.Bind(&u); err != nil {
				t.Fatal(err)
			}
			out = append(out, u)
		case <-time.After(3 * time.Second):
			t.Fatalf("got %d updates, want %d", len(out), n)
		}
	}
	return out
}

func TestSequenceNumbersAreGapFree(t *testing.T) {
	s, _, b, _ := newTestSequencer()
	ctx := context.Background()

	// Finals arriving from different providers still share one counter.
	r1 := s.OnFinalTranscript(ctx, "sess1", "first", "ar", "general", "deepgram", 0.9, []string{"en"})
	r2 := s.OnFinalTranscript(ctx, "sess1", "second", "ar", "general", "speechmatics", 0.8, []string{"en"})
	r3 := s.OnFinalTranscript(ctx, "sess1", "third", "ar", "general", "deepgram", 0.9, []string{"en"})

	if r1.SequenceNumber != 1 || r2.SequenceNumber != 2 || r3.SequenceNumber != 3 {
		t.Errorf("sequence numbers = %d %d %d, want 1 2 3",
			r1.SequenceNumber, r2.SequenceNumber, r3.SequenceNumber)
	}
	if s.LastSequence("sess1") != 3 {
		t.Errorf("last sequence = %d, want 3", s.LastSequence("sess1"))
	}
	collectUpdates(t, b, 3)

	// Sessions do not share counters.
	other := s.OnFinalTranscript(ctx, "sess2", "hello", "ar", "general", "deepgram", 0.9, nil)
	if other.SequenceNumber != 1 {
		t.Errorf("second session started at %d, want 1", other.SequenceNumber)
	}
}

func TestEachLanguageResolvesIndependently(t *testing.T) {
	s, _, b, _ := newTestSequencer()

	rec := s.OnFinalTranscript(context.Background(), "sess1", "peace be upon you", "ar", "religious", "deepgram", 0.9, []string{"en", "fr"})

	updates := collectUpdates(t, b, 2)
	seen := map[string]bool{}
	for _, u := range updates {
		seen[u.Language] = true
		if u.SequenceNumber != rec.SequenceNumber {
			t.Errorf("update seq = %d, want %d", u.SequenceNumber, rec.SequenceNumber)
		}
	}
	if !seen["en"] || !seen["fr"] {
		t.Errorf("languages resolved = %v, want en and fr", seen)
	}
}

func TestTranslationRetriesOnce(t *testing.T) {
	s, translator, b, _ := newTestSequencer()
	translator.failFirst["en"] = 1

	s.OnFinalTranscript(context.Background(), "sess1", "hello", "ar", "general", "deepgram", 0.9, []string{"en"})

	updates := collectUpdates(t, b, 1)
	if updates[0].Language != "en" {
		t.Errorf("language = %q, want en", updates[0].Language)
	}

	translator.mu.Lock()
	calls := translator.calls["en"]
	translator.mu.Unlock()
	if calls != 2 {
		t.Errorf("translate calls = %d, want 2 (failure + retry)", calls)
	}
}

func TestPersistentFailureLeavesGap(t *testing.T) {
	s, translator, b, archiver := newTestSequencer()
	translator.failFirst["fr"] = 2

	s.OnFinalTranscript(context.Background(), "sess1", "hello", "ar", "general", "deepgram", 0.9, []string{"en", "fr"})

	// Only en resolves; fr fails its retry and stays a gap.
	updates := collectUpdates(t, b, 1)
	if updates[0].Language != "en" {
		t.Fatalf("resolved %q, want en", updates[0].Language)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		translator.mu.Lock()
		done := translator.calls["fr"] == 2
		translator.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := s.Snapshot("sess1", nil)
	if len(snap) != 1 || snap[0].Language != "en" {
		t.Errorf("snapshot = %+v, want a single en entry", snap)
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.transcripts) != 1 {
		t.Errorf("archived transcripts = %d, want 1", len(archiver.transcripts))
	}
	for _, row := range archiver.translations {
		if row.Lang == "fr" {
			t.Error("failed language was archived")
		}
	}
}

func TestSnapshotAscendingOrder(t *testing.T) {
	s, _, b, _ := newTestSequencer()
	ctx := context.Background()

	s.OnFinalTranscript(ctx, "sess1", "one", "ar", "general", "deepgram", 0.9, []string{"en", "fr"})
	s.OnFinalTranscript(ctx, "sess1", "two", "ar", "general", "deepgram", 0.9, []string{"en", "fr"})
	collectUpdates(t, b, 4)

	snap := s.Snapshot("sess1", nil)
	if len(snap) != 4 {
		t.Fatalf("snapshot length = %d, want 4", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].SequenceNumber < snap[i-1].SequenceNumber {
			t.Fatalf("snapshot out of order: %+v", snap)
		}
	}

	// Filtering keeps only the requested language.
	frOnly := s.Snapshot("sess1", []string{"fr"})
	if len(frOnly) != 2 {
		t.Fatalf("filtered length = %d, want 2", len(frOnly))
	}
	for _, u := range frOnly {
		if u.Language != "fr" {
			t.Errorf("language = %q, want fr", u.Language)
		}
	}
}

func TestEndSessionClearsState(t *testing.T) {
	s, _, b, _ := newTestSequencer()

	s.OnFinalTranscript(context.Background(), "sess1", "one", "ar", "general", "deepgram", 0.9, []string{"en"})
	collectUpdates(t, b, 1)

	s.EndSession("sess1")
	if s.LastSequence("sess1") != 0 {
		t.Error("sequence counter survived EndSession")
	}
	if len(s.Snapshot("sess1", nil)) != 0 {
		t.Error("snapshot survived EndSession")
	}
}
