package translate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"minbar/etc"
	"minbar/event"
)

// TranscriptRecord is one finalized utterance, immutable once created.
type TranscriptRecord struct {
	TranscriptionID string    `json:"transcriptionId"`
	SessionID       string    `json:"sessionId"`
	SequenceNumber  int64     `json:"sequenceNumber"`
	SourceText      string    `json:"sourceText"`
	Language        string    `json:"language"`
	Confidence      float64   `json:"confidence"`
	Provider        string    `json:"provider"`
	IsFinal         bool      `json:"isFinal"`
	CreatedAt       time.Time `json:"createdAt"`
}

// LanguageResult is one resolved language of a translation unit.
type LanguageResult struct {
	Text       string
	Confidence float64
	Provider   string
	Cached     bool
}

// TranslationUnit collects per-language results for one transcript. Results
// is append-only: a language resolves at most once.
type TranslationUnit struct {
	TranslationID   string
	SessionID       string
	TranscriptionID string
	SequenceNumber  int64
	Results         map[string]LanguageResult
}

// Broadcaster fans an event out to every connection joined to a session.
type Broadcaster interface {
	Broadcast(sessionID string, env event.Envelope)
}

// Archiver hands finished records to the persistence collaborator. Calls
// must never block the real-time path.
type Archiver interface {
	ArchiveTranscript(rec TranscriptRecord)
	ArchiveTranslation(unit TranslationUnit, language string, res LanguageResult)
}

// Sequencer assigns gap-free sequence numbers to finalized transcripts and
// resolves each configured target language concurrently, broadcasting every
// resolution as it lands.
type Sequencer struct {
	translator  Translator
	broadcaster Broadcaster
	archiver    Archiver
	logger      *log.Logger
	clock       etc.Clock

	mu      sync.Mutex
	nextSeq map[string]int64
	units   map[string][]*TranslationUnit
}

func NewSequencer(translator Translator, archiver Archiver, logger *log.Logger, clock etc.Clock) *Sequencer {
	return &Sequencer{
		translator: translator,
		archiver:   archiver,
		logger:     logger,
		clock:      clock,
		nextSeq:    make(map[string]int64),
		units:      make(map[string][]*TranslationUnit),
	}
}

// SetBroadcaster must be called before the first transcript arrives.
// Separate from the constructor because the gateway and sequencer reference
// each other.
func (s *Sequencer) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// OnFinalTranscript allocates the next sequence number, records the
// transcript, and kicks off translation into every target language. Each
// language resolves independently; one failing never blocks the others.
func (s *Sequencer) OnFinalTranscript(ctx context.Context, sessionID, text, sourceLang, contextType, provider string, confidence float64, targetLangs []string) TranscriptRecord {
	s.mu.Lock()
	seq := s.nextSeq[sessionID] + 1
	s.nextSeq[sessionID] = seq

	rec := TranscriptRecord{
		TranscriptionID: etc.NewFreshID(),
		SessionID:       sessionID,
		SequenceNumber:  seq,
		SourceText:      text,
		Language:        sourceLang,
		Confidence:      confidence,
		Provider:        provider,
		IsFinal:         true,
		CreatedAt:       s.clock.Now(),
	}
	unit := &TranslationUnit{
		TranslationID:   etc.NewFreshID(),
		SessionID:       sessionID,
		TranscriptionID: rec.TranscriptionID,
		SequenceNumber:  seq,
		Results:         make(map[string]LanguageResult),
	}
	s.units[sessionID] = append(s.units[sessionID], unit)
	s.mu.Unlock()

	s.archiver.ArchiveTranscript(rec)

	for _, lang := range targetLangs {
		go s.resolveLanguage(ctx, unit, rec, contextType, lang)
	}
	return rec
}

// resolveLanguage translates one language with a single automatic retry.
// A second failure is a persistent, non-fatal gap.
func (s *Sequencer) resolveLanguage(ctx context.Context, unit *TranslationUnit, rec TranscriptRecord, contextType, lang string) {
	res, err := s.translator.Translate(ctx, rec.SourceText, rec.Language, lang, contextType)
	if err != nil {
		s.logger.Warn("translation failed, retrying once",
			"session", rec.SessionID, "seq", rec.SequenceNumber, "language", lang, "error", err)
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return
		}
		res, err = s.translator.Translate(ctx, rec.SourceText, rec.Language, lang, contextType)
	}
	if err != nil {
		s.logger.Error("translation gap",
			"session", rec.SessionID, "seq", rec.SequenceNumber, "language", lang, "error", err)
		return
	}

	lr := LanguageResult{
		Text:       res.Text,
		Confidence: res.Confidence,
		Provider:   res.Provider,
		Cached:     res.Cached,
	}

	s.mu.Lock()
	if _, exists := unit.Results[lang]; exists {
		s.mu.Unlock()
		return
	}
	unit.Results[lang] = lr
	s.mu.Unlock()

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(rec.SessionID, event.MustMake(event.TypeTranslationUpdate, event.TranslationUpdate{
			TranslationID:  unit.TranslationID,
			Language:       lang,
			Text:           lr.Text,
			Confidence:     lr.Confidence,
			SequenceNumber: unit.SequenceNumber,
		}))
	}
	s.archiver.ArchiveTranslation(*unit, lang, lr)
}

// Snapshot returns every resolved translation for the session in ascending
// sequence order, filtered to langs when non-empty. Late joiners catch up
// from this.
func (s *Sequencer) Snapshot(sessionID string, langs []string) []event.TranslationUpdate {
	want := make(map[string]bool, len(langs))
	for _, l := range langs {
		want[l] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event.TranslationUpdate
	for _, unit := range s.units[sessionID] {
		for _, lang := range sortedLanguages(unit.Results) {
			if len(want) > 0 && !want[lang] {
				continue
			}
			res := unit.Results[lang]
			out = append(out, event.TranslationUpdate{
				TranslationID:  unit.TranslationID,
				Language:       lang,
				Text:           res.Text,
				Confidence:     res.Confidence,
				SequenceNumber: unit.SequenceNumber,
			})
		}
	}
	return out
}

// LastSequence reports the highest sequence number allocated for a session.
func (s *Sequencer) LastSequence(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq[sessionID]
}

// EndSession drops the session's in-memory sequencing state. Called on
// registry eviction; archived records live on in the store.
func (s *Sequencer) EndSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nextSeq, sessionID)
	delete(s.units, sessionID)
}

func sortedLanguages(results map[string]LanguageResult) []string {
	out := make([]string, 0, len(results))
	for lang := range results {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
