package stt

import (
	"context"
)

// Result is one transcription event from a provider stream. Interim results
// may be revised; a final result is immutable.
type Result struct {
	Text       string
	Confidence float64
	IsFinal    bool
	Provider   string
}

// Recognizer is a live transcription stream against one provider. Results is
// closed when the stream ends, cleanly or not.
type Recognizer interface {
	SendAudio(data []byte) error
	Stop() error
	Results() <-chan Result
}

// Provider opens recognizer streams. Implementations are opaque external
// services.
type Provider interface {
	Name() string
	Start(ctx context.Context, language string) (Recognizer, error)
}
