package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const speechmaticsBaseURL = "wss://eu2.rt.speechmatics.com/v2"

// Speechmatics streams audio to the Speechmatics realtime API. It is the
// configured fallback behind Deepgram.
type Speechmatics struct {
	apiKey string
	logger *log.Logger

	BaseURL string
}

func NewSpeechmatics(apiKey string, logger *log.Logger) *Speechmatics {
	return &Speechmatics{apiKey: apiKey, logger: logger, BaseURL: speechmaticsBaseURL}
}

func (c *Speechmatics) Name() string {
	return "speechmatics"
}

type smTranscriptionConfig struct {
	Language           string  `json:"language"`
	EnablePartials     bool    `json:"enable_partials"`
	MaxDelay           float64 `json:"max_delay,omitempty"`
	PunctuationEnabled bool    `json:"punctuation_enabled,omitempty"`
}

type smAudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type smStartRecognition struct {
	Message             string                `json:"message"`
	AudioFormat         smAudioFormat         `json:"audio_format"`
	TranscriptionConfig smTranscriptionConfig `json:"transcription_config"`
}

type smEndOfStream struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

type smTranscriptResponse struct {
	Message string `json:"message"`
	Results []struct {
		Alternatives []struct {
			Confidence float64 `json:"confidence"`
			Content    string  `json:"content"`
		} `json:"alternatives"`
		Type string `json:"type"`
	} `json:"results"`
}

func (c *Speechmatics) Start(ctx context.Context, language string) (Recognizer, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.BaseURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("speechmatics dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("speechmatics dial: %w", err)
	}

	start := smStartRecognition{
		Message: "StartRecognition",
		AudioFormat: smAudioFormat{
			Type: "file",
		},
		TranscriptionConfig: smTranscriptionConfig{
			Language:           language,
			EnablePartials:     true,
			MaxDelay:           2,
			PunctuationEnabled: true,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("speechmatics start recognition: %w", err)
	}

	s := &speechmaticsStream{
		conn:    conn,
		results: make(chan Result, 16),
		done:    make(chan struct{}),
		logger:  c.logger,
	}
	go s.readLoop()
	return s, nil
}

type speechmaticsStream struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	seq      int
	results  chan Result
	done     chan struct{}
	stopOnce sync.Once
	logger   *log.Logger
}

func parseSpeechmaticsMessage(data []byte) (Result, bool) {
	var tr smTranscriptResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return Result{}, false
	}
	if tr.Message != "AddTranscript" && tr.Message != "AddPartialTranscript" {
		return Result{}, false
	}

	var parts []string
	var confidence float64
	var n int
	for _, res := range tr.Results {
		if len(res.Alternatives) == 0 {
			continue
		}
		parts = append(parts, res.Alternatives[0].Content)
		confidence += res.Alternatives[0].Confidence
		n++
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return Result{}, false
	}
	if n > 0 {
		confidence /= float64(n)
	}
	return Result{
		Text:       text,
		Confidence: confidence,
		IsFinal:    tr.Message == "AddTranscript",
	}, true
}

func (s *speechmaticsStream) readLoop() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("speechmatics read ended", "error", err)
			}
			return
		}
		r, ok := parseSpeechmaticsMessage(data)
		if !ok {
			continue
		}
		select {
		case s.results <- r:
		case <-s.done:
			return
		}
	}
}

func (s *speechmaticsStream) SendAudio(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	s.seq++
	return nil
}

func (s *speechmaticsStream) Results() <-chan Result {
	return s.results
}

func (s *speechmaticsStream) Stop() error {
	s.stopOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteJSON(smEndOfStream{Message: "EndOfStream", LastSeqNo: s.seq})
		s.writeMu.Unlock()
		close(s.done)
		s.conn.Close()
	})
	return nil
}
