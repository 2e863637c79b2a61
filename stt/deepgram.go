package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const deepgramBaseURL = "wss://api.deepgram.com/v1/listen"

// Deepgram streams audio to the Deepgram live transcription API.
type Deepgram struct {
	apiKey string
	logger *log.Logger

	// BaseURL is overridable for tests.
	BaseURL string
}

func NewDeepgram(apiKey string, logger *log.Logger) *Deepgram {
	return &Deepgram{apiKey: apiKey, logger: logger, BaseURL: deepgramBaseURL}
}

func (d *Deepgram) Name() string {
	return "deepgram"
}

func (d *Deepgram) Start(ctx context.Context, language string) (Recognizer, error) {
	q := url.Values{}
	q.Set("model", "nova-2")
	q.Set("language", language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "opus")
	q.Set("sample_rate", "48000")
	q.Set("channels", "1")

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.BaseURL+"?"+q.Encode(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan Result, 16),
		done:    make(chan struct{}),
		logger:  d.logger,
	}
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	results  chan Result
	done     chan struct{}
	stopOnce sync.Once
	logger   *log.Logger
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func parseDeepgramMessage(data []byte) (Result, bool) {
	var mr deepgramResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return Result{}, false
	}
	if mr.Type != "" && mr.Type != "Results" {
		return Result{}, false
	}
	if len(mr.Channel.Alternatives) == 0 {
		return Result{}, false
	}
	alt := mr.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return Result{}, false
	}
	return Result{
		Text:       text,
		Confidence: alt.Confidence,
		IsFinal:    mr.IsFinal,
	}, true
}

func (s *deepgramStream) readLoop() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("deepgram read ended", "error", err)
			}
			return
		}
		r, ok := parseDeepgramMessage(data)
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

func (s *deepgramStream) SendAudio(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *deepgramStream) Results() <-chan Result {
	return s.results
}

func (s *deepgramStream) Stop() error {
	s.stopOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		close(s.done)
		s.conn.Close()
	})
	return nil
}
