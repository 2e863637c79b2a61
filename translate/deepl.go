package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const deeplBaseURL = "https://api.deepl.com/v2"

// DeepL calls the DeepL REST API. It reports a fixed confidence because the
// API does not expose one.
type DeepL struct {
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger

	BaseURL string
}

func NewDeepL(apiKey string, logger *log.Logger) *DeepL {
	return &DeepL{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		BaseURL:    deeplBaseURL,
	}
}

type deeplRequest struct {
	Text       []string `json:"text"`
	SourceLang string   `json:"source_lang,omitempty"`
	TargetLang string   `json:"target_lang"`
	Context    string   `json:"context,omitempty"`
}

type deeplResponse struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
}

func (d *DeepL) Translate(ctx context.Context, text, sourceLang, targetLang, contextType string) (Translation, error) {
	body, err := json.Marshal(deeplRequest{
		Text:       []string{text},
		SourceLang: strings.ToUpper(sourceLang),
		TargetLang: strings.ToUpper(targetLang),
		Context:    contextType,
	})
	if err != nil {
		return Translation{}, fmt.Errorf("marshal translate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return Translation{}, fmt.Errorf("create translate request: %w", err)
	}
	req.Header.Set("Authorization", "DeepL-Auth-Key "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Translation{}, fmt.Errorf("translate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Translation{}, fmt.Errorf("translate request failed: %s: %s", resp.Status, data)
	}

	var dr deeplResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return Translation{}, fmt.Errorf("decode translate response: %w", err)
	}
	if len(dr.Translations) == 0 {
		return Translation{}, fmt.Errorf("translate response contained no translations")
	}

	return Translation{
		Text:       dr.Translations[0].Text,
		Confidence: 0.9,
		Provider:   "deepl",
	}, nil
}
