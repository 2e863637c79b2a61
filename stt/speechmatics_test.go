package stt

import "testing"

func TestParseSpeechmaticsFinal(t *testing.T) {
	data := []byte(`{
		"message": "AddTranscript",
		"results": [
			{"type": "word", "alternatives": [{"content": "good", "confidence": 0.5}]},
			{"type": "word", "alternatives": [{"content": "morning", "confidence": 1.0}]}
		]
	}`)

	r, ok := parseSpeechmaticsMessage(data)
	if !ok {
		t.Fatal("expected a result")
	}
	if r.Text != "good morning" {
		t.Errorf("text = %q, want joined words", r.Text)
	}
	if !r.IsFinal {
		t.Error("AddTranscript should be final")
	}
	if r.Confidence != 0.75 {
		t.Errorf("confidence = %v, want averaged 0.75", r.Confidence)
	}
}

func TestParseSpeechmaticsPartial(t *testing.T) {
	data := []byte(`{
		"message": "AddPartialTranscript",
		"results": [{"alternatives": [{"content": "goo", "confidence": 0.4}]}]
	}`)

	r, ok := parseSpeechmaticsMessage(data)
	if !ok || r.IsFinal {
		t.Errorf("want interim result, got ok=%v r=%+v", ok, r)
	}
}

func TestParseSpeechmaticsIgnoresOtherMessages(t *testing.T) {
	cases := []string{
		`{"message": "RecognitionStarted"}`,
		`{"message": "AudioAdded", "seq_no": 3}`,
		`{"message": "AddTranscript", "results": []}`,
	}
	for _, c := range cases {
		if _, ok := parseSpeechmaticsMessage([]byte(c)); ok {
			t.Errorf("parsed %q, want skip", c)
		}
	}
}
