package event

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame for every message in both directions. The
// payload shape is determined by Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client to server.
const (
	TypeAuthenticate   = "authenticate"
	TypeJoinSession    = "join_session"
	TypeStartBroadcast = "start_broadcast"
	TypeAudioChunk     = "audio_chunk"
	TypeStopBroadcast  = "stop_broadcast"
	TypeLeaveSession   = "leave_session"
)

// Server to client.
const (
	TypeSessionStarted     = "session_started"
	TypeParticipantJoined  = "participant_joined"
	TypeParticipantLeft    = "participant_left"
	TypeVoiceTranscription = "voice_transcription"
	TypeTranslationUpdate  = "translation_update"
	TypeSessionEnded       = "session_ended"
	TypeError              = "error"
)

// Participant roles.
const (
	RoleBroadcaster = "broadcaster"
	RoleListener    = "listener"
	RoleTranslator  = "translator"
)

// Session end reasons.
const (
	ReasonStopped            = "stopped"
	ReasonBroadcasterTimeout = "broadcaster_timeout"
	ReasonProviderExhausted  = "provider_exhausted"
)

type Authenticate struct {
	Credential string `json:"credential"`
}

type JoinSession struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
	Role      string `json:"role"`
}

type StartBroadcast struct {
	SessionID              string   `json:"sessionId"`
	OwnerID                string   `json:"ownerId"`
	Language               string   `json:"language"`
	TargetLanguages        []string `json:"targetLanguages"`
	EnableVoiceRecognition bool     `json:"enableVoiceRecognition"`
	EnableRecording        bool     `json:"enableRecording"`
}

type AudioChunk struct {
	SessionID string `json:"sessionId"`
	Bytes     []byte `json:"bytes"`
	Sequence  int64  `json:"sequence"`
}

type StopBroadcast struct {
	SessionID string `json:"sessionId"`
}

type LeaveSession struct {
	SessionID string `json:"sessionId"`
}

type SessionStarted struct {
	SessionID string   `json:"sessionId"`
	OwnerID   string   `json:"ownerId"`
	Languages []string `json:"languages"`
}

type ParticipantJoined struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
}

type ParticipantLeft struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
}

type VoiceTranscription struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
}

type TranslationUpdate struct {
	TranslationID  string  `json:"translationId"`
	Language       string  `json:"language"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	SequenceNumber int64   `json:"sequenceNumber"`
}

type SessionEnded struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func Make(typ string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: data}, nil
}

// MustMake is for payload types this package owns, which always marshal.
func MustMake(typ string, payload any) Envelope {
	env, err := Make(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// Bind unmarshals the payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}
