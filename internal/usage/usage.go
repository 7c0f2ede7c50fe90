package usage

import (
	"fmt"
	"math"
)

// Kind identifies which voice-pipeline stage produced a usage event.
type Kind string

const (
	KindSTT Kind = "stt"
	KindTTS Kind = "tts"
	KindLLM Kind = "llm"
	KindVAD Kind = "vad"
)

// Kinds lists every kind in reporting order.
var Kinds = []Kind{KindLLM, KindTTS, KindSTT, KindVAD}

// Payload is the kind-specific part of an Event. It is sealed: only the
// types in this package implement it.
type Payload interface {
	Kind() Kind
	accept(ev Event, v Visitor) error
	validate() error
}

// Visitor handles each payload kind. Adding a kind adds a method here, so
// every visitor stops compiling until it handles the new kind.
type Visitor interface {
	VisitSTT(ev Event, p STT) error
	VisitTTS(ev Event, p TTS) error
	VisitLLM(ev Event, p LLM) error
	VisitVAD(ev Event, p VAD) error
}

// Event is one completed pipeline call. Events are immutable once emitted.
type Event struct {
	RequestID string
	Model     string
	Duration  float64 // seconds
	Error     string
	Payload   Payload
}

// Kind returns the payload kind, or "" when the payload is missing.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Validate checks the shared and kind-specific fields.
func (e Event) Validate() error {
	if e.Payload == nil {
		return &TaxonomyError{Reason: "missing payload", Event: e}
	}
	if bad(e.Duration) {
		return &TaxonomyError{Kind: e.Kind(), Reason: "invalid duration", Event: e}
	}
	if err := e.Payload.validate(); err != nil {
		return &TaxonomyError{Kind: e.Kind(), Reason: err.Error(), Event: e}
	}
	return nil
}

// Dispatch validates the event and hands it to the visitor method for its kind.
func (e Event) Dispatch(v Visitor) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return e.Payload.accept(e, v)
}

// STT is a speech-to-text call; AudioDuration is the billed audio length.
type STT struct {
	AudioDuration float64 `json:"audio_duration_seconds"`
	Streamed      bool    `json:"streamed"`
}

func (STT) Kind() Kind { return KindSTT }

func (p STT) accept(ev Event, v Visitor) error { return v.VisitSTT(ev, p) }

func (p STT) validate() error {
	if bad(p.AudioDuration) {
		return fmt.Errorf("invalid audio_duration %v", p.AudioDuration)
	}
	return nil
}

// TTS is a synthesis call. TTFB is time to first audio byte.
type TTS struct {
	Characters int     `json:"characters_count"`
	TTFB       float64 `json:"ttfb_seconds"`
	Cancelled  bool    `json:"cancelled"`
}

func (TTS) Kind() Kind { return KindTTS }

func (p TTS) accept(ev Event, v Visitor) error { return v.VisitTTS(ev, p) }

func (p TTS) validate() error {
	if p.Characters < 0 {
		return fmt.Errorf("negative characters_count %d", p.Characters)
	}
	if bad(p.TTFB) {
		return fmt.Errorf("invalid ttfb %v", p.TTFB)
	}
	return nil
}

type LLM struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TTFT             float64 `json:"ttft_seconds"`
	Cancelled        bool    `json:"cancelled"`
}

func (LLM) Kind() Kind { return KindLLM }

func (p LLM) accept(ev Event, v Visitor) error { return v.VisitLLM(ev, p) }

// TotalTokens is prompt plus completion tokens.
func (p LLM) TotalTokens() int { return p.PromptTokens + p.CompletionTokens }

func (p LLM) validate() error {
	if p.PromptTokens < 0 || p.CompletionTokens < 0 {
		return fmt.Errorf("negative token count %d/%d", p.PromptTokens, p.CompletionTokens)
	}
	if bad(p.TTFT) {
		return fmt.Errorf("invalid ttft %v", p.TTFT)
	}
	return nil
}

// VAD is one voice-activity-detection metrics window.
type VAD struct {
	Idle              float64 `json:"idle_seconds"`
	InferenceDuration float64 `json:"inference_duration_seconds"`
	InferenceCount    int     `json:"inference_count"`
}

func (VAD) Kind() Kind { return KindVAD }

func (p VAD) accept(ev Event, v Visitor) error { return v.VisitVAD(ev, p) }

func (p VAD) validate() error {
	if bad(p.Idle) || bad(p.InferenceDuration) {
		return fmt.Errorf("invalid vad timings %v/%v", p.Idle, p.InferenceDuration)
	}
	if p.InferenceCount < 0 {
		return fmt.Errorf("negative inference_count %d", p.InferenceCount)
	}
	return nil
}

func bad(f float64) bool {
	return f < 0 || math.IsNaN(f) || math.IsInf(f, 0)
}
