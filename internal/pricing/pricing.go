package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/vnmchuo/voice-metering/internal/usage"
)

var (
	ErrMissingRate  = errors.New("pricing: missing rate")
	ErrNegativeRate = errors.New("pricing: negative rate")
	ErrInvalidRate  = errors.New("pricing: rate is not a finite number")
)

// Rate names within a kind.
const (
	RateInput     = "input"
	RateOutput    = "output"
	RateCharacter = "character"
	RateSecond    = "second"
)

// RateKey addresses one per-unit rate.
type RateKey struct {
	Kind usage.Kind
	Name string
}

func (k RateKey) String() string { return string(k.Kind) + "." + k.Name }

// Required lists the rates every table must define.
var Required = []RateKey{
	{usage.KindLLM, RateInput},
	{usage.KindLLM, RateOutput},
	{usage.KindTTS, RateCharacter},
	{usage.KindSTT, RateSecond},
	{usage.KindVAD, RateSecond},
}

// Table maps (kind, rate name) to a per-unit USD rate. It is loaded once at
// startup and treated as read-only afterwards.
type Table map[RateKey]float64

// Default returns the stock provider rates: gpt-4o-mini class LLM, Cartesia
// style TTS, Deepgram nova-2 STT and a nominal VAD charge.
func Default() Table {
	return Table{
		{usage.KindLLM, RateInput}:     0.0015 / 1000,
		{usage.KindLLM, RateOutput}:    0.002 / 1000,
		{usage.KindTTS, RateCharacter}: 0.015 / 1000,
		{usage.KindSTT, RateSecond}:    0.0059 / 60,
		{usage.KindVAD, RateSecond}:    0.0001 / 60,
	}
}

// Validate reports the first missing, negative or non-finite required rate.
func (t Table) Validate() error {
	for _, k := range Required {
		r, ok := t[k]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingRate, k)
		}
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: %s = %v", ErrInvalidRate, k, r)
		}
		if r < 0 {
			return fmt.Errorf("%w: %s = %v", ErrNegativeRate, k, r)
		}
	}
	return nil
}

func (t Table) rate(kind usage.Kind, name string) float64 {
	return t[RateKey{kind, name}]
}

// Quantities carries the billable amounts of one call or one session.
type Quantities struct {
	PromptTokens     int
	CompletionTokens int
	Characters       int
	AudioSeconds     float64
	DurationSeconds  float64
}

// LLMCost is promptTokens*input + completionTokens*output.
func LLMCost(promptTokens, completionTokens int, t Table) float64 {
	return float64(promptTokens)*t.rate(usage.KindLLM, RateInput) +
		float64(completionTokens)*t.rate(usage.KindLLM, RateOutput)
}

// TTSCost is characters*character rate.
func TTSCost(characters int, t Table) float64 {
	return float64(characters) * t.rate(usage.KindTTS, RateCharacter)
}

// STTCost is audio seconds*second rate.
func STTCost(audioSeconds float64, t Table) float64 {
	return audioSeconds * t.rate(usage.KindSTT, RateSecond)
}

// VADCost is processing seconds*second rate.
func VADCost(durationSeconds float64, t Table) float64 {
	return durationSeconds * t.rate(usage.KindVAD, RateSecond)
}

// Cost prices q for the given kind. Unknown kinds cost nothing.
func (t Table) Cost(kind usage.Kind, q Quantities) float64 {
	switch kind {
	case usage.KindLLM:
		return LLMCost(q.PromptTokens, q.CompletionTokens, t)
	case usage.KindTTS:
		return TTSCost(q.Characters, t)
	case usage.KindSTT:
		return STTCost(q.AudioSeconds, t)
	case usage.KindVAD:
		return VADCost(q.DurationSeconds, t)
	}
	return 0
}

// EventCost prices a single usage event.
func (t Table) EventCost(ev usage.Event) float64 {
	switch p := ev.Payload.(type) {
	case usage.LLM:
		return LLMCost(p.PromptTokens, p.CompletionTokens, t)
	case usage.TTS:
		return TTSCost(p.Characters, t)
	case usage.STT:
		return STTCost(p.AudioDuration, t)
	case usage.VAD:
		return VADCost(ev.Duration, t)
	}
	return 0
}

// FormatCost formats a USD amount for logs.
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.6f", cost)
}
