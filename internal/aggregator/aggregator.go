// Package aggregator accumulates per-call usage events into running totals
// for one session.
//
// An Aggregator is not safe for concurrent use; callers serialize Record.
package aggregator

import (
	"errors"
	"math"
	"sort"

	"github.com/vnmchuo/voice-metering/internal/usage"
)

// Common holds the fields every kind shares.
type Common struct {
	Count    int     `json:"count"`
	Errors   int     `json:"errors"`
	Duration float64 `json:"duration_seconds"`
	Model    string  `json:"model,omitempty"` // last seen model label
}

// Latency summarizes a timing distribution in seconds.
type Latency struct {
	Samples int     `json:"samples"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	Max     float64 `json:"max"`
}

type LLMTotals struct {
	Common
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cancelled        int     `json:"cancelled"`
	TTFT             Latency `json:"ttft"`
}

// TotalTokens is prompt plus completion tokens.
func (t LLMTotals) TotalTokens() int { return t.PromptTokens + t.CompletionTokens }

type TTSTotals struct {
	Common
	Characters int     `json:"characters_count"`
	Cancelled  int     `json:"cancelled"`
	TTFB       Latency `json:"ttfb"`
}

type STTTotals struct {
	Common
	AudioSeconds float64 `json:"audio_duration_seconds"`
	Streamed     int     `json:"streamed"`
}

type VADTotals struct {
	Common
	IdleSeconds      float64 `json:"idle_seconds"`
	InferenceSeconds float64 `json:"inference_duration_seconds"`
	Inferences       int     `json:"inference_count"`
}

// Totals is the running usage of one session.
type Totals struct {
	LLM     LLMTotals `json:"llm"`
	TTS     TTSTotals `json:"tts"`
	STT     STTTotals `json:"stt"`
	VAD     VADTotals `json:"vad"`
	Skipped int       `json:"skipped"`
}

// Count returns the number of events aggregated for kind.
func (t Totals) Count(kind usage.Kind) int {
	switch kind {
	case usage.KindLLM:
		return t.LLM.Count
	case usage.KindTTS:
		return t.TTS.Count
	case usage.KindSTT:
		return t.STT.Count
	case usage.KindVAD:
		return t.VAD.Count
	}
	return 0
}

// Aggregator implements usage.Visitor over a Totals value.
type Aggregator struct {
	totals Totals
	ttft   []float64
	ttfb   []float64
}

var _ usage.Visitor = (*Aggregator)(nil)

func New() *Aggregator {
	return &Aggregator{}
}

// Record folds ev into the totals. A malformed event is counted as skipped
// and returned as *usage.TaxonomyError without touching any kind's totals.
func (a *Aggregator) Record(ev usage.Event) error {
	err := ev.Dispatch(a)
	var te *usage.TaxonomyError
	if errors.As(err, &te) {
		a.totals.Skipped++
	}
	return err
}

// Reject counts an event that never reached Record, such as an undecodable
// wire payload.
func (a *Aggregator) Reject() {
	a.totals.Skipped++
}

func (a *Aggregator) VisitLLM(ev usage.Event, p usage.LLM) error {
	t := &a.totals.LLM
	t.add(ev)
	t.PromptTokens += p.PromptTokens
	t.CompletionTokens += p.CompletionTokens
	if p.Cancelled {
		t.Cancelled++
	}
	if p.TTFT > 0 {
		a.ttft = append(a.ttft, p.TTFT)
	}
	return nil
}

func (a *Aggregator) VisitTTS(ev usage.Event, p usage.TTS) error {
	t := &a.totals.TTS
	t.add(ev)
	t.Characters += p.Characters
	if p.Cancelled {
		t.Cancelled++
	}
	if p.TTFB > 0 {
		a.ttfb = append(a.ttfb, p.TTFB)
	}
	return nil
}

func (a *Aggregator) VisitSTT(ev usage.Event, p usage.STT) error {
	t := &a.totals.STT
	t.add(ev)
	t.AudioSeconds += p.AudioDuration
	if p.Streamed {
		t.Streamed++
	}
	return nil
}

func (a *Aggregator) VisitVAD(ev usage.Event, p usage.VAD) error {
	t := &a.totals.VAD
	t.add(ev)
	t.IdleSeconds += p.Idle
	t.InferenceSeconds += p.InferenceDuration
	t.Inferences += p.InferenceCount
	return nil
}

func (c *Common) add(ev usage.Event) {
	c.Count++
	c.Duration += ev.Duration
	if ev.Error != "" {
		c.Errors++
	}
	if ev.Model != "" {
		c.Model = ev.Model
	}
}

// Summary returns a snapshot of the totals. It does not reset anything.
func (a *Aggregator) Summary() Totals {
	s := a.totals
	s.LLM.TTFT = summarize(a.ttft)
	s.TTS.TTFB = summarize(a.ttfb)
	return s
}

func summarize(samples []float64) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return Latency{
		Samples: len(sorted),
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		Max:     sorted[len(sorted)-1],
	}
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
