package aggregator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/voice-metering/internal/usage"
)

func TestRecord_LLMSums(t *testing.T) {
	a := New()
	events := []usage.Event{
		{RequestID: "a", Model: "gpt-4o-mini", Duration: 1.0, Payload: usage.LLM{PromptTokens: 100, CompletionTokens: 50, TTFT: 0.4}},
		{RequestID: "b", Model: "gpt-4o-mini", Duration: 0.5, Payload: usage.LLM{PromptTokens: 40, CompletionTokens: 0, Cancelled: true}},
		{RequestID: "c", Model: "gpt-4o", Duration: 2.0, Error: "timeout", Payload: usage.LLM{PromptTokens: 7, CompletionTokens: 9, TTFT: 0.2}},
	}
	for _, ev := range events {
		require.NoError(t, a.Record(ev))
	}

	s := a.Summary()
	assert.Equal(t, 3, s.LLM.Count)
	assert.Equal(t, 147, s.LLM.PromptTokens)
	assert.Equal(t, 59, s.LLM.CompletionTokens)
	assert.Equal(t, 206, s.LLM.TotalTokens())
	assert.Equal(t, 1, s.LLM.Cancelled)
	assert.Equal(t, 1, s.LLM.Errors)
	assert.InDelta(t, 3.5, s.LLM.Duration, 1e-9)
	assert.Equal(t, "gpt-4o", s.LLM.Model)
	assert.Equal(t, 2, s.LLM.TTFT.Samples)
	assert.Equal(t, 0.2, s.LLM.TTFT.P50)
	assert.Equal(t, 0.4, s.LLM.TTFT.Max)
}

func TestRecord_TTSSums(t *testing.T) {
	a := New()
	require.NoError(t, a.Record(usage.Event{Duration: 0.8, Payload: usage.TTS{Characters: 120, TTFB: 0.15}}))
	require.NoError(t, a.Record(usage.Event{Duration: 0.3, Payload: usage.TTS{Characters: 80, TTFB: 0.25, Cancelled: true}}))

	s := a.Summary()
	assert.Equal(t, 2, s.TTS.Count)
	assert.Equal(t, 200, s.TTS.Characters)
	assert.Equal(t, 1, s.TTS.Cancelled)
	assert.InDelta(t, 1.1, s.TTS.Duration, 1e-9)
	assert.Equal(t, 0.15, s.TTS.TTFB.P50)
	assert.Equal(t, 0.25, s.TTS.TTFB.P95)
}

func TestRecord_STTSums(t *testing.T) {
	a := New()
	require.NoError(t, a.Record(usage.Event{Duration: 0.1, Payload: usage.STT{AudioDuration: 4.5, Streamed: true}}))
	require.NoError(t, a.Record(usage.Event{Duration: 0.2, Payload: usage.STT{AudioDuration: 5.5}}))

	s := a.Summary()
	assert.Equal(t, 2, s.STT.Count)
	assert.InDelta(t, 10.0, s.STT.AudioSeconds, 1e-9)
	assert.Equal(t, 1, s.STT.Streamed)
	assert.InDelta(t, 0.3, s.STT.Duration, 1e-9)
}

func TestRecord_VADSums(t *testing.T) {
	a := New()
	require.NoError(t, a.Record(usage.Event{Payload: usage.VAD{Idle: 1.0, InferenceDuration: 0.01, InferenceCount: 10}}))
	require.NoError(t, a.Record(usage.Event{Payload: usage.VAD{Idle: 2.0, InferenceDuration: 0.03, InferenceCount: 32}}))

	s := a.Summary()
	assert.Equal(t, 2, s.VAD.Count)
	assert.InDelta(t, 3.0, s.VAD.IdleSeconds, 1e-9)
	assert.InDelta(t, 0.04, s.VAD.InferenceSeconds, 1e-9)
	assert.Equal(t, 42, s.VAD.Inferences)
}

func TestRecord_MalformedLeavesOtherTotals(t *testing.T) {
	a := New()
	require.NoError(t, a.Record(usage.Event{Payload: usage.TTS{Characters: 50}}))
	before := a.Summary()

	err := a.Record(usage.Event{RequestID: "bad"})
	var te *usage.TaxonomyError
	require.True(t, errors.As(err, &te))

	err = a.Record(usage.Event{Payload: usage.LLM{PromptTokens: -5}})
	require.True(t, errors.As(err, &te))
	assert.Equal(t, usage.KindLLM, te.Kind)

	after := a.Summary()
	assert.Equal(t, 2, after.Skipped)
	after.Skipped = before.Skipped
	assert.Equal(t, before, after)
}

func TestReject_CountsSkipped(t *testing.T) {
	a := New()
	a.Reject()
	assert.Equal(t, 1, a.Summary().Skipped)
}

func TestSummary_IsIdempotentSnapshot(t *testing.T) {
	a := New()
	require.NoError(t, a.Record(usage.Event{Payload: usage.LLM{PromptTokens: 1, TTFT: 0.5}}))

	first := a.Summary()
	second := a.Summary()
	assert.Equal(t, first, second)

	require.NoError(t, a.Record(usage.Event{Payload: usage.LLM{PromptTokens: 2, TTFT: 0.1}}))
	assert.Equal(t, 1, first.LLM.PromptTokens)
	assert.Equal(t, 3, a.Summary().LLM.PromptTokens)
}

func TestSummary_Monotonic(t *testing.T) {
	a := New()
	prev := a.Summary()
	for i := 0; i < 20; i++ {
		require.NoError(t, a.Record(usage.Event{Duration: 0.1, Payload: usage.STT{AudioDuration: float64(i)}}))
		cur := a.Summary()
		assert.GreaterOrEqual(t, cur.STT.Count, prev.STT.Count)
		assert.GreaterOrEqual(t, cur.STT.AudioSeconds, prev.STT.AudioSeconds)
		assert.GreaterOrEqual(t, cur.STT.Duration, prev.STT.Duration)
		prev = cur
	}
	assert.Equal(t, 20, prev.STT.Count)
	assert.InDelta(t, 190.0, prev.STT.AudioSeconds, 1e-9)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 5.0, percentile(sorted, 0.50))
	assert.Equal(t, 10.0, percentile(sorted, 0.95))
	assert.Equal(t, 1.0, percentile([]float64{1}, 0.50))
	assert.Equal(t, Latency{}, summarize(nil))
}
