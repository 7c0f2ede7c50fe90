package usage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Kinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Payload
	}{
		{
			name: "stt",
			raw:  `{"kind":"stt","request_id":"r1","model":"nova-2","duration_seconds":0.4,"metrics":{"audio_duration_seconds":10,"streamed":true}}`,
			want: STT{AudioDuration: 10, Streamed: true},
		},
		{
			name: "tts",
			raw:  `{"kind":"tts","request_id":"r2","model":"sonic-english","metrics":{"characters_count":200,"ttfb_seconds":0.18,"cancelled":true}}`,
			want: TTS{Characters: 200, TTFB: 0.18, Cancelled: true},
		},
		{
			name: "llm",
			raw:  `{"kind":"llm","request_id":"r3","model":"gpt-4o-mini","metrics":{"prompt_tokens":100,"completion_tokens":50,"ttft_seconds":0.3}}`,
			want: LLM{PromptTokens: 100, CompletionTokens: 50, TTFT: 0.3},
		},
		{
			name: "vad",
			raw:  `{"kind":"vad","metrics":{"idle_seconds":1.5,"inference_duration_seconds":0.02,"inference_count":31}}`,
			want: VAD{Idle: 1.5, InferenceDuration: 0.02, InferenceCount: 31},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Payload)
			assert.Equal(t, tt.want.Kind(), ev.Kind())
		})
	}
}

func TestDecode_TaxonomyErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown kind", `{"kind":"avatar","metrics":{"frames":10}}`},
		{"missing metrics", `{"kind":"llm"}`},
		{"null metrics", `{"kind":"tts","metrics":null}`},
		{"bad json", `{"kind":`},
		{"negative tokens", `{"kind":"llm","metrics":{"prompt_tokens":-1}}`},
		{"negative duration", `{"kind":"stt","duration_seconds":-2,"metrics":{"audio_duration_seconds":1}}`},
		{"wrong field type", `{"kind":"tts","metrics":{"characters_count":"many"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)

			var te *TaxonomyError
			require.True(t, errors.As(err, &te), "expected TaxonomyError, got %T", err)
			assert.Equal(t, tt.raw, string(te.Raw))
		})
	}
}

func TestEncode_RoundTripsThroughDecode(t *testing.T) {
	ev := Event{
		RequestID: "req-1",
		Model:     "gpt-4o-mini",
		Duration:  1.25,
		Error:     "upstream reset",
		Payload:   LLM{PromptTokens: 12, CompletionTokens: 4, Cancelled: true},
	}

	raw, err := Encode(ev)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestValidate_MissingPayload(t *testing.T) {
	err := Event{RequestID: "x"}.Validate()

	var te *TaxonomyError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, Kind(""), te.Kind)
	assert.Contains(t, te.Error(), "missing payload")
}
