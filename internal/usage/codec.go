package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type envelope struct {
	Kind      Kind            `json:"kind"`
	RequestID string          `json:"request_id"`
	Model     string          `json:"model"`
	Duration  float64         `json:"duration_seconds"`
	Error     string          `json:"error,omitempty"`
	Metrics   json.RawMessage `json:"metrics"`
}

// Decode parses a wire envelope into an Event. Unknown kinds, missing
// metrics and invalid quantities all come back as *TaxonomyError.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, &TaxonomyError{Reason: fmt.Sprintf("malformed envelope: %v", err), Raw: raw}
	}

	ev := Event{
		RequestID: env.RequestID,
		Model:     env.Model,
		Duration:  env.Duration,
		Error:     env.Error,
	}

	if len(env.Metrics) == 0 || bytes.Equal(env.Metrics, []byte("null")) {
		return ev, &TaxonomyError{Kind: env.Kind, Reason: "missing metrics", Raw: raw}
	}

	var err error
	switch env.Kind {
	case KindSTT:
		var p STT
		err = json.Unmarshal(env.Metrics, &p)
		ev.Payload = p
	case KindTTS:
		var p TTS
		err = json.Unmarshal(env.Metrics, &p)
		ev.Payload = p
	case KindLLM:
		var p LLM
		err = json.Unmarshal(env.Metrics, &p)
		ev.Payload = p
	case KindVAD:
		var p VAD
		err = json.Unmarshal(env.Metrics, &p)
		ev.Payload = p
	default:
		return ev, &TaxonomyError{Kind: env.Kind, Reason: "unknown kind", Raw: raw}
	}
	if err != nil {
		return ev, &TaxonomyError{Kind: env.Kind, Reason: fmt.Sprintf("malformed metrics: %v", err), Raw: raw}
	}

	if err := ev.Validate(); err != nil {
		if te, ok := err.(*TaxonomyError); ok {
			te.Raw = raw
		}
		return ev, err
	}
	return ev, nil
}

// Encode renders an Event as a wire envelope.
func Encode(ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, &TaxonomyError{Reason: "missing payload", Event: ev}
	}
	metrics, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metrics: %w", err)
	}
	return json.Marshal(envelope{
		Kind:      ev.Kind(),
		RequestID: ev.RequestID,
		Model:     ev.Model,
		Duration:  ev.Duration,
		Error:     ev.Error,
		Metrics:   metrics,
	})
}
