package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/voice-metering/internal/aggregator"
	"github.com/vnmchuo/voice-metering/internal/ledger"
	"github.com/vnmchuo/voice-metering/internal/metrics"
	"github.com/vnmchuo/voice-metering/internal/pipeline"
	"github.com/vnmchuo/voice-metering/internal/pricing"
	"github.com/vnmchuo/voice-metering/internal/usage"
	"github.com/vnmchuo/voice-metering/internal/worker"
)

var ErrAlreadyStarted = errors.New("metering: session already started")

// Ledger is the subset of *ledger.Ledger a session uses.
type Ledger interface {
	ResolveAccount(ctx context.Context, credential string) (string, error)
	AvailableCredit(ctx context.Context, accountID string) (float64, error)
	AuthorizeAndRecord(ctx context.Context, rec ledger.Record) (*ledger.Entry, error)
}

// Deps are the collaborators shared by every session of a process.
type Deps struct {
	Ledger Ledger
	Prices pricing.Table
	Logger *zap.Logger
	Tracer trace.Tracer
}

type State int

const (
	StateCreated State = iota
	StateActive
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Costs are the priced totals of a session. Total covers llm, tts and stt;
// VAD is reported but not billed in the session total.
type Costs struct {
	LLM   float64 `json:"llm"`
	TTS   float64 `json:"tts"`
	STT   float64 `json:"stt"`
	VAD   float64 `json:"vad"`
	Total float64 `json:"total"`
}

// Result is the outcome of finalizing a session.
type Result struct {
	SessionID string            `json:"session_id"`
	Totals    aggregator.Totals `json:"totals"`
	Costs     Costs             `json:"costs"`
	Entries   []*ledger.Entry   `json:"entries"`
	Late      int               `json:"late_events"`
	Err       error             `json:"-"`
}

type item struct {
	ev   usage.Event
	err  error         // set for events rejected before aggregation
	sync chan struct{} // closed when reached; carries no event
}

// Session meters one voice session. Events are aggregated on a single
// consumer goroutine; Finalize drains that consumer before settling.
type Session struct {
	id         string
	credential string
	cfg        Config
	deps       Deps
	logger     *zap.Logger

	aggMu sync.Mutex
	agg   *aggregator.Aggregator

	mu        sync.Mutex
	state     State
	queue     *worker.Queue[item]
	gate      pipeline.Gate
	denied    error
	late      int
	startedAt time.Time

	finalizeOnce sync.Once
	result       *Result
}

// New builds a session in the created state. Nothing runs until Start.
func New(id, credential string, cfg Config, deps Deps) *Session {
	return &Session{
		id:         id,
		credential: credential,
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With(zap.String("session_id", id)),
		agg:        aggregator.New(),
	}
}

func (s *Session) ID() string { return s.id }

// BilledTo reports whether the session bills credential.
func (s *Session) BilledTo(credential string) bool {
	return credential != "" && credential == s.credential
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Late counts events that arrived before Start or after Finalize began.
func (s *Session) Late() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.late
}

// Allowed reports whether the session may keep serving billable calls.
func (s *Session) Allowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive && s.denied == nil
}

// SettlesPerCall reports whether a single event can suspend the session
// before it ends.
func (s *Session) SettlesPerCall() bool {
	return s.cfg.Mode == ModePerCall && s.cfg.Policy == PolicyEnforce
}

// Denied returns the reason the session was suspended, if any.
func (s *Session) Denied() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denied
}

// Start subscribes to src and registers Finalize as its shutdown hook. Under
// PolicyEnforce the credential must resolve to an account with credit left.
func (s *Session) Start(ctx context.Context, src pipeline.Source) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	if s.cfg.Policy == PolicyEnforce {
		if err := s.preauthorize(ctx); err != nil {
			s.logger.Error("session denied at start", zap.Error(err))
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return ErrAlreadyStarted
	}
	if g, ok := src.(pipeline.Gate); ok {
		s.gate = g
	}
	s.queue = worker.New(s.cfg.QueueSize, s.handle, s.logger)
	s.state = StateActive
	s.startedAt = time.Now()

	src.Subscribe(s.Publish)
	src.OnShutdown(func(ctx context.Context) {
		_, _ = s.Finalize(ctx)
	})

	metrics.ActiveSessions.Inc()
	s.logger.Info("metering session started",
		zap.String("mode", string(s.cfg.Mode)),
		zap.String("credit_policy", string(s.cfg.Policy)),
	)
	return nil
}

func (s *Session) preauthorize(ctx context.Context) error {
	accountID, err := s.deps.Ledger.ResolveAccount(ctx, s.credential)
	if err != nil {
		return err
	}
	available, err := s.deps.Ledger.AvailableCredit(ctx, accountID)
	if err != nil {
		return err
	}
	if available <= 0 {
		return fmt.Errorf("%w: account %s has no available credit", ledger.ErrInsufficientCredit, accountID)
	}
	return nil
}

// Publish queues ev for aggregation. It blocks while the queue is full and is
// the callback registered with the pipeline source.
func (s *Session) Publish(ev usage.Event) {
	s.enqueue(item{ev: ev})
}

// Reject records an event that could not be decoded. It is counted and logged
// on the aggregation path like any other malformed event.
func (s *Session) Reject(err error) {
	s.enqueue(item{err: err})
}

// Sync waits until every event queued before the call has been handled, so
// Denied reflects them. It fails with worker.ErrClosed once the session is
// finalizing.
func (s *Session) Sync(ctx context.Context) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return worker.ErrClosed
	}

	reached := make(chan struct{})
	if err := q.Enqueue(ctx, item{sync: reached}); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) enqueue(it item) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	var err error
	if q == nil {
		err = worker.ErrClosed
	} else {
		err = q.Enqueue(context.Background(), it)
	}
	if err != nil {
		s.mu.Lock()
		s.late++
		s.mu.Unlock()
		s.logger.Warn("usage event arrived outside the active window",
			zap.String("kind", string(it.ev.Kind())),
			zap.String("request_id", it.ev.RequestID),
			zap.Error(err),
		)
	}
}

// handle runs on the queue consumer only.
func (s *Session) handle(it item) {
	if it.sync != nil {
		close(it.sync)
		return
	}
	s.aggMu.Lock()
	var err error
	if it.err != nil {
		s.agg.Reject()
		err = it.err
	} else {
		err = s.agg.Record(it.ev)
	}
	s.aggMu.Unlock()
	if err != nil {
		s.logTaxonomy(err)
		return
	}
	metrics.EventsRecorded.WithLabelValues(string(it.ev.Kind())).Inc()

	if s.cfg.Mode == ModePerCall {
		s.settleCall(it.ev)
	}
}

func (s *Session) logTaxonomy(err error) {
	metrics.EventsRejected.Inc()
	fields := []zap.Field{zap.Error(err)}
	var te *usage.TaxonomyError
	if errors.As(err, &te) {
		fields = append(fields, zap.String("kind", string(te.Kind)), zap.String("reason", te.Reason))
		if len(te.Raw) > 0 {
			fields = append(fields, zap.ByteString("raw", te.Raw))
		} else {
			fields = append(fields, zap.Any("event", te.Event))
		}
	}
	s.logger.Error("usage taxonomy error", fields...)
}

func (s *Session) settleCall(ev usage.Event) {
	rec := ledger.Record{
		Credential:  s.credential,
		ServiceType: callService(ev.Kind()),
		UsageAmount: callAmount(ev),
		Cost:        s.deps.Prices.EventCost(ev),
		Model:       ev.Model,
		RequestID:   ev.RequestID,
		Status:      ledger.StatusSuccess,
	}
	if ev.Error != "" {
		rec.Status = ledger.StatusError
		rec.ErrorMessage = ev.Error
	}

	_, err := s.deps.Ledger.AuthorizeAndRecord(context.Background(), rec)
	metrics.ObserveLedger(rec.ServiceType, rec.Cost, err)
	if err != nil {
		s.ledgerFailed(string(rec.ServiceType), rec, err)
	}
}

func (s *Session) ledgerFailed(stage string, rec ledger.Record, err error) {
	s.logger.Error("ledger write failed",
		zap.String("stage", stage),
		zap.String("service_type", string(rec.ServiceType)),
		zap.String("request_id", rec.RequestID),
		zap.Float64("usage_amount", rec.UsageAmount),
		zap.Float64("cost", rec.Cost),
		zap.Error(err),
	)
	if s.cfg.Policy != PolicyEnforce {
		return
	}
	if errors.Is(err, ledger.ErrInsufficientCredit) || errors.Is(err, ledger.ErrAccountNotFound) {
		s.suspend(err)
	}
}

func (s *Session) suspend(reason error) {
	s.mu.Lock()
	if s.denied != nil {
		s.mu.Unlock()
		return
	}
	s.denied = reason
	gate := s.gate
	s.mu.Unlock()

	s.logger.Warn("session suspended by credit policy", zap.Error(reason))
	if gate != nil {
		gate.Suspend(reason)
	}
}

func callService(kind usage.Kind) ledger.ServiceType {
	switch kind {
	case usage.KindLLM:
		return ledger.ServiceLLM
	case usage.KindTTS:
		return ledger.ServiceTTS
	case usage.KindSTT:
		return ledger.ServiceSTT
	}
	return ledger.ServiceVAD
}

func callAmount(ev usage.Event) float64 {
	switch p := ev.Payload.(type) {
	case usage.LLM:
		return float64(p.TotalTokens())
	case usage.TTS:
		return float64(p.Characters)
	case usage.STT:
		return p.AudioDuration
	}
	return ev.Duration
}

// Summary returns the running totals. Events still queued are not reflected
// until Finalize has drained them.
func (s *Session) Summary() aggregator.Totals {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	return s.agg.Summary()
}

// Finalize drains pending events, prices the totals and writes the session
// and per-kind summaries. Only the first call does any work; later calls
// return the same result.
func (s *Session) Finalize(ctx context.Context) (*Result, error) {
	s.finalizeOnce.Do(func() {
		res := s.finalize(ctx)
		s.mu.Lock()
		s.result = res
		s.state = StateClosed
		s.mu.Unlock()
	})
	s.mu.Lock()
	res := s.result
	s.mu.Unlock()
	return res, res.Err
}

func (s *Session) finalize(ctx context.Context) *Result {
	start := time.Now()
	ctx, span := s.deps.Tracer.Start(ctx, "metering.finalize")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", s.id))

	s.mu.Lock()
	wasActive := s.state == StateActive
	s.state = StateFinalizing
	q := s.queue
	s.mu.Unlock()

	if wasActive {
		metrics.ActiveSessions.Dec()
		defer func() { metrics.FinalizeDuration.Observe(time.Since(start).Seconds()) }()
	}

	res := &Result{SessionID: s.id}
	if !wasActive {
		s.logger.Info("finalize on a session that never started; nothing to settle")
		return res
	}

	if q != nil {
		if err := q.Drain(ctx); err != nil {
			res.Err = fmt.Errorf("drain: %w", err)
			s.fail(ctx, res, "drain", res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return res
		}
	}

	s.mu.Lock()
	res.Late = s.late
	s.mu.Unlock()

	res.Totals = s.Summary()
	res.Costs = s.price(res.Totals)

	for _, rec := range s.summaries(res.Totals, res.Costs) {
		entry, err := s.deps.Ledger.AuthorizeAndRecord(ctx, rec)
		metrics.ObserveLedger(rec.ServiceType, rec.Cost, err)
		if err != nil {
			res.Err = fmt.Errorf("%s: %w", rec.ServiceType, err)
			s.fail(ctx, res, string(rec.ServiceType), err)
			span.RecordError(err)
			span.SetStatus(codes.Error, res.Err.Error())
			return res
		}
		res.Entries = append(res.Entries, entry)
	}

	s.logger.Info("metering session settled",
		zap.Float64("llm_cost", res.Costs.LLM),
		zap.Float64("tts_cost", res.Costs.TTS),
		zap.Float64("stt_cost", res.Costs.STT),
		zap.Float64("total_cost", res.Costs.Total),
		zap.Int("prompt_tokens", res.Totals.LLM.PromptTokens),
		zap.Int("completion_tokens", res.Totals.LLM.CompletionTokens),
		zap.Int("characters", res.Totals.TTS.Characters),
		zap.Float64("audio_seconds", res.Totals.STT.AudioSeconds),
		zap.Int("skipped", res.Totals.Skipped),
		zap.Int("late", res.Late),
		zap.Duration("elapsed", time.Since(s.startedAt)),
	)
	return res
}

func (s *Session) price(t aggregator.Totals) Costs {
	c := Costs{
		LLM: pricing.LLMCost(t.LLM.PromptTokens, t.LLM.CompletionTokens, s.deps.Prices),
		TTS: pricing.TTSCost(t.TTS.Characters, s.deps.Prices),
		STT: pricing.STTCost(t.STT.AudioSeconds, s.deps.Prices),
		VAD: pricing.VADCost(t.VAD.Duration, s.deps.Prices),
	}
	c.Total = c.LLM + c.TTS + c.STT
	return c
}

// summaries lists the ledger records written at session end, session row
// first. Every billed kind gets a row, zero when it saw no events.
func (s *Session) summaries(t aggregator.Totals, c Costs) []ledger.Record {
	recs := []ledger.Record{{
		Credential:  s.credential,
		ServiceType: ledger.ServiceSessionSummary,
		UsageAmount: 1,
		Cost:        c.Total,
		Model:       sessionModel,
		RequestID:   s.id,
		Status:      ledger.StatusCompleted,
	}}
	add := func(st ledger.ServiceType, amount, cost float64, model string) {
		recs = append(recs, ledger.Record{
			Credential:  s.credential,
			ServiceType: st,
			UsageAmount: amount,
			Cost:        cost,
			Model:       model,
			RequestID:   s.id,
			Status:      ledger.StatusCompleted,
		})
	}
	add(ledger.ServiceLLMSummary, float64(t.LLM.TotalTokens()), c.LLM, t.LLM.Model)
	add(ledger.ServiceTTSSummary, float64(t.TTS.Characters), c.TTS, t.TTS.Model)
	add(ledger.ServiceSTTSummary, t.STT.AudioSeconds, c.STT, t.STT.Model)
	return recs
}

const sessionModel = "voice-session"

// fail logs the failed stage and records one error session_summary entry.
// A failure of that write is logged and dropped.
func (s *Session) fail(ctx context.Context, res *Result, stage string, err error) {
	s.logger.Error("finalize failed",
		zap.String("stage", stage),
		zap.Float64("total_cost", res.Costs.Total),
		zap.Int("entries_written", len(res.Entries)),
		zap.Error(err),
	)

	rec := ledger.Record{
		Credential:   s.credential,
		ServiceType:  ledger.ServiceSessionSummary,
		Model:        sessionModel,
		RequestID:    s.id,
		Status:       ledger.StatusError,
		ErrorMessage: fmt.Sprintf("%s: %v", stage, err),
	}
	// The drain may have been cut short by ctx; the error row still gets a
	// chance with a fresh context.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	entry, werr := s.deps.Ledger.AuthorizeAndRecord(ctx, rec)
	metrics.ObserveLedger(rec.ServiceType, 0, werr)
	if werr != nil {
		s.logger.Error("failed to record finalize error entry",
			zap.String("stage", stage),
			zap.Error(werr),
		)
		return
	}
	res.Entries = append(res.Entries, entry)
}
