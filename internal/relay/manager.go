package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/speechrelay/internal/audio"
	"github.com/antoniostano/speechrelay/internal/dashscope"
	"github.com/antoniostano/speechrelay/internal/errorsx"
	"github.com/antoniostano/speechrelay/internal/events"
	"github.com/antoniostano/speechrelay/internal/logging"
	"github.com/antoniostano/speechrelay/internal/observability"
	"github.com/antoniostano/speechrelay/internal/protocol"
	"github.com/antoniostano/speechrelay/internal/redact"
	"github.com/antoniostano/speechrelay/internal/reliability"
	"github.com/antoniostano/speechrelay/internal/session"
	"github.com/antoniostano/speechrelay/internal/synthesis"
	"github.com/antoniostano/speechrelay/internal/tasks"
)

const (
	sideEffectTimeout = 5 * time.Second
	textPreviewRunes  = 48
)

var ErrVoiceRequired = errors.New("voiceId is required for this synthesis type")

// Notifier delivers one outbound message to the client that started a task.
type Notifier interface {
	Notify(ctx context.Context, msg any) error
}

type Options struct {
	Registry    *synthesis.Registry
	Audio       *audio.Store
	Dialer      dashscope.Dialer
	Sessions    *session.Manager
	History     tasks.Store
	Publisher   events.Publisher
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
	FinishDelay time.Duration
}

// Manager turns client requests into upstream synthesis tasks, one goroutine per task.
type Manager struct {
	registry    *synthesis.Registry
	audio       *audio.Store
	dialer      dashscope.Dialer
	sessions    *session.Manager
	history     tasks.Store
	publisher   events.Publisher
	metrics     *observability.Metrics
	tracer      trace.Tracer
	log         *slog.Logger
	finishDelay time.Duration

	wg sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Registry == nil || opts.Audio == nil || opts.Dialer == nil {
		return nil, errors.New("relay: registry, audio store and dialer are required")
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(0)
	}
	if opts.History == nil {
		opts.History = tasks.NewInMemoryStore(0)
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer()
	}
	return &Manager{
		registry:    opts.Registry,
		audio:       opts.Audio,
		dialer:      opts.Dialer,
		sessions:    opts.Sessions,
		history:     opts.History,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		log:         logging.Component(opts.Logger, "relay"),
		finishDelay: opts.FinishDelay,
	}, nil
}

func (m *Manager) Sessions() *session.Manager { return m.sessions }

// HandleClientMessage validates one client request and starts its task.
// A rejected request is answered with exactly one error message and returns the rejection.
func (m *Manager) HandleClientMessage(ctx context.Context, connID string, notifier Notifier, raw []byte) error {
	req, err := protocol.ParseSynthesisRequest(raw)
	if errors.Is(err, protocol.ErrMalformedRequest) {
		return m.reject(ctx, notifier, errorsx.Wrap(err, errorsx.ReasonMalformedFrame))
	}
	if err != nil {
		return m.reject(ctx, notifier, errorsx.Wrap(err, errorsx.ReasonClientInput))
	}
	cfg, err := m.registry.Resolve(req.Type)
	if err != nil {
		return m.reject(ctx, notifier, errorsx.Wrap(err, errorsx.ReasonClientInput))
	}
	if cfg.RequiresVoice && req.VoiceID == "" {
		return m.reject(ctx, notifier, errorsx.Wrap(ErrVoiceRequired, errorsx.ReasonClientInput))
	}

	taskID := uuid.NewString()
	sink, err := m.audio.Open(cfg.Category, taskID, cfg.Format)
	if err != nil {
		return m.reject(ctx, notifier, errorsx.Wrap(err, errorsx.ReasonStorage))
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	if err := m.sessions.Register(connID, taskID, cfg.Mode, cancel); err != nil {
		cancel(err)
		_ = sink.Abort()
		return m.reject(ctx, notifier, errorsx.Wrap(err, errorsx.ReasonInternal))
	}

	now := time.Now().UTC()
	rec := tasks.Record{
		ID:        taskID,
		ConnID:    connID,
		Mode:      cfg.Mode,
		Model:     cfg.Model,
		Streaming: cfg.Streaming.Wire(),
		VoiceID:   req.VoiceID,
		TextChars: len([]rune(req.Text)),
		Status:    tasks.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.saveRecord(taskCtx, rec)
	if m.metrics != nil {
		m.metrics.ActiveTasks.Inc()
	}

	m.log.Info("synthesis task created",
		slog.String("task_id", taskID),
		slog.String("conn_id", connID),
		slog.String("mode", cfg.Mode),
		slog.String("streaming", cfg.Streaming.Wire()),
		slog.Int("text_chars", rec.TextChars),
		slog.String("text_preview", redact.Preview(req.Text, textPreviewRunes)),
	)

	m.wg.Add(1)
	go m.runTask(taskCtx, cancel, notifier, rec, cfg, req, sink)
	return nil
}

// Wait blocks until every started task has delivered its outcome.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runTask(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	notifier Notifier,
	rec tasks.Record,
	cfg synthesis.TaskConfig,
	req protocol.SynthesisRequest,
	sink *audio.Sink,
) {
	defer m.wg.Done()
	defer cancel(nil)
	defer m.sessions.Remove(rec.ID)
	if m.metrics != nil {
		defer m.metrics.ActiveTasks.Dec()
	}

	start := time.Now()
	log := m.log.With(slog.String("task_id", rec.ID), slog.String("conn_id", rec.ConnID), slog.String("mode", cfg.Mode))

	ctx, span := m.tracer.Start(ctx, "synthesis.task", trace.WithAttributes(
		attribute.String("task.id", rec.ID),
		attribute.String("task.mode", cfg.Mode),
		attribute.String("task.model", cfg.Model),
		attribute.String("task.streaming", cfg.Streaming.Wire()),
	))
	defer span.End()

	var outcome dashscope.Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("synthesis task panicked", slog.Any("panic", r))
				_ = sink.Abort()
				outcome = dashscope.Outcome{
					TaskID: rec.ID,
					State:  dashscope.StateAborted,
					Err:    errorsx.Wrap(fmt.Errorf("task panic: %v", r), errorsx.ReasonInternal),
				}
			}
		}()
		task := dashscope.NewTask(m.dialer, dashscope.TaskOptions{
			ID:          rec.ID,
			Config:      cfg,
			Text:        req.Text,
			VoiceID:     req.VoiceID,
			Sink:        sink,
			FinishDelay: m.finishDelay,
			Logger:      log,
			OnTransition: func(_, to dashscope.State) {
				m.sessions.SetState(rec.ID, to.String())
				span.AddEvent("transition", trace.WithAttributes(attribute.String("state", to.String())))
			},
			OnActivity: func() { m.sessions.Touch(rec.ID) },
		})
		outcome = task.Run(ctx)
	}()

	elapsed := time.Since(start)
	reason := ""
	if outcome.Err != nil {
		reason = string(errorsx.Reason(outcome.Err))
	}

	var msg any
	if outcome.OK() {
		msg = protocol.NewAudioReady(cfg.Mode, outcome.ArtifactURL, rec.ID)
		span.SetStatus(codes.Ok, "")
		log.Info("synthesis task finished",
			slog.String("url", outcome.ArtifactURL),
			slog.Int64("audio_bytes", outcome.AudioBytes),
			slog.Int("audio_frames", outcome.AudioFrames),
			slog.Duration("elapsed", elapsed),
		)
	} else {
		msg = protocol.NewError(ClientMessage(outcome.Err), rec.ID)
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, reason)
		log.Warn("synthesis task ended without audio",
			slog.String("state", outcome.State.String()),
			slog.String("reason", reason),
			logging.Err(outcome.Err),
			slog.Int("dropped_frames", outcome.Dropped),
			slog.Duration("elapsed", elapsed),
		)
		var upstream *dashscope.UpstreamError
		if m.metrics != nil && errors.As(outcome.Err, &upstream) {
			m.metrics.UpstreamErrors.WithLabelValues(cfg.Mode, upstream.Code).Inc()
		}
	}

	m.notify(ctx, notifier, msg, log)

	ended := time.Now().UTC()
	rec.Status = tasks.StatusFromState(outcome.State.String())
	rec.ArtifactURL = outcome.ArtifactURL
	rec.AudioBytes = outcome.AudioBytes
	rec.Reason = reason
	rec.Error = redact.Error(outcome.Err)
	rec.UpdatedAt = ended
	rec.EndedAt = &ended
	m.saveRecord(ctx, rec)

	m.metrics.ObserveTask(cfg.Mode, outcome.State.String(), reason, elapsed, outcome.AudioBytes)
	m.publish(ctx, events.TaskOutcome{
		TaskID:      rec.ID,
		ConnID:      rec.ConnID,
		Mode:        cfg.Mode,
		Model:       cfg.Model,
		State:       outcome.State.String(),
		ArtifactURL: outcome.ArtifactURL,
		Error:       rec.Error,
		Reason:      reason,
		Retryable:   Retryable(outcome.Err),
		AudioBytes:  outcome.AudioBytes,
		DurationMS:  elapsed.Milliseconds(),
	}, log)
}

// ClientMessage is the text a client sees for a failure.
func ClientMessage(err error) string {
	if err == nil {
		return protocol.GenericFailureMessage
	}
	if errorsx.Reason(err).ClientVisible() {
		return err.Error()
	}
	return protocol.GenericFailureMessage
}

// Retryable reports whether resubmitting the same request may succeed.
func Retryable(err error) bool {
	if err == nil || errorsx.HasReason(err, errorsx.ReasonCancelled) {
		return false
	}
	var dialErr *dashscope.DialError
	if errors.As(err, &dialErr) {
		return dialErr.StatusCode == 0 || reliability.IsRetryableHTTPStatus(dialErr.StatusCode)
	}
	var upstream *dashscope.UpstreamError
	if errors.As(err, &upstream) {
		return reliability.IsRetryableProviderCode(upstream.Code)
	}
	return errorsx.HasReason(err, errorsx.ReasonTransport)
}

func (m *Manager) reject(ctx context.Context, notifier Notifier, err error) error {
	m.log.Info("synthesis request rejected",
		slog.String("reason", string(errorsx.Reason(err))),
		logging.Err(err),
	)
	if m.metrics != nil {
		m.metrics.TaskOutcomes.WithLabelValues("", "rejected", string(errorsx.Reason(err))).Inc()
	}
	m.notify(ctx, notifier, protocol.NewError(ClientMessage(err), ""), m.log)
	return err
}

func (m *Manager) notify(ctx context.Context, notifier Notifier, msg any, log *slog.Logger) {
	if notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := notifier.Notify(nctx, msg); err != nil {
		log.Info("client notification not delivered", logging.Err(err))
	}
}

func (m *Manager) saveRecord(ctx context.Context, rec tasks.Record) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := m.history.SaveTask(sctx, rec); err != nil {
		m.log.Warn("save task history failed", slog.String("task_id", rec.ID), logging.Err(err))
	}
}

func (m *Manager) publish(ctx context.Context, outcome events.TaskOutcome, log *slog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := m.publisher.PublishOutcome(pctx, outcome); err != nil {
		log.Warn("publish task outcome failed", logging.Err(err))
	}
}
