package dashscope

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/speechrelay/internal/errorsx"
	"github.com/antoniostano/speechrelay/internal/logging"
	"github.com/antoniostano/speechrelay/internal/synthesis"
)

const (
	DefaultFinishDelay = 2 * time.Second
	frameWriteTimeout  = 5 * time.Second
)

// Sink receives the task's audio. The task owns it exclusively.
type Sink interface {
	Write(p []byte) error
	Close() (string, error)
	Abort() error
}

type TaskOptions struct {
	ID      string
	Config  synthesis.TaskConfig
	Text    string
	VoiceID string
	Sink    Sink

	// FinishDelay is how long a duplex task stays Running before finish-task is sent.
	FinishDelay time.Duration
	Logger      *slog.Logger

	OnTransition func(from, to State)
	OnActivity   func()
}

// Outcome is the terminal result of one task.
type Outcome struct {
	TaskID      string
	State       State
	ArtifactURL string
	Err         error
	AudioBytes  int64
	AudioFrames int
	Dropped     int
}

func (o Outcome) OK() bool { return o.State == StateFinished && o.Err == nil }

// Task runs the run-task / continue-task / finish-task exchange on a dedicated connection.
// All state lives on the goroutine calling Run.
type Task struct {
	opts   TaskOptions
	dialer Dialer
	log    *slog.Logger

	state    State
	started  bool
	conn     Conn
	sinkDone bool
	out      Outcome
}

func NewTask(dialer Dialer, opts TaskOptions) *Task {
	if opts.FinishDelay <= 0 {
		opts.FinishDelay = DefaultFinishDelay
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Task{
		opts:   opts,
		dialer: dialer,
		log:    log.With(slog.String("task_id", opts.ID), slog.String("mode", opts.Config.Mode)),
		state:  StateIdle,
		out:    Outcome{TaskID: opts.ID},
	}
}

func (t *Task) State() State { return t.state }

type inbound struct {
	messageType int
	data        []byte
	err         error
}

// Run blocks until the task reaches Finished, Failed or Aborted.
func (t *Task) Run(ctx context.Context) Outcome {
	conn, err := t.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return t.abort(errorsx.Wrap(fmt.Errorf("task cancelled: %w", context.Cause(ctx)), errorsx.ReasonCancelled))
		}
		return t.abort(errorsx.Wrap(err, errorsx.ReasonTransport))
	}
	t.conn = conn

	frames := make(chan inbound, 64)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readLoop(conn, frames, stop)
	}()
	defer func() {
		close(stop)
		_ = conn.Close()
		<-readerDone
	}()

	run, err := NewRunTaskFrame(t.opts.ID, t.opts.Config, t.opts.Text, t.opts.VoiceID)
	if err != nil {
		return t.abort(errorsx.Wrap(err, errorsx.ReasonInternal))
	}
	if err := t.send(run); err != nil {
		return t.abort(err)
	}
	t.fire(trigRunTaskSent)

	var finishTimer *time.Timer
	var finishC <-chan time.Time
	defer func() {
		if finishTimer != nil {
			finishTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return t.abort(errorsx.Wrap(fmt.Errorf("task cancelled: %w", context.Cause(ctx)), errorsx.ReasonCancelled))

		case <-finishC:
			finishC = nil
			if !t.started || t.state != StateRunning {
				continue
			}
			finish, err := NewFinishTaskFrame(t.opts.ID)
			if err != nil {
				return t.abort(errorsx.Wrap(err, errorsx.ReasonInternal))
			}
			if err := t.send(finish); err != nil {
				return t.abort(err)
			}
			t.fire(trigFinishSent)

		case in := <-frames:
			if in.err != nil {
				return t.abort(errorsx.Wrap(fmt.Errorf("upstream closed before completion: %w", in.err), errorsx.ReasonTransport))
			}
			if t.opts.OnActivity != nil {
				t.opts.OnActivity()
			}

			if in.messageType == websocket.BinaryMessage {
				if err := t.writeAudio(in.data); err != nil {
					return t.abort(err)
				}
				continue
			}

			frame, err := ParseFrame(in.data)
			if err != nil {
				return t.abort(errorsx.Wrap(err, errorsx.ReasonMalformedFrame))
			}
			switch frame.Header.Event {
			case EventTaskStarted:
				if !t.fire(trigTaskStarted) {
					continue
				}
				t.started = true
				if t.opts.Config.Streaming != synthesis.StreamingDuplex {
					continue
				}
				cont, err := NewContinueTaskFrame(t.opts.ID, t.opts.Text)
				if err != nil {
					return t.abort(errorsx.Wrap(err, errorsx.ReasonInternal))
				}
				if err := t.send(cont); err != nil {
					return t.abort(err)
				}
				finishTimer = time.NewTimer(t.opts.FinishDelay)
				finishC = finishTimer.C

			case EventTaskFinished:
				return t.finish()

			case EventTaskFailed:
				return t.fail(&UpstreamError{Code: frame.Header.ErrorCode, Message: frame.Header.ErrorMessage})

			case EventResultGenerated:
				t.log.Debug("result generated")

			default:
				t.log.Debug("ignoring control event", slog.String("event", frame.Header.Event))
			}
		}
	}
}

func readLoop(conn Conn, out chan<- inbound, stop <-chan struct{}) {
	for {
		mt, data, err := conn.ReadMessage()
		select {
		case out <- inbound{messageType: mt, data: data, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *Task) send(f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("encode %s: %w", f.Header.Action, err), errorsx.ReasonInternal)
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errorsx.Wrap(fmt.Errorf("send %s: %w", f.Header.Action, err), errorsx.ReasonTransport)
	}
	t.log.Debug("sent control frame", slog.String("action", f.Header.Action))
	return nil
}

func (t *Task) writeAudio(p []byte) error {
	if !t.state.acceptsAudio() {
		t.out.Dropped++
		t.log.Debug("dropping audio frame", slog.String("state", t.state.String()), slog.Int("bytes", len(p)))
		return nil
	}
	if err := t.opts.Sink.Write(p); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStorage)
	}
	t.out.AudioBytes += int64(len(p))
	t.out.AudioFrames++
	return nil
}

// fire applies a trigger; illegal triggers are logged and ignored.
func (t *Task) fire(trig trigger) bool {
	to, ok := nextState(t.state, trig)
	if !ok {
		t.log.Warn("ignoring illegal transition", slog.String("state", t.state.String()), slog.String("trigger", trig.String()))
		return false
	}
	from := t.state
	t.state = to
	t.log.Debug("task transition", slog.String("from", from.String()), slog.String("to", to.String()))
	if t.opts.OnTransition != nil {
		t.opts.OnTransition(from, to)
	}
	return true
}

func (t *Task) finish() Outcome {
	t.sinkDone = true
	ref, err := t.opts.Sink.Close()
	if err != nil {
		return t.abort(errorsx.Wrap(err, errorsx.ReasonStorage))
	}
	t.fire(trigTaskFinished)
	t.out.State = t.state
	t.out.ArtifactURL = ref
	return t.out
}

func (t *Task) fail(upstream *UpstreamError) Outcome {
	t.fire(trigTaskFailed)
	t.abortSink()
	t.out.State = t.state
	t.out.Err = errorsx.Wrap(upstream, errorsx.ReasonUpstreamFailed)
	return t.out
}

func (t *Task) abort(err error) Outcome {
	if !t.state.Terminal() {
		t.fire(trigAbort)
	}
	t.abortSink()
	t.out.State = StateAborted
	t.out.Err = err
	return t.out
}

func (t *Task) abortSink() {
	if t.sinkDone || t.opts.Sink == nil {
		return
	}
	t.sinkDone = true
	if err := t.opts.Sink.Abort(); err != nil {
		t.log.Warn("abort audio sink failed", logging.Err(err))
	}
}
