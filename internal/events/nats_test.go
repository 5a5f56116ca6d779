package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/antoniostano/speechrelay/internal/logging"
)

type publishedMsg struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	mu      sync.Mutex
	msgs    []publishedMsg
	status  nats.Status
	pubErr  error
	drained bool
	closed  bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.msgs = append(f.msgs, publishedMsg{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeNATS) Status() nats.Status { return f.status }
func (f *fakeNATS) Drain() error        { f.drained = true; return nil }
func (f *fakeNATS) Close()              { f.closed = true }

func TestPublishOutcomeSubjectAndEnvelope(t *testing.T) {
	conn := &fakeNATS{status: nats.CONNECTED}
	pub := newNATSPublisher(conn, "relay.", logging.Discard())

	outcome := TaskOutcome{
		TaskID:      "t-1",
		ConnID:      "c-1",
		Mode:        "sambert",
		Model:       "sambert-zhifei-v1",
		State:       "finished",
		ArtifactURL: "http://localhost:3000/audio/sambert/t-1.mp3",
		AudioBytes:  128,
	}
	if err := pub.PublishOutcome(context.Background(), outcome); err != nil {
		t.Fatalf("PublishOutcome() error = %v", err)
	}
	if len(conn.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(conn.msgs))
	}
	if conn.msgs[0].subject != "relay.task.finished" {
		t.Fatalf("subject = %q, want relay.task.finished", conn.msgs[0].subject)
	}

	var env Envelope
	if err := json.Unmarshal(conn.msgs[0].data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != EventTaskFinished || env.TaskID != "t-1" || env.ID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var got TaskOutcome
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if got != outcome {
		t.Fatalf("data = %+v, want %+v", got, outcome)
	}
}

func TestPublishOutcomeFailureStates(t *testing.T) {
	conn := &fakeNATS{status: nats.CONNECTED}
	pub := newNATSPublisher(conn, "", logging.Discard())

	_ = pub.PublishOutcome(context.Background(), TaskOutcome{TaskID: "a", State: "failed"})
	_ = pub.PublishOutcome(context.Background(), TaskOutcome{TaskID: "b", State: "aborted"})

	want := []string{"speechrelay.task.failed", "speechrelay.task.aborted"}
	for i, msg := range conn.msgs {
		if msg.subject != want[i] {
			t.Fatalf("subject[%d] = %q, want %q", i, msg.subject, want[i])
		}
	}
}

func TestPublishOutcomeWrapsConnError(t *testing.T) {
	boom := errors.New("boom")
	pub := newNATSPublisher(&fakeNATS{pubErr: boom}, "x", logging.Discard())
	err := pub.PublishOutcome(context.Background(), TaskOutcome{TaskID: "a", State: "failed"})
	if !errors.Is(err, boom) {
		t.Fatalf("PublishOutcome() error = %v, want wrapping boom", err)
	}
}

func TestHealthyAndClose(t *testing.T) {
	conn := &fakeNATS{status: nats.RECONNECTING}
	pub := newNATSPublisher(conn, "x", logging.Discard())
	if pub.Healthy() {
		t.Fatalf("Healthy() = true while reconnecting")
	}
	conn.status = nats.CONNECTED
	if !pub.Healthy() {
		t.Fatalf("Healthy() = false while connected")
	}
	pub.Close()
	if !conn.drained || !conn.closed {
		t.Fatalf("Close() drained=%v closed=%v, want both", conn.drained, conn.closed)
	}
}
