package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/speechrelay/internal/audio"
	"github.com/antoniostano/speechrelay/internal/config"
	"github.com/antoniostano/speechrelay/internal/dashscope"
	"github.com/antoniostano/speechrelay/internal/dashscope/dashscopetest"
	"github.com/antoniostano/speechrelay/internal/logging"
	"github.com/antoniostano/speechrelay/internal/observability"
	"github.com/antoniostano/speechrelay/internal/protocol"
	"github.com/antoniostano/speechrelay/internal/relay"
	"github.com/antoniostano/speechrelay/internal/session"
	"github.com/antoniostano/speechrelay/internal/synthesis"
	"github.com/antoniostano/speechrelay/internal/tasks"
)

type testEnv struct {
	ts       *httptest.Server
	relay    *relay.Manager
	sessions *session.Manager
	history  *tasks.InMemoryStore
}

func newTestEnv(t *testing.T, opts dashscopetest.Options) *testEnv {
	t.Helper()
	provider := dashscopetest.NewServer(opts)
	t.Cleanup(provider.Close)

	dir := t.TempDir()
	cfg := config.Config{
		AudioRootDir:     dir,
		TaskTimeout:      time.Minute,
		MetricsNamespace: "test",
	}
	sessions := session.NewManager(cfg.TaskTimeout)
	history := tasks.NewInMemoryStore(0)
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())

	mgr, err := relay.NewManager(relay.Options{
		Registry:    synthesis.DefaultRegistry(),
		Audio:       audio.NewStore(dir, ""),
		Dialer:      dashscope.NewClient(dashscope.Config{APIKey: "sk-test", WSURL: provider.WSURL()}),
		Sessions:    sessions,
		History:     history,
		Metrics:     metrics,
		Logger:      logging.Discard(),
		FinishDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("relay.NewManager() error = %v", err)
	}

	srv := New(cfg, Deps{
		Relay:    mgr,
		Sessions: sessions,
		History:  history,
		Metrics:  metrics,
		Logger:   logging.Discard(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		mgr.Wait()
	})
	return &testEnv{ts: ts, relay: mgr, sessions: sessions, history: history}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	return msg
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, res.StatusCode, wantStatus)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return payload
}

func TestSynthesisOverWebsocketServesArtifact(t *testing.T) {
	env := newTestEnv(t, dashscopetest.Options{ChunksPerTask: 3})
	conn := env.dial(t, "/v1/tts/ws")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"text": "hello", "type": "sambert"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "sambert_audio" {
		t.Fatalf("type = %v, want sambert_audio (msg %+v)", msg["type"], msg)
	}
	ref, _ := msg["url"].(string)
	taskID, _ := msg["taskId"].(string)
	if !strings.HasPrefix(ref, "/audio/sambert/") || taskID == "" {
		t.Fatalf("unexpected notification: %+v", msg)
	}

	res, err := http.Get(env.ts.URL + ref)
	if err != nil {
		t.Fatalf("GET artifact error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("artifact status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(res.Body)
	if !bytes.Equal(body, dashscopetest.Audio(taskID, 3)) {
		t.Fatalf("artifact body mismatch: %q", body)
	}

	env.relay.Wait()
	task := getJSON(t, env.ts.URL+"/v1/tasks/"+taskID, http.StatusOK)
	if task["status"] != "finished" || task["artifact_url"] != ref {
		t.Fatalf("task history = %+v", task)
	}
	list := getJSON(t, env.ts.URL+"/v1/tasks?limit=5", http.StatusOK)
	if items, _ := list["tasks"].([]any); len(items) != 1 {
		t.Fatalf("task list = %+v", list)
	}
}

func TestRootPathAcceptsWebsocket(t *testing.T) {
	env := newTestEnv(t, dashscopetest.Options{})
	conn := env.dial(t, "/")
	defer conn.Close()

	req := map[string]string{"text": "你好世界", "voiceId": "longxiaochun", "type": "cosyvoice"}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "cosyvoice_audio" {
		t.Fatalf("type = %v, want cosyvoice_audio (msg %+v)", msg["type"], msg)
	}
}

func TestUnknownModeOverWebsocket(t *testing.T) {
	env := newTestEnv(t, dashscopetest.Options{})
	conn := env.dial(t, "/v1/tts/ws")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"text": "hi", "type": "opera"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "error" {
		t.Fatalf("type = %v, want error", msg["type"])
	}
	if got, _ := msg["message"].(string); !strings.Contains(got, "opera") {
		t.Fatalf("message = %q, want mention of the mode", got)
	}
}

func TestClientDisconnectCancelsTasks(t *testing.T) {
	env := newTestEnv(t, dashscopetest.Options{ChunksPerTask: 100, ChunkDelay: 50 * time.Millisecond})
	conn := env.dial(t, "/v1/tts/ws")

	if err := conn.WriteJSON(map[string]string{"text": "long text", "type": "sambert"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.sessions.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.sessions.ActiveCount() == 0 {
		t.Fatalf("task never became active")
	}
	_ = conn.Close()

	done := make(chan struct{})
	go func() {
		env.relay.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("task was not cancelled after client disconnect")
	}

	list, err := env.history.ListTasks(context.Background(), 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListTasks() = %v, %v", list, err)
	}
	if list[0].Status != tasks.StatusAborted {
		t.Fatalf("status = %q, want aborted", list[0].Status)
	}
	if !strings.Contains(list[0].Error, session.ErrClientGone.Error()) {
		t.Fatalf("error = %q, want cause %q", list[0].Error, session.ErrClientGone)
	}
}

func TestBinaryFrameIsHandledAsRequest(t *testing.T) {
	env := newTestEnv(t, dashscopetest.Options{})
	conn := env.dial(t, "/v1/tts/ws")
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(`{"text":"hi","type":"sambert"}`)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "sambert_audio" {
		t.Fatalf("type = %v, want sambert_audio (msg %+v)", msg["type"], msg)
	}
}

func TestMalformedFramesGetGenericError(t *testing.T) {
	env := newTestEnv(t, dashscopetest.Options{})
	conn := env.dial(t, "/v1/tts/ws")
	defer conn.Close()

	frames := []struct {
		kind int
		data string
	}{
		{websocket.TextMessage, "{not json"},
		{websocket.BinaryMessage, "\x00\x01\x02"},
	}
	for _, f := range frames {
		if err := conn.WriteMessage(f.kind, []byte(f.data)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
		msg := readMessage(t, conn)
		if msg["type"] != "error" {
			t.Fatalf("type = %v, want error", msg["type"])
		}
		if msg["message"] != protocol.GenericFailureMessage {
			t.Fatalf("message = %v, want %q", msg["message"], protocol.GenericFailureMessage)
		}
	}
}

func TestHealthReadyAndModes(t *testing.T) {
	env := newTestEnv(t, dashscopetest.Options{})

	health := getJSON(t, env.ts.URL+"/healthz", http.StatusOK)
	if health["status"] != "ok" {
		t.Fatalf("health = %+v", health)
	}
	ready := getJSON(t, env.ts.URL+"/readyz", http.StatusOK)
	if ready["status"] != "ready" {
		t.Fatalf("ready = %+v", ready)
	}

	modes := getJSON(t, env.ts.URL+"/v1/modes", http.StatusOK)
	items, _ := modes["modes"].([]any)
	if len(items) != 2 {
		t.Fatalf("modes = %+v", modes)
	}
	first, _ := items[0].(map[string]any)
	if first["mode"] != "cosyvoice" || first["streaming"] != "duplex" || first["requires_voice"] != true {
		t.Fatalf("first mode = %+v", first)
	}
}

func TestReadyWithoutRelayIsDegraded(t *testing.T) {
	srv := New(config.Config{AudioRootDir: t.TempDir(), MetricsNamespace: "test"}, Deps{Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ready := getJSON(t, ts.URL+"/readyz", http.StatusServiceUnavailable)
	if ready["status"] != "degraded" {
		t.Fatalf("ready = %+v", ready)
	}
}

func TestTaskEndpointsValidate(t *testing.T) {
	env := newTestEnv(t, dashscopetest.Options{})

	getJSON(t, env.ts.URL+"/v1/tasks/does-not-exist", http.StatusNotFound)
	getJSON(t, env.ts.URL+"/v1/tasks?limit=abc", http.StatusBadRequest)

	res, err := http.Get(env.ts.URL + "/audio/sambert/")
	if err != nil {
		t.Fatalf("GET audio dir error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("audio dir status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
