// Package dashscopetest runs an in-process provider speaking the synthesis task protocol.
package dashscopetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/speechrelay/internal/dashscope"
)

type Options struct {
	ChunksPerTask int
	ChunkDelay    time.Duration
	// FailModels answers run-task for these models with task-failed.
	FailModels map[string]string
}

// RunTask is what the provider saw for one task.
type RunTask struct {
	TaskID        string
	Streaming     string
	Payload       dashscope.RunTaskPayload
	ContinueText  string
	FinishSent    bool
	Authorization string
}

type Server struct {
	*httptest.Server
	opts Options

	mu    sync.Mutex
	tasks []RunTask
}

func NewServer(opts Options) *Server {
	if opts.ChunksPerTask <= 0 {
		opts.ChunksPerTask = 3
	}
	s := &Server{opts: opts}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// WSURL is the websocket address to dial.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func (s *Server) Tasks() []RunTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunTask(nil), s.tasks...)
}

// Chunk is the audio payload sent as frame i of a task.
func Chunk(taskID string, i int) []byte {
	return []byte(fmt.Sprintf("%s:%02d|", taskID, i))
}

// Audio is the full artifact content expected for a task served with n chunks.
func Audio(taskID string, n int) []byte {
	var out []byte
	for i := 0; i < n; i++ {
		out = append(out, Chunk(taskID, i)...)
	}
	return out
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	run, err := readFrame(conn)
	if err != nil || run.Header.Action != dashscope.ActionRunTask {
		return
	}
	rec := RunTask{
		TaskID:        run.Header.TaskID,
		Streaming:     run.Header.Streaming,
		Authorization: r.Header.Get("Authorization"),
	}
	_ = json.Unmarshal(run.Payload, &rec.Payload)
	recorded := false
	record := func() {
		if recorded {
			return
		}
		recorded = true
		s.mu.Lock()
		s.tasks = append(s.tasks, rec)
		s.mu.Unlock()
	}
	defer record()

	if msg, ok := s.opts.FailModels[rec.Payload.Model]; ok {
		record()
		_ = writeEvent(conn, rec.TaskID, dashscope.EventTaskFailed, "InvalidParameter", msg)
		return
	}
	if err := writeEvent(conn, rec.TaskID, dashscope.EventTaskStarted, "", ""); err != nil {
		return
	}

	if rec.Streaming == "duplex" {
		cont, err := readFrame(conn)
		if err != nil || cont.Header.Action != dashscope.ActionContinueTask {
			return
		}
		var in struct {
			Input dashscope.Input `json:"input"`
		}
		_ = json.Unmarshal(cont.Payload, &in)
		rec.ContinueText = in.Input.Text
	}

	for i := 0; i < s.opts.ChunksPerTask; i++ {
		if s.opts.ChunkDelay > 0 {
			time.Sleep(s.opts.ChunkDelay)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, Chunk(rec.TaskID, i)); err != nil {
			return
		}
	}

	if rec.Streaming == "duplex" {
		finish, err := readFrame(conn)
		if err != nil || finish.Header.Action != dashscope.ActionFinishTask {
			return
		}
		rec.FinishSent = true
	}
	record()
	_ = writeEvent(conn, rec.TaskID, dashscope.EventTaskFinished, "", "")

	// Hold the connection until the client hangs up.
	_, _, _ = conn.ReadMessage()
}

func readFrame(conn *websocket.Conn) (dashscope.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return dashscope.Frame{}, err
	}
	var f dashscope.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return dashscope.Frame{}, err
	}
	return f, nil
}

func writeEvent(conn *websocket.Conn, taskID, event, code, message string) error {
	raw, err := json.Marshal(dashscope.Frame{
		Header: dashscope.Header{
			Event:        event,
			TaskID:       taskID,
			ErrorCode:    code,
			ErrorMessage: message,
		},
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}
