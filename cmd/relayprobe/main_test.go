package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/speechrelay/internal/protocol"
)

func TestPercentileNearestRank(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 10; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}
	cases := map[float64]time.Duration{
		0.50: 5 * time.Millisecond,
		0.90: 9 * time.Millisecond,
		0.99: 10 * time.Millisecond,
	}
	for p, want := range cases {
		if got := percentile(sorted, p); got != want {
			t.Fatalf("percentile(%v) = %v, want %v", p, got, want)
		}
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestWSURLFor(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:3000":       "ws://127.0.0.1:3000/v1/tts/ws",
		"https://relay.example/base/": "wss://relay.example/base/v1/tts/ws",
	}
	for in, want := range cases {
		got, err := wsURLFor(in)
		if err != nil {
			t.Fatalf("wsURLFor(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("wsURLFor(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := wsURLFor("ftp://x"); err == nil {
		t.Fatalf("wsURLFor(ftp) expected error")
	}
}

func TestRunAgainstStubRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tts/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req protocol.SynthesisRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Type != "sambert" {
				_ = conn.WriteJSON(protocol.NewError("unsupported", ""))
				continue
			}
			_ = conn.WriteJSON(protocol.NewAudioReady(req.Type, "/audio/sambert/x.mp3", "x"))
		}
	})
	mux.HandleFunc("/audio/sambert/x.mp3", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ID3fake"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfg := options{
		baseURL:     ts.URL,
		mode:        "sambert",
		connections: 3,
		requests:    2,
		timeout:     5 * time.Second,
		fetch:       true,
		texts:       []string{"hello"},
	}
	s := summarize(run(context.Background(), cfg))
	if s.total != 6 || s.succeeded != 6 || s.failed != 0 {
		t.Fatalf("summary = %+v", s)
	}

	cfg.mode = "opera"
	s = summarize(run(context.Background(), cfg))
	if s.failed != 6 {
		t.Fatalf("failed = %d, want 6", s.failed)
	}
	var sb strings.Builder
	printSummary(&sb, cfg, s)
	if !strings.Contains(sb.String(), "relay error: unsupported") {
		t.Fatalf("summary output missing error line:\n%s", sb.String())
	}
}
