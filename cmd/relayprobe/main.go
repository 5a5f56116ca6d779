package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/speechrelay/internal/protocol"
)

type options struct {
	baseURL     string
	mode        string
	voiceID     string
	connections int
	requests    int
	timeout     time.Duration
	fetch       bool
	texts       []string
	verbose     bool
}

type result struct {
	conn    int
	seq     int
	latency time.Duration
	url     string
	bytes   int64
	err     error
}

type summary struct {
	total     int
	succeeded int
	failed    int
	p50       time.Duration
	p90       time.Duration
	p99       time.Duration
	max       time.Duration
	errors    map[string]int
}

var defaultTexts = []string{
	"今天天气怎么样？",
	"欢迎使用语音合成服务。",
	"The quick brown fox jumps over the lazy dog.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	results := run(context.Background(), cfg)
	s := summarize(results)
	printSummary(os.Stdout, cfg, s)
	if s.failed > 0 {
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3000", "relay base URL")
	flag.StringVar(&cfg.mode, "mode", "sambert", "synthesis type sent with every request")
	flag.StringVar(&cfg.voiceID, "voice-id", "", "voiceId for modes that require one")
	flag.IntVar(&cfg.connections, "connections", 4, "concurrent client websockets")
	flag.IntVar(&cfg.requests, "requests", 5, "requests sent sequentially on each connection")
	flag.IntVar(&timeoutMS, "timeout-ms", 30000, "timeout waiting for each notification in milliseconds")
	flag.BoolVar(&cfg.fetch, "fetch", true, "download each artifact to check it is served")
	flag.StringVar(&textsRaw, "texts", "", "texts separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print every result")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.connections <= 0 {
		return options{}, fmt.Errorf("connections must be > 0")
	}
	if cfg.requests <= 0 {
		return options{}, fmt.Errorf("requests must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultTexts...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts is empty")
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options) []result {
	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return []result{{err: err}}
	}

	out := make(chan result, cfg.connections*cfg.requests)
	var wg sync.WaitGroup
	for c := 0; c < cfg.connections; c++ {
		wg.Add(1)
		go func(connIdx int) {
			defer wg.Done()
			probeConnection(ctx, cfg, wsURL, connIdx, out)
		}(c)
	}
	wg.Wait()
	close(out)

	results := make([]result, 0, cfg.connections*cfg.requests)
	for r := range out {
		if cfg.verbose {
			if r.err != nil {
				fmt.Printf("relayprobe: conn=%d seq=%d error=%v\n", r.conn, r.seq, r.err)
			} else {
				fmt.Printf("relayprobe: conn=%d seq=%d latency=%s bytes=%d url=%s\n", r.conn, r.seq, r.latency, r.bytes, r.url)
			}
		}
		results = append(results, r)
	}
	return results
}

func probeConnection(ctx context.Context, cfg options, wsURL string, connIdx int, out chan<- result) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		for i := 0; i < cfg.requests; i++ {
			out <- result{conn: connIdx, seq: i, err: fmt.Errorf("dial: %w", err)}
		}
		return
	}
	defer conn.Close()

	for i := 0; i < cfg.requests; i++ {
		text := cfg.texts[(connIdx+i)%len(cfg.texts)]
		r := result{conn: connIdx, seq: i}
		start := time.Now()
		r.url, r.err = roundTrip(conn, protocol.SynthesisRequest{Text: text, VoiceID: cfg.voiceID, Type: cfg.mode}, cfg.timeout)
		r.latency = time.Since(start)
		if r.err == nil && cfg.fetch {
			r.bytes, r.err = fetchArtifact(ctx, cfg.baseURL, r.url)
		}
		out <- r
		if r.err != nil && isConnError(r.err) {
			for j := i + 1; j < cfg.requests; j++ {
				out <- result{conn: connIdx, seq: j, err: r.err}
			}
			return
		}
	}
}

type notification struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Message string `json:"message"`
}

var errConn = errors.New("connection failed")

func isConnError(err error) bool { return errors.Is(err, errConn) }

func roundTrip(conn *websocket.Conn, req protocol.SynthesisRequest, timeout time.Duration) (string, error) {
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("%w: write: %v", errConn, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var n notification
	if err := conn.ReadJSON(&n); err != nil {
		return "", fmt.Errorf("%w: read: %v", errConn, err)
	}
	if n.Type == string(protocol.TypeError) {
		return "", fmt.Errorf("relay error: %s", n.Message)
	}
	if n.Type != string(protocol.AudioType(req.Type)) {
		return "", fmt.Errorf("unexpected notification type %q", n.Type)
	}
	if strings.TrimSpace(n.URL) == "" {
		return "", fmt.Errorf("notification without url")
	}
	return n.URL, nil
}

func fetchArtifact(ctx context.Context, baseURL, ref string) (int64, error) {
	target := ref
	if strings.HasPrefix(ref, "/") {
		target = baseURL + ref
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch artifact: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch artifact: status %d", res.StatusCode)
	}
	n, err := io.Copy(io.Discard, res.Body)
	if err != nil {
		return n, fmt.Errorf("read artifact: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("artifact is empty")
	}
	return n, nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base-url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/tts/ws"
	return u.String(), nil
}

func summarize(results []result) summary {
	s := summary{total: len(results), errors: map[string]int{}}
	var latencies []time.Duration
	for _, r := range results {
		if r.err != nil {
			s.failed++
			s.errors[r.err.Error()]++
			continue
		}
		s.succeeded++
		latencies = append(latencies, r.latency)
	}
	slices.Sort(latencies)
	s.p50 = percentile(latencies, 0.50)
	s.p90 = percentile(latencies, 0.90)
	s.p99 = percentile(latencies, 0.99)
	if len(latencies) > 0 {
		s.max = latencies[len(latencies)-1]
	}
	return s
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*p+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(w io.Writer, cfg options, s summary) {
	fmt.Fprintf(w, "relayprobe: mode=%s connections=%d requests=%d\n", cfg.mode, cfg.connections, cfg.requests)
	fmt.Fprintf(w, "relayprobe: ok=%d failed=%d total=%d\n", s.succeeded, s.failed, s.total)
	fmt.Fprintf(w, "relayprobe: latency p50=%s p90=%s p99=%s max=%s\n",
		s.p50.Round(time.Millisecond), s.p90.Round(time.Millisecond), s.p99.Round(time.Millisecond), s.max.Round(time.Millisecond))
	keys := make([]string, 0, len(s.errors))
	for k := range s.errors {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "relayprobe: error x%d: %s\n", s.errors[k], k)
	}
}
