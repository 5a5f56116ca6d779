package dashscope

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultWSURL = "wss://dashscope.aliyuncs.com/api-ws/v1/inference/"

// Conn is the subset of *websocket.Conn a task needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens one upstream connection per task.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config carries provider credentials and endpoint; it is injected, never read from the environment here.
type Config struct {
	APIKey           string
	WSURL            string
	DataInspection   bool
	HandshakeTimeout time.Duration
}

type Client struct {
	cfg    Config
	dialer websocket.Dialer
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = DefaultWSURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   16 << 10,
			WriteBufferSize:  4096,
		},
	}
}

func (c *Client) Dial(ctx context.Context) (Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "bearer "+c.cfg.APIKey)
	if c.cfg.DataInspection {
		headers.Set("X-DashScope-DataInspection", "enable")
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.WSURL, headers)
	if err != nil {
		dialErr := &DialError{Err: err}
		if resp != nil {
			dialErr.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, dialErr
	}
	return conn, nil
}

// DialError is a failed upstream handshake. StatusCode is 0 when no HTTP response arrived.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial synthesis websocket: %v (status %d)", e.Err, e.StatusCode)
	}
	return fmt.Sprintf("dial synthesis websocket: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }
