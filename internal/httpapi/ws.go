package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/speechrelay/internal/logging"
	"github.com/antoniostano/speechrelay/internal/protocol"
)

const (
	wsReadLimit    = 1 << 20
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var errConnectionClosed = errors.New("client connection closed")

// connNotifier queues messages for the connection's single writer goroutine.
type connNotifier struct {
	connCtx  context.Context
	outbound chan<- any
}

func (n connNotifier) Notify(ctx context.Context, msg any) error {
	select {
	case <-n.connCtx.Done():
		return errConnectionClosed
	default:
	}
	select {
	case n.outbound <- msg:
		return nil
	case <-n.connCtx.Done():
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleSynthesisWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log := s.log.With(slog.String("conn_id", connID))
	log.Info("client connected", slog.String("remote", r.RemoteAddr))
	s.metrics.ClientConns.Inc()
	defer s.metrics.ClientConns.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	notifier := connNotifier{connCtx: ctx, outbound: outbound}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					log.Info("client write failed", logging.Err(err))
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		// Binary frames carry the same JSON request as text frames.
		label := "synthesis_request"
		if msgType == websocket.BinaryMessage {
			label = "synthesis_request_binary"
		}
		s.metrics.WSMessages.WithLabelValues("inbound", label).Inc()
		if err := s.relay.HandleClientMessage(ctx, connID, notifier, data); err != nil {
			log.Debug("client message rejected", logging.Err(err))
		}
	}

	if n := s.sessions.CancelConnection(connID); n > 0 {
		log.Info("cancelled in-flight tasks of closed connection", slog.Int("tasks", n))
	}
	cancel()
	<-writerDone
	log.Info("client disconnected")
}
