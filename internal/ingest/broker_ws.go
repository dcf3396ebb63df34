package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradeledger/internal/crypto"
	"github.com/alanyoungcy/tradeledger/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// ExecutionHandler is called for each batch of executions received from the
// broker stream.
type ExecutionHandler func(ctx context.Context, execs []domain.Execution)

// BrokerStream connects to the broker execution WebSocket, subscribes to the
// executions channel, and invokes the handler on each message. It reconnects
// with exponential backoff on disconnect; missed messages are recovered by
// the periodic REST backfill, so the stream only has to be eventually
// connected, never gap-free.
type BrokerStream struct {
	wsURL   string
	auth    *crypto.HMACAuth
	handler ExecutionHandler
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewBrokerStream creates a stream that delivers broker executions to handler.
func NewBrokerStream(wsURL string, auth *crypto.HMACAuth, handler ExecutionHandler, logger *slog.Logger) *BrokerStream {
	return &BrokerStream{
		wsURL:   wsURL,
		auth:    auth,
		handler: handler,
		logger:  logger.With(slog.String("component", "broker_stream")),
		done:    make(chan struct{}),
	}
}

// Run connects and reads until ctx is cancelled or Close is called,
// reconnecting with exponential backoff on disconnect.
func (s *BrokerStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		err := s.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("broker stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the stream.
func (s *BrokerStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// runConnection dials, subscribes, and reads messages until the connection
// drops or the context is cancelled.
func (s *BrokerStream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("ingest: dial broker stream: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := s.subscribe(conn); err != nil {
		return err
	}
	s.logger.Info("broker stream subscribed")

	// Close the connection when ctx ends so the blocked read returns.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-readCtx.Done():
		case <-s.done:
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}()
	go s.pingLoop(readCtx, conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ingest: read broker stream: %w", err)
		}
		s.handleMessage(ctx, message)
	}
}

// subscribe sends the authenticated subscription command.
func (s *BrokerStream) subscribe(conn *websocket.Conn) error {
	headers := s.auth.Headers("GET", "/v1/stream", "")
	cmd := map[string]any{
		"type":      "subscribe",
		"channel":   "executions",
		"key":       headers["X-API-KEY"],
		"timestamp": headers["X-API-TIMESTAMP"],
		"signature": headers["X-API-SIGNATURE"],
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("ingest: marshal subscribe: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ingest: subscribe broker stream: %w", err)
	}
	return nil
}

func (s *BrokerStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw stream message and dispatches executions.
// Unparseable messages are dropped; the REST backfill covers the gap.
func (s *BrokerStream) handleMessage(ctx context.Context, raw []byte) {
	var envelope struct {
		Type       string            `json:"type"`
		Executions []brokerExecution `json:"executions"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if envelope.Type != "executions" || len(envelope.Executions) == 0 {
		return
	}

	execs := make([]domain.Execution, 0, len(envelope.Executions))
	for _, be := range envelope.Executions {
		exec, err := be.toDomain()
		if err != nil {
			s.logger.Warn("dropping malformed stream execution",
				slog.String("id", be.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		execs = append(execs, exec)
	}
	if len(execs) == 0 {
		return
	}

	if s.handler != nil {
		s.handler(ctx, execs)
	}
}
