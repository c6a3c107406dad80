package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/auth"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/relay"
)

// StreamHandler handles GET /api/v1/ws/events — the live event stream for
// operator tooling. Authentication uses a JWT passed as the `token` query
// parameter because browsers cannot set custom headers on WebSocket
// connections.
//
// Topic subscription is declared at connection time:
//
//	ws://host/api/v1/ws/events?token=<jwt>&topics=job:<uuid>,robot:<id>,logs
//
// No topics means all topics. An optional `level` parameter filters log
// events below the given severity.
type StreamHandler struct {
	hub    *relay.Hub
	auth   *auth.Manager
	logger *zap.Logger

	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(hub *relay.Hub, mgr *auth.Manager, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		hub:    hub,
		auth:   mgr,
		logger: logger.Named("stream_handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// logLevelRank orders log severities for the level filter.
var logLevelRank = map[string]int{
	"debug": 0, "info": 1, "warn": 2, "warning": 2, "error": 3, "fatal": 4,
}

// ServeEvents handles the upgrade and pumps hub events to the client until
// either side disconnects. The handler blocks for the connection's lifetime.
func (h *StreamHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}
	claims, err := h.auth.Validate(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	topics := splitTopics(r.URL.Query().Get("topics"))
	minLevel, filterLevel := logLevelRank[strings.ToLower(r.URL.Query().Get("level"))]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}

	sub := h.hub.Subscribe(topics...)
	defer h.hub.Unsubscribe(sub)

	h.logger.Info("stream client connected",
		zap.String("subject", claims.Subject),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics))
	defer h.logger.Info("stream client disconnected", zap.String("subject", claims.Subject))

	// Reads are discarded; the read loop only notices the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if filterLevel && belowLevel(ev, minLevel) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// belowLevel filters log events under the subscriber's minimum severity.
// Non-log events always pass.
func belowLevel(ev relay.Event, min int) bool {
	if ev.Type != "log_entry" && ev.Type != "log_batch" {
		return false
	}
	var probe struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(ev.Payload, &probe); err != nil || probe.Level == "" {
		return false
	}
	rank, ok := logLevelRank[strings.ToLower(probe.Level)]
	return ok && rank < min
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
