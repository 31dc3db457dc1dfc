package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/security"
	"github.com/jkaninda/plugbox/internal/storage"
)

// StreamSubprotocol is negotiated on /v1/events/stream.
const StreamSubprotocol = "plugbox-events-v1"

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
	maxEventListLimit  = 1000
)

func (g *Gateway) registerEventRoutes() {
	g.group.Get("/events", g.handleEventList,
		okapi.DocSummary("List stored security events, newest first"),
		okapi.DocTags("Events"),
		okapi.DocResponse([]security.AuditRecord{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
}

func (g *Gateway) handleEventList(c *okapi.Context) error {
	if g.events == nil {
		return c.AbortServiceUnavailable("event storage not configured")
	}
	q, err := parseEventQuery(c.Request().URL.Query())
	if err != nil {
		return g.writeError(c, err)
	}
	records, err := g.events.ListEvents(c.Context(), q)
	if err != nil {
		return g.writeError(c, err)
	}
	if records == nil {
		records = []security.AuditRecord{}
	}
	return c.OK(records)
}

// parseEventQuery reads sandbox_id, topic, since (RFC 3339) and limit.
func parseEventQuery(v map[string][]string) (storage.EventQuery, error) {
	get := func(k string) string {
		if vals := v[k]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	q := storage.EventQuery{
		SandboxID: get("sandbox_id"),
		Topic:     get("topic"),
	}
	if q.Topic != "" && !slices.Contains(events.AllTopics, q.Topic) {
		return q, fmt.Errorf("%w: unknown topic %q", security.ErrInvalidArgument, q.Topic)
	}
	if s := get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("%w: since must be RFC 3339: %v", security.ErrInvalidArgument, err)
		}
		q.Since = t
	}
	if s := get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("%w: limit must be a positive integer", security.ErrInvalidArgument)
		}
		q.Limit = min(n, maxEventListLimit)
	}
	return q, nil
}

// parseStreamFilter reads sandbox_id and a comma-separated topics list.
func parseStreamFilter(v map[string][]string) (events.Filter, error) {
	var f events.Filter
	if vals := v["sandbox_id"]; len(vals) > 0 {
		f.SandboxID = vals[0]
	}
	if vals := v["topics"]; len(vals) > 0 && vals[0] != "" {
		for _, t := range strings.Split(vals[0], ",") {
			t = strings.TrimSpace(t)
			if !slices.Contains(events.AllTopics, t) {
				return f, fmt.Errorf("%w: unknown topic %q", security.ErrInvalidArgument, t)
			}
			f.Topics = append(f.Topics, t)
		}
	}
	return f, nil
}

// streamHandler upgrades to a websocket and forwards matching bus events as
// JSON text frames until the client disconnects or the bus closes.
func (g *Gateway) streamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		callerID := g.callerForKey(token)
		if callerID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !g.limiter.Allow(callerID) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		filter, err := parseStreamFilter(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{StreamSubprotocol},
		})
		if err != nil {
			g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
			return
		}

		sub := g.bus.Subscribe(filter)
		defer sub.Close()

		g.logger.Info("event stream opened",
			slog.String("caller_id", callerID),
			slog.String("sandbox_id", filter.SandboxID),
			slog.Int("topics", len(filter.Topics)),
		)
		g.forward(conn.CloseRead(r.Context()), conn, sub)
		if n := sub.Dropped(); n > 0 {
			g.logger.Warn("event stream dropped events",
				slog.String("caller_id", callerID),
				slog.Uint64("dropped", n),
			)
		}
	})
}

func (g *Gateway) forward(ctx context.Context, conn *websocket.Conn, sub *events.Subscription) {
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				g.logger.Debug("event stream ping failed", slog.String("error", err.Error()))
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				g.logger.Warn("encoding event", slog.String("topic", ev.Topic), slog.String("error", err.Error()))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
