package goiapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/goi/goi"
)

// SSE event types for the session stream. Session events are sent with
// their own type and their sequence number as the SSE id.
const (
	SSEEventConnected    = "connected"
	SSEEventSyncComplete = "sync_complete"
	SSEEventHeartbeat    = "heartbeat"
	SSEEventError        = "error"
)

// handleStream handles GET /agent/stream for SSE events.
// Query parameters:
//   - sessionId: the session to follow (required)
//   - since: replay events with a greater sequence number (optional)
//
// The Last-Event-ID header is used when since is omitted. Events stored
// before the connection are replayed first; a sync_complete event marks
// the switch to live delivery. Live events already replayed are skipped.
func (c *Component) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	id := q.Get("sessionId")
	if err := requireSessionID(id); err != nil {
		c.writeError(w, r, err)
		return
	}
	since, err := parseSince(q.Get("since"), r.Header.Get("Last-Event-ID"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if _, _, err := c.svc.Sessions.GetStatus(id); err != nil {
		c.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.writeError(w, r, goi.NewInternalError(fmt.Errorf("streaming not supported")))
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	sub := c.svc.Bus.Subscribe(id)
	defer sub.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c.streams.Add(1)
	defer c.streams.Add(-1)
	log := c.logger.With("session_id", id)

	if err := c.sendSSEEvent(w, flusher, SSEEventConnected, map[string]any{"sessionId": id, "since": since}); err != nil {
		log.Debug("Client disconnected during connect", "error", err)
		return
	}

	replay, err := c.svc.Bus.Replay(ctx, id, since)
	if err != nil {
		log.Error("Failed to replay events", "error", err)
		_ = c.sendSSEEvent(w, flusher, SSEEventError, map[string]string{"message": "failed to replay events"})
		return
	}
	last := since
	for _, e := range replay {
		if err := c.sendEvent(w, flusher, e); err != nil {
			log.Debug("Client disconnected during replay", "error", err)
			return
		}
		last = e.Seq
	}
	if err := c.sendSSEEvent(w, flusher, SSEEventSyncComplete, map[string]any{"lastSeq": last}); err != nil {
		log.Debug("Client disconnected during sync", "error", err)
		return
	}

	heartbeat := time.NewTicker(c.config.Heartbeat())
	defer heartbeat.Stop()

	live := sub.C()
	stopped := c.stopped()
	for {
		select {
		case <-ctx.Done():
			return

		case <-stopped:
			log.Debug("Closing stream on shutdown")
			return

		case <-heartbeat.C:
			if err := c.sendSSEEvent(w, flusher, SSEEventHeartbeat, map[string]any{"lastSeq": last, "dropped": sub.Dropped()}); err != nil {
				log.Debug("Client disconnected during heartbeat", "error", err)
				return
			}

		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= last {
				continue
			}
			if err := c.sendEvent(w, flusher, e); err != nil {
				log.Debug("Client disconnected during event", "error", err)
				return
			}
			last = e.Seq
		}
	}
}

// parseSince reads the replay cursor from the query or the Last-Event-ID
// header.
func parseSince(query, lastEventID string) (int64, error) {
	raw := query
	if raw == "" {
		raw = lastEventID
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, goi.NewValidationError(goi.CodeInvalidParam, "invalid since %q", raw)
	}
	return n, nil
}

func (c *Component) sendEvent(w http.ResponseWriter, flusher http.Flusher, e goi.Event) error {
	return c.sendSSEEventWithID(w, flusher, uint64(e.Seq), e.Type, e)
}

// sendSSEEvent sends an SSE event without an ID.
func (c *Component) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	return c.sendSSEEventWithID(w, flusher, 0, eventType, data)
}

// sendSSEEventWithID sends an SSE event with optional ID.
// Returns an error if the write fails (e.g., client disconnected).
func (c *Component) sendSSEEventWithID(w http.ResponseWriter, flusher http.Flusher, id uint64, eventType string, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		c.logger.Warn("Failed to marshal SSE data", "error", err)
		return nil
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return fmt.Errorf("write event type: %w", err)
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", dataBytes); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	flusher.Flush()
	return nil
}
