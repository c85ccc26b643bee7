// Package events implements the append-only GOI event log and its live
// fan-out. Every event is persisted before it is delivered; delivery is
// ordered per session and subscribers deduplicate by Seq.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/metrics"
	"github.com/c360studio/goi/storage"
)

// DefaultBuffer is the capacity of a subscriber channel.
const DefaultBuffer = 64

// eventTypePattern restricts types to tokens that are safe to write into
// an SSE "event:" field.
var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_.:-]*$`)

// Sink mirrors persisted events to an external system. Sink failures are
// logged and never fail a publish.
type Sink interface {
	Publish(ctx context.Context, e goi.Event) error
}

// Config configures a Bus.
type Config struct {
	Buffer  int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Sinks   []Sink
}

// Bus is the event store and per-session broadcaster.
type Bus struct {
	store   storage.Store
	buffer  int
	logger  *slog.Logger
	metrics *metrics.Metrics
	sinks   []Sink
	now     func() time.Time

	mu      sync.Mutex // guards streams map only
	streams map[string]*stream
}

// stream holds the ordering state of one session.
type stream struct {
	mu      sync.Mutex
	loaded  bool
	retired bool
	seq     int64
	subs    map[*Subscription]struct{}
}

// NewBus creates a bus over store.
func NewBus(store storage.Store, cfg Config) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:   store,
		buffer:  cfg.Buffer,
		logger:  logger,
		metrics: cfg.Metrics,
		sinks:   cfg.Sinks,
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

// AddSink registers an additional mirror.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) stream(sessionID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[sessionID]
	if !ok {
		s = &stream{subs: make(map[*Subscription]struct{})}
		b.streams[sessionID] = s
	}
	return s
}

// lockedStream returns the live stream of a session with its mutex held.
func (b *Bus) lockedStream(sessionID string) *stream {
	for {
		s := b.stream(sessionID)
		s.mu.Lock()
		if !s.retired {
			return s
		}
		s.mu.Unlock()
	}
}

// Publish appends an event for sessionID and delivers it to the session's
// subscribers. payload is marshaled to JSON; a json.RawMessage is stored
// as is.
func (b *Bus) Publish(ctx context.Context, sessionID, eventType string, source goi.Source, payload any) (goi.Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return goi.Event{}, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	if strings.TrimSpace(eventType) == "" {
		return goi.Event{}, goi.NewValidationError(goi.CodeMissingParam, "type is required")
	}
	if !eventTypePattern.MatchString(eventType) {
		return goi.Event{}, goi.NewValidationError(goi.CodeInvalidParam, "invalid event type %q", eventType)
	}
	if source == "" {
		source = goi.SourceSystem
	}
	if !source.IsValid() {
		return goi.Event{}, goi.NewValidationError(goi.CodeInvalidParam, "invalid source %q", source)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return goi.Event{}, goi.NewValidationError(goi.CodeInvalidParam, "invalid payload: %v", err)
	}

	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()

	s := b.lockedStream(sessionID)
	defer s.mu.Unlock()

	if !s.loaded {
		last, err := b.lastSeq(ctx, sessionID)
		if err != nil {
			return goi.Event{}, err
		}
		s.seq = last
		s.loaded = true
	}

	e := goi.Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       s.seq + 1,
		Type:      eventType,
		Source:    source,
		Payload:   raw,
		CreatedAt: b.now().UTC(),
	}

	data, err := json.Marshal(e)
	if err != nil {
		return goi.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if err := b.store.Save(ctx, storage.Record{
		Collection: storage.CollectionEvents,
		ID:         e.ID,
		SessionID:  sessionID,
		Type:       eventType,
		Seq:        e.Seq,
		Data:       data,
		CreatedAt:  e.CreatedAt,
	}); err != nil {
		return goi.Event{}, fmt.Errorf("persist event: %w", err)
	}
	s.seq = e.Seq
	b.metrics.EventPublished(eventType)

	for sub := range s.subs {
		if sub.deliver(e) {
			b.metrics.EventDropped()
		}
	}

	for _, sink := range sinks {
		if err := sink.Publish(ctx, e); err != nil {
			b.logger.Warn("Failed to mirror event",
				"session_id", sessionID,
				"type", eventType,
				"error", err)
		}
	}
	return e, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func (b *Bus) lastSeq(ctx context.Context, sessionID string) (int64, error) {
	recs, err := b.store.Query(ctx, storage.Query{
		Collection: storage.CollectionEvents,
		SessionID:  sessionID,
		Limit:      1,
		Descending: true,
	})
	if err != nil {
		return 0, fmt.Errorf("load last event seq: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[0].Seq, nil
}

// Filter selects events for Query.
type Filter struct {
	SessionID string
	Types     []string
	SinceSeq  int64
	Limit     int
	Offset    int
}

// Query returns matching events in append order and the total number of
// matches ignoring Limit and Offset.
func (b *Bus) Query(ctx context.Context, f Filter) ([]goi.Event, int, error) {
	if strings.TrimSpace(f.SessionID) == "" {
		return nil, 0, goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	q := storage.Query{
		Collection: storage.CollectionEvents,
		SessionID:  f.SessionID,
		Types:      f.Types,
		SinceSeq:   f.SinceSeq,
		Limit:      f.Limit,
		Offset:     f.Offset,
	}
	total, err := b.store.Count(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	recs, err := b.store.Query(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	out := make([]goi.Event, 0, len(recs))
	for _, rec := range recs {
		var e goi.Event
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return nil, 0, fmt.Errorf("decode event %s: %w", rec.ID, err)
		}
		out = append(out, e)
	}
	return out, total, nil
}

// Replay returns every event of a session with Seq greater than since.
func (b *Bus) Replay(ctx context.Context, sessionID string, since int64) ([]goi.Event, error) {
	evs, _, err := b.Query(ctx, Filter{SessionID: sessionID, SinceSeq: since})
	return evs, err
}

// Subscribe registers a live subscriber for one session. The caller must
// Close the subscription.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	s := b.lockedStream(sessionID)
	sub := &Subscription{ch: make(chan goi.Event, b.buffer), stream: s}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Forget drops the in-memory ordering state of a session. Persisted
// events are kept; the next publish reloads the last sequence.
func (b *Bus) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		s.retired = true
		delete(b.streams, sessionID)
	}
}
