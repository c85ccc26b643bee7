package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/goi/goi"
)

// DefaultSubjectPrefix is the subject root of mirrored events.
const DefaultSubjectPrefix = "goi.events"

// Publisher is the subset of the semstreams NATS client used for mirroring.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSink mirrors events to <prefix>.<sessionId>.<type>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e goi.Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, subjectToken(e.SessionID), subjectToken(e.Type))
}

// Publish implements Sink.
func (s *NATSSink) Publish(ctx context.Context, e goi.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.pub.Publish(ctx, s.Subject(e), data); err != nil {
		return fmt.Errorf("publish event to %s: %w", s.Subject(e), err)
	}
	return nil
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
