package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// EventType names a pipeline event. It is the subject suffix.
type EventType string

const (
	EventBraidPromoted     EventType = "braid.promoted"
	EventPromotionDeferred EventType = "promotion.deferred"
)

// Event is published when a promotion completes or is deferred.
type Event struct {
	Type      EventType      `json:"type"`
	Kind      string         `json:"kind"`
	Level     int            `json:"level"`
	Dimension string         `json:"dimension"`
	Bucket    string         `json:"bucket"`
	BraidID   string         `json:"braid_id,omitempty"`
	MemberIDs []string       `json:"member_ids"`
	Scores    *strand.Scores `json:"scores,omitempty"`
	Lesson    string         `json:"lesson,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Error     string         `json:"error,omitempty"`
	Time      time.Time      `json:"time"`
}

// Publisher emits events. Publish failures never fail a promotion.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// NATSPublisher publishes events to subjects of the form
//
//	{prefix}.{kind}.braid.promoted
//	{prefix}.{kind}.promotion.deferred
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// DefaultSubjectPrefix is the subject root for published events.
const DefaultSubjectPrefix = "braidd"

// NewNATSPublisher creates a publisher on nc.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event of kind and type is published on.
func (p *NATSPublisher) Subject(kind string, t EventType) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(kind), t)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.Kind, ev.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// subjectToken makes kind safe as a single subject token.
func subjectToken(kind string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, kind)
}
