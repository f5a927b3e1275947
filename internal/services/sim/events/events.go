// Package events publishes session lifecycle notifications to NATS so other
// processes can observe sessions without sharing the room registry.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Type names one lifecycle transition. It is also the subject suffix.
type Type string

const (
	TypeParticipantRegistered Type = "participant.registered"
	TypeParticipantUpdated    Type = "participant.updated"
	TypeSessionStarted        Type = "session.started"
	TypeSessionEnded          Type = "session.ended"
	TypeRequestCreated        Type = "request.created"
	TypeRequestCompleted      Type = "request.completed"
)

// Event is the JSON body of a lifecycle message. Unused fields are omitted.
type Event struct {
	Type       Type      `json:"type"`
	Shard      string    `json:"shard"`
	OccurredAt time.Time `json:"occurred_at"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	MoodLevel  *int      `json:"mood_level,omitempty"`
	SkillLevel *int      `json:"skill_level,omitempty"`
	SessionID  int64     `json:"session_id,omitempty"`
	PrincessID string    `json:"princess_id,omitempty"`
	ServantID  string    `json:"servant_id,omitempty"`
	RequestID  int64     `json:"request_id,omitempty"`
	TaskID     int64     `json:"task_id,omitempty"`
	LogID      int64     `json:"log_id,omitempty"`
	Success    *bool     `json:"success,omitempty"`
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Subject returns the NATS subject for an event type on a shard.
func Subject(shard string, eventType Type) string {
	return "sim." + subjectToken(shard) + "." + string(eventType)
}

// subjectToken keeps shard ids from introducing extra subject levels or
// wildcards.
func subjectToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, value)
}

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }

func (c headerCarrier) Set(key, value string) { nats.Header(c).Set(key, value) }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher publishes events with W3C trace context in message headers.
type NATSPublisher struct {
	conn   msgPublisher
	close  func()
	tracer trace.Tracer
}

// ConnectOptions configures the NATS connection.
type ConnectOptions struct {
	URL      string
	User     string
	Password string
	Name     string
}

// Connect dials NATS and returns a publisher owning the connection.
func Connect(opts ConnectOptions) (*NATSPublisher, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	name := opts.Name
	if name == "" {
		name = "princess-sim"
	}
	options := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if opts.User != "" {
		options = append(options, nats.UserInfo(opts.User, opts.Password))
	}
	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	publisher := newNATSPublisher(nc)
	publisher.close = nc.Close
	return publisher, nil
}

func newNATSPublisher(conn msgPublisher) *NATSPublisher {
	return &NATSPublisher{conn: conn, tracer: otel.Tracer("princess.sim/events")}
}

// Publish sends event on its shard subject inside a producer span.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.conn == nil {
		return fmt.Errorf("nats publisher is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(event.Shard, event.Type)

	ctx, span := p.tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.payload_size_bytes", len(data)),
		),
	)
	defer span.End()

	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(header))
	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: header}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close closes the owned connection, if any.
func (p *NATSPublisher) Close() {
	if p != nil && p.close != nil {
		p.close()
	}
}
