package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subjects published by the engine
const (
	SubjectThreatCreated = "secops.threats.created"
	SubjectThreatUpdated = "secops.threats.updated"
	SubjectAlerts        = "secops.alerts"
	SubjectNotifications = "secops.notifications"
	subjectIncidentBase  = "secops.incidents"
)

// IncidentSubject returns the subject for an incident transition into status
func IncidentSubject(status string) string {
	return subjectIncidentBase + "." + status
}

// Publisher delivers lifecycle notifications
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// NATSPublisher publishes JSON messages on a NATS connection
type NATSPublisher struct {
	nc     *nats.Conn
	source string
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher on an established connection
func NewNATSPublisher(nc *nats.Conn, source string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, source: source, logger: logger}
}

// Publish marshals payload and publishes it with a unique message id header
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	msg.Header.Set("X-Source", p.source)
	msg.Header.Set("X-Published-At", time.Now().UTC().Format(time.RFC3339Nano))

	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Error("failed to publish notification", "subject", subject, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.logger.Debug("notification published", "subject", subject, "bytes", len(data))
	return nil
}

// NopPublisher drops every message
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, subject string, payload any) error {
	return nil
}

// Message is a notification captured by MemoryPublisher
type Message struct {
	Subject string
	Payload any
}

// MemoryPublisher records published messages in order
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

func (p *MemoryPublisher) Publish(ctx context.Context, subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{Subject: subject, Payload: payload})
	return nil
}

// Messages returns a copy of everything published so far
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Subjects returns the published subjects in order
func (p *MemoryPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Subject
	}
	return out
}
