package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/models"
)

// Appender stores one event
type Appender interface {
	Append(ctx context.Context, in EventInput) (*models.Event, error)
}

// drainer is the part of *nats.Subscription used on shutdown
type drainer interface {
	Drain() error
	IsValid() bool
}

const (
	drainTimeout      = 30 * time.Second
	drainPollInterval = 10 * time.Millisecond
)

// Subscriber feeds events published on a NATS subject into the ingestor
type Subscriber struct {
	conn     *nats.Conn
	subject  string
	ingestor Appender
	logger   *slog.Logger

	sub      drainer
	stopOnce sync.Once
}

// NewSubscriber creates a subscriber for subject
func NewSubscriber(conn *nats.Conn, subject string, ingestor Appender, logger *slog.Logger) *Subscriber {
	return &Subscriber{conn: conn, subject: subject, ingestor: ingestor, logger: logger}
}

// Start subscribes; messages are handled until ctx is done or Stop is called
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		if err := s.handle(ctx, msg.Data); err != nil {
			s.logger.Warn("rejected ingest message", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("event subscriber started", "subject", s.subject)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains the subscription and returns once no message handler can
// still be running. Later calls wait for the first one to finish.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		if s.sub == nil {
			return
		}
		if err := s.sub.Drain(); err != nil {
			if !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
				s.logger.Warn("failed to drain subscription", "subject", s.subject, "error", err)
			}
			return
		}

		deadline := time.Now().Add(drainTimeout)
		for s.sub.IsValid() {
			if time.Now().After(deadline) {
				s.logger.Warn("subscription drain timed out", "subject", s.subject, "timeout", drainTimeout)
				return
			}
			time.Sleep(drainPollInterval)
		}
		s.logger.Info("event subscriber drained", "subject", s.subject)
	})
}

func (s *Subscriber) handle(ctx context.Context, data []byte) error {
	var in EventInput
	if err := json.Unmarshal(data, &in); err != nil {
		return apperr.Validation("invalid event payload: %v", err)
	}
	event, err := s.ingestor.Append(ctx, in)
	if err != nil {
		return err
	}
	s.logger.Debug("event ingested from bus", "event_id", event.ID, "subject", s.subject)
	return nil
}
