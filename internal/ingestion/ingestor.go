package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/metrics"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/storage"
)

// EventProcessor defines the interface for event processing
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event *models.Event) error
}

// EventRepository defines the interface for event storage
type EventRepository interface {
	StoreEvent(ctx context.Context, event *models.Event) error
	ListEvents(ctx context.Context, filter storage.EventFilter) ([]*models.Event, int, error)
	GetEventsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Event, error)
}

// EventInput is the client-supplied part of an event
type EventInput struct {
	EventType string          `json:"eventType"`
	Source    string          `json:"source"`
	Severity  models.Severity `json:"severity"`
	IPAddress string          `json:"ipAddress,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Ingestor appends events to the store and hands high and critical ones to
// the processor in the background.
type Ingestor struct {
	repository EventRepository
	processor  EventProcessor
	validate   *validator.Validate
	metrics    *metrics.Collectors
	logger     *slog.Logger
	now        func() time.Time

	inflight sync.WaitGroup
}

// NewIngestor creates a new event ingestor
func NewIngestor(repo EventRepository, collectors *metrics.Collectors, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		repository: repo,
		validate:   newValidator(),
		metrics:    collectors,
		logger:     logger,
		now:        time.Now,
	}
}

// SetProcessor sets the event processor for detection
func (i *Ingestor) SetProcessor(processor EventProcessor) {
	i.processor = processor
}

// Append validates and stores a new event. id and timestamp are always
// assigned here.
func (i *Ingestor) Append(ctx context.Context, in EventInput) (*models.Event, error) {
	event := &models.Event{
		ID:        uuid.New(),
		Timestamp: i.now().UTC(),
		Source:    strings.TrimSpace(in.Source),
		EventType: strings.TrimSpace(in.EventType),
		Severity:  models.Severity(strings.ToLower(string(in.Severity))),
		IPAddress: strings.TrimSpace(in.IPAddress),
		UserID:    in.UserID,
		Metadata:  in.Metadata,
	}
	if err := i.validateEvent(event); err != nil {
		return nil, err
	}

	if err := i.repository.StoreEvent(ctx, event); err != nil {
		return nil, apperr.Internal(err, "failed to store event")
	}
	i.metrics.EventIngested(string(event.Severity))
	i.logger.Debug("event stored", "event_id", event.ID, "event_type", event.EventType, "severity", event.Severity)

	if i.processor != nil && event.Severity.Rank() >= models.SeverityHigh.Rank() {
		i.inflight.Add(1)
		go func(ctx context.Context, e *models.Event) {
			defer i.inflight.Done()
			if err := i.processor.ProcessEvent(ctx, e); err != nil {
				i.logger.Error("automated analysis failed", "event_id", e.ID, "error", err)
			}
		}(context.WithoutCancel(ctx), event)
	}
	return event, nil
}

// Wait blocks until every background analysis started by Append has finished
func (i *Ingestor) Wait() {
	i.inflight.Wait()
}

// Query returns matching events newest-first and the total match count
func (i *Ingestor) Query(ctx context.Context, filter storage.EventFilter) ([]*models.Event, int, error) {
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, 0, apperr.Validation("invalid severity %q", filter.Severity).With("severity", filter.Severity)
	}
	events, total, err := i.repository.ListEvents(ctx, filter)
	if err != nil {
		return nil, 0, apperr.Internal(err, "failed to list events")
	}
	return events, total, nil
}

// Get returns the known events among ids
func (i *Ingestor) Get(ctx context.Context, ids []uuid.UUID) ([]*models.Event, error) {
	events, err := i.repository.GetEventsByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load events")
	}
	return events, nil
}

func (i *Ingestor) validateEvent(event *models.Event) error {
	err := i.validate.Struct(event)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Internal(err, "failed to validate event")
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	sort.Strings(fields)
	return apperr.Validation("invalid event: %s", strings.Join(fields, ", ")).With("fields", fields)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
