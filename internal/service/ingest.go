package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ComUnity/attribution-pixel/internal/metrics"
	"github.com/ComUnity/attribution-pixel/internal/models"
	"github.com/ComUnity/attribution-pixel/internal/repository"
	"github.com/ComUnity/attribution-pixel/internal/telemetry"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

var (
	ErrInvalidEvent  = errors.New("invalid event")
	ErrEmptyBatch    = errors.New("batch contains no events")
	ErrBatchTooLarge = errors.New("batch exceeds the event limit")
)

const maxEventIDLength = 128

// Rejection reasons reported per event.
const (
	ReasonMissingAccountID = "missing_account_id"
	ReasonMissingEventName = "missing_event_name"
	ReasonMissingEventID   = "missing_event_id"
	ReasonEventIDTooLong   = "event_id_too_long"
	ReasonFraudScore       = "fraud_score"
)

// EventPublisher is satisfied by *telemetry.KafkaShipper.
type EventPublisher interface {
	PublishEvent(ev telemetry.EventRecord) bool
}

// Dispatcher is satisfied by *ConversionDispatcher.
type Dispatcher interface {
	Dispatch(ev models.StoredEvent) bool
}

type IngestConfig struct {
	DropThreshold  int
	MaxBatchEvents int
}

// IngestRequest is one collector POST.
type IngestRequest struct {
	Events     []models.TrackingEvent
	ClientIP   string
	UserAgent  string
	ReceivedAt time.Time
}

type EventError struct {
	Index   int    `json:"index"`
	EventID string `json:"eventId,omitempty"`
	Reason  string `json:"reason"`
}

// IngestResult is returned to the pixel. Duplicates are acknowledged so the
// pixel does not retry them.
type IngestResult struct {
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Rejected   int          `json:"rejected"`
	Errors     []EventError `json:"errors,omitempty"`
}

// IngestService validates, deduplicates and persists event batches, then
// fans accepted events out to the stream and the conversion dispatcher.
type IngestService struct {
	repo    repository.EventRepository
	dedup   Deduper
	pub     EventPublisher
	conv    Dispatcher
	metrics *metrics.Metrics
	cfg     IngestConfig
	tracer  trace.Tracer
	newID   func() string
}

// NewIngestService wires the ingest path. pub and conv may be nil.
func NewIngestService(
	repo repository.EventRepository,
	dedup Deduper,
	pub EventPublisher,
	conv Dispatcher,
	m *metrics.Metrics,
	cfg IngestConfig,
) *IngestService {
	if cfg.DropThreshold <= 0 {
		cfg.DropThreshold = 80
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = 500
	}
	return &IngestService{
		repo:    repo,
		dedup:   dedup,
		pub:     pub,
		conv:    conv,
		metrics: m,
		cfg:     cfg,
		tracer:  otel.Tracer("ingest"),
		newID:   func() string { return uuid.NewString() },
	}
}

func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	var res IngestResult
	n := len(req.Events)
	if n == 0 {
		return res, ErrEmptyBatch
	}
	if n > s.cfg.MaxBatchEvents {
		return res, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, n, s.cfg.MaxBatchEvents)
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}

	ctx, span := s.tracer.Start(ctx, "ingest.Batch", trace.WithAttributes(attribute.Int("events", n)))
	defer span.End()
	s.metrics.Batch(n)

	claimed := make([]models.StoredEvent, 0, n)
	for i, ev := range req.Events {
		s.metrics.Received(metricName(ev.EventName))
		if err := s.validate(&ev, req.ReceivedAt); err != nil {
			reason := strings.TrimPrefix(err.Error(), ErrInvalidEvent.Error()+": ")
			res.Rejected++
			res.Errors = append(res.Errors, EventError{Index: i, EventID: ev.EventID, Reason: reason})
			s.metrics.Rejected(reason)
			continue
		}
		ok, err := s.dedup.Claim(ctx, ev.EventID)
		if err != nil {
			logger.Warn("ingest: dedup claim for %s failed, accepting: %v", ev.EventID, err)
			ok = true
		}
		if !ok {
			res.Duplicates++
			s.metrics.Duplicate()
			continue
		}
		claimed = append(claimed, models.StoredEvent{
			TrackingEvent: ev,
			ID:            s.newID(),
			ClientIP:      req.ClientIP,
			UserAgent:     req.UserAgent,
			ReceivedAt:    req.ReceivedAt,
		})
	}
	if len(claimed) == 0 {
		return res, nil
	}

	inserted, err := s.repo.InsertEvents(ctx, claimed)
	if err != nil {
		s.release(ctx, claimed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return res, fmt.Errorf("persist events: %w", err)
	}
	// Rows the store already held are duplicates the claim window missed.
	skipped := len(claimed) - len(inserted)
	res.Accepted = len(inserted)
	res.Duplicates += skipped
	for i := 0; i < skipped; i++ {
		s.metrics.Duplicate()
	}
	span.SetAttributes(attribute.Int("accepted", len(inserted)))

	for _, ev := range inserted {
		s.metrics.Accepted(metricName(ev.EventName))
		if s.pub != nil {
			s.pub.PublishEvent(telemetry.NewEventRecord(ev))
		}
		if s.conv != nil {
			s.conv.Dispatch(ev)
		}
	}
	return res, nil
}

// release frees claims so the pixel's retry of a failed batch is not
// mistaken for a replay.
func (s *IngestService) release(ctx context.Context, events []models.StoredEvent) {
	for _, ev := range events {
		if err := s.dedup.Release(ctx, ev.EventID); err != nil {
			logger.Warn("ingest: release claim %s: %v", ev.EventID, err)
		}
	}
}

func (s *IngestService) validate(ev *models.TrackingEvent, receivedAt time.Time) error {
	ev.AccountID = strings.TrimSpace(ev.AccountID)
	ev.EventName = strings.TrimSpace(ev.EventName)
	ev.EventID = strings.TrimSpace(ev.EventID)
	switch {
	case ev.AccountID == "":
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ReasonMissingAccountID)
	case ev.EventName == "":
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ReasonMissingEventName)
	case ev.EventID == "":
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ReasonMissingEventID)
	case len(ev.EventID) > maxEventIDLength:
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ReasonEventIDTooLong)
	case ev.FraudScore > s.cfg.DropThreshold:
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ReasonFraudScore)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = receivedAt
	}
	return nil
}

// metricName bounds label cardinality to the standard event names.
func metricName(name string) string {
	switch name {
	case models.EventPageView, models.EventViewContent, models.EventAddToCart,
		models.EventInitiateCheckout, models.EventPurchase, models.EventLead,
		models.EventCompleteRegistration, models.EventSearch, models.EventSubscribe,
		models.EventSessionReplay:
		return name
	}
	return "custom"
}
