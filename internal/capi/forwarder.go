package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ComUnity/attribution-pixel/internal/models"
	"github.com/ComUnity/attribution-pixel/internal/util"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

const (
	DefaultBaseURL      = "https://graph.facebook.com"
	DefaultAPIVersion   = "v18.0"
	ActionSourceWebsite = "website"

	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

var (
	ErrMissingEventID     = errors.New("capi: event id is required")
	ErrMissingEventName   = errors.New("capi: event name is required")
	ErrMissingCredentials = errors.New("capi: pixel id and access token are required")
)

// Config identifies one pixel on the ad platform.
type Config struct {
	PixelID       string        `yaml:"pixel_id"`
	AccessToken   string        `yaml:"access_token"`
	APIVersion    string        `yaml:"api_version"`
	BaseURL       string        `yaml:"base_url"`
	TestEventCode string        `yaml:"test_event_code"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Event is one conversion to forward. EventID must be the id the browser
// sent for the same occurrence.
type Event struct {
	EventName      string
	EventID        string
	EventTime      time.Time
	EventSourceURL string
	ActionSource   string
	UserData       UserData
	CustomData     map[string]any
}

// Response is the platform's success body.
type Response struct {
	EventsReceived int      `json:"events_received"`
	Messages       []string `json:"messages"`
	FBTraceID      string   `json:"fbtrace_id"`
}

// Result is the outcome of one submission. Error holds the transport
// failure or the platform's message; Data is set on success only.
type Result struct {
	Success bool      `json:"success"`
	Data    *Response `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type platformError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

type requestBody struct {
	Data          []models.ConversionSubmission `json:"data"`
	TestEventCode string                        `json:"test_event_code,omitempty"`
}

// Forwarder submits conversions to the platform's conversions endpoint. It
// never retries; callers own retry policy.
type Forwarder struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
	log    *zap.SugaredLogger
}

// NewForwarder validates cfg. client nil uses a client with cfg.Timeout.
func NewForwarder(cfg Config, client *http.Client) (*Forwarder, error) {
	if strings.TrimSpace(cfg.PixelID) == "" || strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Forwarder{
		cfg:    cfg,
		http:   client,
		tracer: otel.Tracer("capi"),
		log:    logger.Named("capi"),
	}, nil
}

// PixelID returns the configured pixel.
func (f *Forwarder) PixelID() string {
	return f.cfg.PixelID
}

// Build renders ev as the submission record.
func (f *Forwarder) Build(ev Event) (models.ConversionSubmission, error) {
	if strings.TrimSpace(ev.EventID) == "" {
		return models.ConversionSubmission{}, ErrMissingEventID
	}
	if strings.TrimSpace(ev.EventName) == "" {
		return models.ConversionSubmission{}, ErrMissingEventName
	}
	eventTime := ev.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now()
	}
	source := ev.ActionSource
	if source == "" {
		source = ActionSourceWebsite
	}
	return models.ConversionSubmission{
		EventName:      ev.EventName,
		EventID:        ev.EventID,
		EventTime:      eventTime.Unix(),
		EventSourceURL: ev.EventSourceURL,
		ActionSource:   source,
		UserData:       ev.UserData.Payload(),
		CustomData:     ev.CustomData,
	}, nil
}

func (f *Forwarder) endpoint() string {
	return fmt.Sprintf("%s/%s/%s/events?access_token=%s",
		strings.TrimRight(f.cfg.BaseURL, "/"), f.cfg.APIVersion,
		url.PathEscape(f.cfg.PixelID), url.QueryEscape(f.cfg.AccessToken))
}

// Submit performs a single POST. The returned error is non-nil only for an
// event that cannot be built; delivery outcomes are reported in Result.
func (f *Forwarder) Submit(ctx context.Context, ev Event) (Result, error) {
	record, err := f.Build(ev)
	if err != nil {
		return Result{Error: err.Error()}, err
	}

	ctx, span := f.tracer.Start(ctx, "capi.Submit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("capi.pixel_id", f.cfg.PixelID),
		attribute.String("capi.event_name", record.EventName),
		attribute.String("capi.event_id", record.EventID),
		attribute.Bool("capi.test_mode", f.cfg.TestEventCode != ""),
	)

	body, err := json.Marshal(requestBody{
		Data:          []models.ConversionSubmission{record},
		TestEventCode: f.cfg.TestEventCode,
	})
	if err != nil {
		return f.fail(span, fmt.Errorf("marshal submission: %w", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint(), bytes.NewReader(body))
	if err != nil {
		return f.fail(span, err), nil
	}
	req.Header.Set("Content-Type", "application/json")

	f.log.Debugf("submitting %s %s (em=%s)", record.EventName, record.EventID, util.MaskEmail(ev.UserData.Email))
	resp, err := f.http.Do(req)
	if err != nil {
		return f.fail(span, f.redact(err)), nil
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return f.fail(span, fmt.Errorf("read response: %w", err)), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var pe platformError
		msg := fmt.Sprintf("platform responded %d", resp.StatusCode)
		if json.Unmarshal(raw, &pe) == nil && pe.Error.Message != "" {
			msg = pe.Error.Message
		}
		return f.fail(span, errors.New(msg)), nil
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return f.fail(span, fmt.Errorf("decode response: %w", err)), nil
	}
	span.SetStatus(codes.Ok, "")
	return Result{Success: true, Data: &out}, nil
}

func (f *Forwarder) fail(span trace.Span, err error) Result {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Result{Error: err.Error()}
}

// redact strips the access token from transport errors, which embed the URL.
func (f *Forwarder) redact(err error) error {
	msg := err.Error()
	for _, tok := range []string{url.QueryEscape(f.cfg.AccessToken), f.cfg.AccessToken} {
		if tok != "" {
			msg = strings.ReplaceAll(msg, tok, "REDACTED")
		}
	}
	return errors.New(msg)
}
