package service

import (
	"context"
	"sync"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/capi"
	"github.com/ComUnity/attribution-pixel/internal/metrics"
	"github.com/ComUnity/attribution-pixel/internal/models"
	"github.com/ComUnity/attribution-pixel/internal/util"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

// Submitter is satisfied by *capi.Forwarder.
type Submitter interface {
	Submit(ctx context.Context, ev capi.Event) (capi.Result, error)
}

const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
)

// ConversionDispatcher forwards conversion-class events to each account's
// ad platform through a fixed pool of workers. Submissions are never retried.
type ConversionDispatcher struct {
	forwarders map[string]Submitter
	jobs       chan models.StoredEvent
	workers    int
	timeout    time.Duration
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// OnResult observes every finished submission.
	OnResult func(ev models.StoredEvent, res capi.Result)
}

// NewConversionDispatcher routes by account id. forwarders may be empty, in
// which case every Dispatch is a no-op.
func NewConversionDispatcher(forwarders map[string]Submitter, workers, queue int, m *metrics.Metrics) *ConversionDispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	return &ConversionDispatcher{
		forwarders: forwarders,
		jobs:       make(chan models.StoredEvent, queue),
		workers:    workers,
		timeout:    15 * time.Second,
		metrics:    m,
	}
}

func (d *ConversionDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Dispatch queues ev without blocking. It reports false when ev is not a
// conversion, its account has no forwarder, or the queue is full.
func (d *ConversionDispatcher) Dispatch(ev models.StoredEvent) bool {
	if !models.IsConversion(ev.EventName) {
		return false
	}
	if _, ok := d.forwarders[ev.AccountID]; !ok {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- ev:
		d.metrics.SetConversionQueue(len(d.jobs))
		return true
	default:
		logger.Warn("conversion queue full, dropping %s %s", ev.EventName, ev.EventID)
		d.metrics.ConversionSkipped("dropped")
		return false
	}
}

// Stop closes the queue and waits for the workers to drain it.
func (d *ConversionDispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("conversion dispatcher stopped with %d queued", len(d.jobs))
	}
}

func (d *ConversionDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for ev := range d.jobs {
		d.metrics.SetConversionQueue(len(d.jobs))
		d.forward(ctx, ev)
	}
}

func (d *ConversionDispatcher) forward(ctx context.Context, ev models.StoredEvent) {
	f := d.forwarders[ev.AccountID]
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	start := time.Now()
	res, err := f.Submit(ctx, BuildConversionEvent(ev))
	outcome := OutcomeSuccess
	switch {
	case err != nil:
		outcome = OutcomeInvalid
		res = capi.Result{Error: err.Error()}
	case !res.Success:
		outcome = OutcomeRejected
	}
	d.metrics.Forwarded(outcome, time.Since(start))

	if outcome == OutcomeSuccess {
		logger.Debug("conversion %s %s forwarded for account %s", ev.EventName, ev.EventID, ev.AccountID)
	} else {
		logger.Warn("conversion %s %s for account %s not accepted: %s (em=%s)",
			ev.EventName, ev.EventID, ev.AccountID, res.Error, util.MaskEmail(ev.UserData["em"]))
	}
	if d.OnResult != nil {
		d.OnResult(ev, res)
	}
}

// BuildConversionEvent maps a stored browser event onto a forwarder event.
// The event id is carried through unchanged so the platform can merge the
// browser and server copies.
func BuildConversionEvent(ev models.StoredEvent) capi.Event {
	ud := capi.UserDataFromMap(ev.UserData)
	ud.ClientIP = ev.ClientIP
	ud.ClientUserAgent = ev.UserAgent
	if ud.ClientUserAgent == "" {
		ud.ClientUserAgent = ev.DeviceInfo["userAgent"]
	}
	ud.FBP = ev.ClickIDs["fbp"]
	ud.FBC = ev.ClickIDs["fbc"]

	return capi.Event{
		EventName:      ev.EventName,
		EventID:        ev.EventID,
		EventTime:      ev.Timestamp,
		EventSourceURL: ev.PageURL,
		ActionSource:   capi.ActionSourceWebsite,
		UserData:       ud,
		CustomData:     ev.CustomPayload,
	}
}
