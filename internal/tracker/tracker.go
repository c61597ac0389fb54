// Package tracker runs polling cycles: list eligible instruments, quote
// them, record newly crossed thresholds and send the alerts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricealerts/internal/evaluator"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/notify"
	"pricealerts/internal/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoContacts = errors.New("owner has no contacts")

// InstrumentStore is the part of the tracking store a cycle uses.
type InstrumentStore interface {
	ListEligible(ctx context.Context, pageSize int) ([]*models.TrackedInstrument, error)
	ApplyHitUpdate(ctx context.Context, id string, upd models.HitUpdate) error
}

// QuoteFetcher returns a quote, or ok == false when none is available.
type QuoteFetcher interface {
	Fetch(ctx context.Context, ticker, displayName string, isCrypto bool) (models.Quote, bool, error)
}

// Notifier delivers crossings to contacts.
type Notifier interface {
	Dispatch(ctx context.Context, events []models.CrossingEvent, contacts []models.Contact) []notify.Outcome
}

// Status is the terminal state of a cycle.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
)

// FailureKind classifies a soft failure.
type FailureKind string

const (
	FailureQuote    FailureKind = "quote"
	FailureData     FailureKind = "data"
	FailureStore    FailureKind = "store"
	FailureContacts FailureKind = "contacts"
	FailureDispatch FailureKind = "dispatch"
	FailureInternal FailureKind = "internal"
)

// Failure records one soft failure within a cycle.
type Failure struct {
	InstrumentID string
	Ticker       string
	Kind         FailureKind
	Err          error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s (%s): %v", f.Kind, f.Ticker, f.InstrumentID, f.Err)
}

// CycleReport summarises one polling cycle.
type CycleReport struct {
	CycleID   string
	Status    Status
	Eligible  int
	Updated   int
	Crossings []models.CrossingEvent
	Failures  []Failure
	Started   time.Time
	Finished  time.Time
}

// FailureCount returns the number of failures of kind.
func (r *CycleReport) FailureCount(kind FailureKind) int {
	n := 0
	for _, f := range r.Failures {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Options tunes a Tracker.
type Options struct {
	PageSize     int
	Concurrency  int
	StoreTimeout time.Duration
}

// Tracker is the polling orchestrator. It holds no state between cycles,
// so cycles may overlap.
type Tracker struct {
	store     InstrumentStore
	quotes    QuoteFetcher
	notifier  Notifier
	directory notify.Directory
	opts      Options
}

func New(store InstrumentStore, quotes QuoteFetcher, notifier Notifier, directory notify.Directory, opts Options) *Tracker {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Tracker{
		store:     store,
		quotes:    quotes,
		notifier:  notifier,
		directory: directory,
		opts:      opts,
	}
}

type instrumentResult struct {
	updated   bool
	crossings []models.CrossingEvent
	failures  []Failure
}

// RunCycle performs one polling cycle. It returns an error only when the
// eligible instruments cannot be listed, in which case no instrument is
// touched. Every per-instrument problem is reported in the CycleReport.
func (t *Tracker) RunCycle(ctx context.Context) (*CycleReport, error) {
	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(ctx, "RunCycle")
	defer span.End()

	report := &CycleReport{
		CycleID: uuid.New().String(),
		Started: time.Now(),
	}
	log := logger.Log.With(zap.String("cycle_id", report.CycleID))
	span.SetAttributes(attribute.String("cycle_id", report.CycleID))

	instruments, err := t.store.ListEligible(ctx, t.opts.PageSize)
	if err != nil {
		cyclesTotal.WithLabelValues("fatal").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing failed")
		log.Error("Failed to list eligible instruments, aborting cycle", zap.Error(err))
		return nil, fmt.Errorf("list eligible instruments: %w", err)
	}
	report.Eligible = len(instruments)
	log.Info("Polling cycle started", zap.Int("eligible", len(instruments)))

	results := make([]instrumentResult, len(instruments))

	var g errgroup.Group
	g.SetLimit(t.opts.Concurrency)
	for i, inst := range instruments {
		g.Go(func() error {
			results[i] = t.processSafely(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.updated {
			report.Updated++
		}
		report.Crossings = append(report.Crossings, r.crossings...)
		report.Failures = append(report.Failures, r.failures...)
	}

	report.Finished = time.Now()
	report.Status = StatusSuccess
	if len(report.Failures) > 0 {
		report.Status = StatusPartialFailure
	}

	observeCycle(report)
	span.SetAttributes(
		attribute.Int("eligible", report.Eligible),
		attribute.Int("crossings", len(report.Crossings)),
		attribute.Int("failures", len(report.Failures)),
	)

	log.Info("Polling cycle finished",
		zap.String("status", string(report.Status)),
		zap.Int("eligible", report.Eligible),
		zap.Int("updated", report.Updated),
		zap.Int("crossings", len(report.Crossings)),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("duration", report.Finished.Sub(report.Started)),
	)

	return report, nil
}

// processSafely converts a panic in one instrument into a failure record.
func (t *Tracker) processSafely(ctx context.Context, inst *models.TrackedInstrument) (res instrumentResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Panic while processing instrument",
				zap.String("instrument_id", inst.ID),
				zap.Any("panic", r),
			)
			res.failures = append(res.failures, Failure{
				InstrumentID: inst.ID,
				Ticker:       inst.TickerSymbol,
				Kind:         FailureInternal,
				Err:          fmt.Errorf("panic: %v", r),
			})
		}
	}()
	return t.process(ctx, inst)
}

func (t *Tracker) process(ctx context.Context, inst *models.TrackedInstrument) instrumentResult {
	var res instrumentResult

	tracer := otel.Tracer(tracing.TracerName)
	ctx, span := tracer.Start(ctx, "ProcessInstrument")
	defer span.End()
	span.SetAttributes(
		attribute.String("instrument_id", inst.ID),
		attribute.String("ticker", inst.TickerSymbol),
	)

	log := logger.Log.With(
		zap.String("instrument_id", inst.ID),
		zap.String("ticker", inst.TickerSymbol),
	)
	fail := func(kind FailureKind, err error) instrumentResult {
		span.RecordError(err)
		res.failures = append(res.failures, Failure{
			InstrumentID: inst.ID,
			Ticker:       inst.TickerSymbol,
			Kind:         kind,
			Err:          err,
		})
		return res
	}

	if err := inst.Validate(); err != nil {
		log.Error("Skipping malformed instrument", zap.Error(err))
		return fail(FailureData, err)
	}

	q, ok, err := t.quotes.Fetch(ctx, inst.TickerSymbol, inst.DisplayName, inst.IsCrypto)
	if err != nil {
		log.Warn("Quote fetch failed, skipping instrument", zap.Error(err))
		return fail(FailureQuote, err)
	}
	if !ok {
		log.Warn("No quote found, skipping instrument", zap.String("display_name", inst.DisplayName))
		return fail(FailureQuote, models.ErrQuoteMissing)
	}

	updated, events := evaluator.Evaluate(*inst, q)
	log.Debug("Evaluated instrument",
		zap.Float64("last_price", q.LastPrice),
		zap.Float64("day_low", q.DayLow),
		zap.Int("crossings", len(events)),
	)
	if len(events) == 0 {
		return res
	}

	// the flag is persisted before anything is sent
	storeCtx, cancel := context.WithTimeout(ctx, t.opts.StoreTimeout)
	err = t.store.ApplyHitUpdate(storeCtx, inst.ID, models.HitUpdateFor(updated))
	cancel()
	if err != nil {
		log.Error("Failed to persist hit flags, alerts deferred to next cycle", zap.Error(err))
		return fail(FailureStore, err)
	}
	res.updated = true
	res.crossings = events
	for _, ev := range events {
		crossingsTotal.WithLabelValues(string(ev.Tier)).Inc()
		log.Info("Threshold crossed",
			zap.String("tier", string(ev.Tier)),
			zap.Float64("threshold", ev.ThresholdPrice),
		)
	}

	contacts, err := t.directory.Contacts(ctx, inst.OwnerID)
	if err != nil {
		log.Error("Failed to resolve contacts, alerts lost", zap.Error(err))
		return fail(FailureContacts, err)
	}
	if len(contacts) == 0 {
		log.Warn("Owner has no contacts, alerts lost", zap.String("owner_id", inst.OwnerID))
		return fail(FailureContacts, ErrNoContacts)
	}

	for _, o := range notify.Failed(t.notifier.Dispatch(ctx, events, contacts)) {
		fail(FailureDispatch, fmt.Errorf("%s to %s: %w", o.Event.Tier, o.Contact.Channel, o.Err))
	}

	return res
}
