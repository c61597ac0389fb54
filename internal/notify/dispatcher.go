// Package notify turns threshold crossings into messages and delivers them
// to each of an owner's contacts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var ErrNoTransport = errors.New("no transport for channel")

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alert_notifications_total",
		Help: "Alert notifications by channel and result",
	},
	[]string{"channel", "result"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// Claimer records that an alert was handed to a contact. cache.Client
// implements it with Redis SETNX.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Outcome is the result of one send of one event to one contact.
type Outcome struct {
	Event     models.CrossingEvent
	Contact   models.Contact
	Duplicate bool
	Err       error
}

// Options configures a Dispatcher.
type Options struct {
	Production bool
	Timeout    time.Duration
	Claimer    Claimer
	ClaimTTL   time.Duration
}

// Dispatcher sends one message per crossing per contact. Sends are
// independent and never retried.
type Dispatcher struct {
	transports map[string]Transport
	production bool
	timeout    time.Duration
	claimer    Claimer
	claimTTL   time.Duration
}

func NewDispatcher(transports map[string]Transport, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 45 * 24 * time.Hour
	}
	return &Dispatcher{
		transports: transports,
		production: opts.Production,
		timeout:    opts.Timeout,
		claimer:    opts.Claimer,
		claimTTL:   opts.ClaimTTL,
	}
}

// Dispatch delivers every event to every contact and returns one outcome
// per (event, contact) pair in event-major order.
func (d *Dispatcher) Dispatch(ctx context.Context, events []models.CrossingEvent, contacts []models.Contact) []Outcome {
	outcomes := make([]Outcome, len(events)*len(contacts))

	var wg sync.WaitGroup
	for i, ev := range events {
		msg := FormatMessage(ev, d.production)
		for j, c := range contacts {
			idx := i*len(contacts) + j
			outcomes[idx] = Outcome{Event: ev, Contact: c}

			wg.Add(1)
			go func(o *Outcome, msg string) {
				defer wg.Done()
				o.Duplicate, o.Err = d.deliver(ctx, o.Event, o.Contact, msg)
			}(&outcomes[idx], msg)
		}
	}
	wg.Wait()

	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, ev models.CrossingEvent, c models.Contact, msg string) (bool, error) {
	log := logger.Log.With(
		zap.String("instrument_id", ev.InstrumentID),
		zap.String("ticker", ev.TickerSymbol),
		zap.String("tier", string(ev.Tier)),
		zap.String("channel", c.Channel),
	)

	t, ok := d.transports[c.Channel]
	if !ok {
		notificationsTotal.WithLabelValues(c.Channel, "no_transport").Inc()
		log.Warn("No transport configured for contact channel")
		return false, fmt.Errorf("%w %q", ErrNoTransport, c.Channel)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.claimer != nil {
		claimed, err := d.claimer.Claim(callCtx, ClaimKey(ev, c), d.claimTTL)
		if err != nil {
			// without a claim store we still send: a duplicate beats a lost alert
			log.Warn("Alert claim failed, sending anyway", zap.Error(err))
		} else if !claimed {
			notificationsTotal.WithLabelValues(c.Channel, "duplicate").Inc()
			log.Info("Alert already delivered, skipping")
			return true, nil
		}
	}

	if err := t.Send(callCtx, c.Address, msg); err != nil {
		notificationsTotal.WithLabelValues(c.Channel, "error").Inc()
		log.Error("Failed to send alert", zap.Error(err))
		return false, err
	}

	notificationsTotal.WithLabelValues(c.Channel, "sent").Inc()
	log.Info("Alert sent")
	return false, nil
}

// ClaimKey identifies one delivery of one crossing to one contact.
func ClaimKey(ev models.CrossingEvent, c models.Contact) string {
	return "alert_sent:" + ev.InstrumentID + ":" + string(ev.Tier) + ":" +
		ev.PeriodMonth + ":" + strconv.Itoa(ev.PeriodYear) + ":" + c.Channel + ":" + c.Address
}

// Failed returns the outcomes that carry an error.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}
