package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrQuoteMissing       = errors.New("quote missing")
	ErrInvalidInstrument  = errors.New("invalid instrument")
)

// Tier names one of the three alert bands of an instrument.
type Tier string

const (
	QuickEntry  Tier = "quick_entry"
	SwingTrade  Tier = "swing_trade"
	LoadTheBoat Tier = "load_the_boat"
)

// Tiers lists the bands in evaluation order, lowest price first.
var Tiers = []Tier{LoadTheBoat, SwingTrade, QuickEntry}

// DisplayName returns the human readable tier name used in messages.
func (t Tier) DisplayName() string {
	switch t {
	case QuickEntry:
		return "Quick Entry"
	case SwingTrade:
		return "Swing Trade"
	case LoadTheBoat:
		return "Load The Boat"
	default:
		return string(t)
	}
}

// Threshold is a target price and whether it has been hit this period.
type Threshold struct {
	Price float64 `json:"price"`
	Hit   bool    `json:"hit"`
}

// TrackedInstrument represents a user's price levels for one stock or coin in one period
type TrackedInstrument struct {
	ID           string    `json:"id" db:"id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	TickerSymbol string    `json:"ticker_symbol" db:"ticker_symbol"`
	IsCrypto     bool      `json:"is_crypto" db:"is_crypto"`
	QuickEntry   Threshold `json:"quick_entry"`
	SwingTrade   Threshold `json:"swing_trade"`
	LoadTheBoat  Threshold `json:"load_the_boat"`
	PeriodMonth  string    `json:"period_month" db:"period_month"`
	PeriodYear   int       `json:"period_year" db:"period_year"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Threshold returns the threshold stored for tier.
func (i *TrackedInstrument) Threshold(t Tier) Threshold {
	switch t {
	case QuickEntry:
		return i.QuickEntry
	case SwingTrade:
		return i.SwingTrade
	default:
		return i.LoadTheBoat
	}
}

// MarkHit sets the hit flag for tier. Flags are never cleared here.
func (i *TrackedInstrument) MarkHit(t Tier) {
	switch t {
	case QuickEntry:
		i.QuickEntry.Hit = true
	case SwingTrade:
		i.SwingTrade.Hit = true
	case LoadTheBoat:
		i.LoadTheBoat.Hit = true
	}
}

// Eligible reports whether at least one threshold is still unhit.
func (i *TrackedInstrument) Eligible() bool {
	return !i.QuickEntry.Hit || !i.SwingTrade.Hit || !i.LoadTheBoat.Hit
}

// Validate checks the fields the polling pipeline depends on.
func (i *TrackedInstrument) Validate() error {
	if i.ID == "" {
		return NewValidationError("id", i.ID, "must not be empty")
	}
	if strings.TrimSpace(i.TickerSymbol) == "" {
		return NewValidationError("ticker_symbol", i.TickerSymbol, "must not be empty")
	}
	for _, t := range Tiers {
		p := i.Threshold(t).Price
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return NewValidationError(string(t)+"_price", p, "must be a positive number")
		}
	}
	return nil
}

// HitUpdate carries the three price/hit pairs written back after evaluation.
type HitUpdate struct {
	QuickEntry  Threshold `json:"quick_entry"`
	SwingTrade  Threshold `json:"swing_trade"`
	LoadTheBoat Threshold `json:"load_the_boat"`
}

// HitUpdateFor builds the partial update for inst.
func HitUpdateFor(inst TrackedInstrument) HitUpdate {
	return HitUpdate{
		QuickEntry:  inst.QuickEntry,
		SwingTrade:  inst.SwingTrade,
		LoadTheBoat: inst.LoadTheBoat,
	}
}

// Quote is a point-in-time market price. It is never persisted.
type Quote struct {
	LastPrice float64 `json:"last_price"`
	DayLow    float64 `json:"day_low"`
}

// Complete reports whether both prices are usable.
func (q Quote) Complete() bool {
	valid := func(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0 }
	return valid(q.LastPrice) && valid(q.DayLow)
}

// CrossingEvent is emitted once for each threshold that became hit during an evaluation
type CrossingEvent struct {
	InstrumentID   string  `json:"instrument_id"`
	OwnerID        string  `json:"owner_id"`
	Tier           Tier    `json:"tier"`
	ThresholdPrice float64 `json:"threshold_price"`
	TickerSymbol   string  `json:"ticker_symbol"`
	PeriodMonth    string  `json:"period_month"`
	PeriodYear     int     `json:"period_year"`
}

// Contact is a resolved notification destination.
type Contact struct {
	Channel string `json:"channel" yaml:"channel"`
	Address string `json:"address" yaml:"address"`
}

// ValidationError describes a malformed instrument field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInstrument
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}
