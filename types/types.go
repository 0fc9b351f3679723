package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction is a trend or signal direction
type Direction string

const (
	Bull Direction = "BULL"
	Bear Direction = "BEAR"
	None Direction = "NONE"
)

// Opposite returns the reverse direction (NONE stays NONE)
func (d Direction) Opposite() Direction {
	switch d {
	case Bull:
		return Bear
	case Bear:
		return Bull
	}
	return None
}

// Side maps a direction to the position side it would open
func (d Direction) Side() Side {
	switch d {
	case Bull:
		return Long
	case Bear:
		return Short
	}
	return Flat
}

// Valid reports whether d is BULL or BEAR
func (d Direction) Valid() bool {
	return d == Bull || d == Bear
}

// ParseDirection accepts BULL/BEAR/NONE as well as LONG/SHORT/FLAT, any case
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BULL", "LONG":
		return Bull, true
	case "BEAR", "SHORT":
		return Bear, true
	case "NONE", "FLAT", "":
		return None, true
	}
	return None, false
}

// Side is a net position side on the exchange
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
	Flat  Side = "FLAT"
)

// Direction returns the trend direction a side is aligned with
func (s Side) Direction() Direction {
	switch s {
	case Long:
		return Bull
	case Short:
		return Bear
	}
	return None
}

// Opposes reports whether the side is an open position against d
func (s Side) Opposes(d Direction) bool {
	return s != Flat && s != "" && d.Valid() && s.Direction() == d.Opposite()
}

// IsOpen reports whether the side is an open position
func (s Side) IsOpen() bool {
	return s == Long || s == Short
}

// LocalPosition is the best-effort cached view of our position.
// It is never authoritative; the exchange is.
type LocalPosition struct {
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	OpenedAt   time.Time       `json:"opened_at,omitempty"`
}

// FlatPosition is the empty local position
func FlatPosition() LocalPosition {
	return LocalPosition{Side: Flat}
}

// TrendState is the persisted aggregate for one instrument
type TrendState struct {
	Instrument   string              `json:"instrument"`
	HigherTrend  Direction           `json:"higher_trend"`
	LowerTrend   Direction           `json:"lower_trend"`
	HadDeviation bool                `json:"had_deviation"`
	SwingLow     decimal.NullDecimal `json:"swing_low"`
	SwingHigh    decimal.NullDecimal `json:"swing_high"`
	Position     LocalPosition       `json:"position"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// NewTrendState returns the initial (NONE, NONE, false) state
func NewTrendState(instrument string) TrendState {
	return TrendState{
		Instrument:  instrument,
		HigherTrend: None,
		LowerTrend:  None,
		Position:    FlatPosition(),
	}
}

// Normalize fills zero-valued enums left by older snapshots
func (s TrendState) Normalize() TrendState {
	if s.HigherTrend == "" {
		s.HigherTrend = None
	}
	if s.LowerTrend == "" {
		s.LowerTrend = None
	}
	if s.Position.Side == "" {
		s.Position.Side = Flat
	}
	return s
}

// SwingFor returns the swing level that anchors a stop for direction d:
// swing low for BULL entries, swing high for BEAR entries
func (s TrendState) SwingFor(d Direction) decimal.NullDecimal {
	switch d {
	case Bull:
		return s.SwingLow
	case Bear:
		return s.SwingHigh
	}
	return decimal.NullDecimal{}
}

// ExchangePosition is the authoritative position reported by the exchange
type ExchangePosition struct {
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	AvgEntry   decimal.Decimal `json:"avg_entry"`
}

// IsOpen reports whether the exchange holds a position
func (p ExchangePosition) IsOpen() bool {
	return p.Side.IsOpen() && p.Size.IsPositive()
}

// TradeRecord is one executed action in the trade journal
type TradeRecord struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Action     string          `json:"action"` // ENTER, EXIT, FLIP, TIGHTEN
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Reason     string          `json:"reason"`
	OrderID    string          `json:"order_id"`
	Timestamp  time.Time       `json:"timestamp"`
}
