package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL - Canonical form of an inbound alert
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every trigger (webhook, monitor timer, admin) is reduced to a Signal and
// fed through the same serialized decision path.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Timeframe is the analysis tier that produced a signal
type Timeframe string

const (
	Lower  Timeframe = "LOWER"
	Higher Timeframe = "HIGHER"
)

// Kind is what the signal asserts
type Kind string

const (
	Break        Kind = "BREAK"
	Continuation Kind = "CONTINUATION"
	Update       Kind = "UPDATE"
	// Check is the periodic breakout re-validation; never produced by the classifier
	Check Kind = "CHECK"
	// Manual marks administrative overrides (close, set trend, reset)
	Manual Kind = "MANUAL"
)

// Source identifies the trigger that produced a signal
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceMonitor Source = "monitor"
	SourceAdmin   Source = "admin"
)

// Signal is immutable once classified
type Signal struct {
	Timeframe  Timeframe           `json:"timeframe,omitempty"`
	Kind       Kind                `json:"kind"`
	Direction  types.Direction     `json:"direction"`
	Price      decimal.Decimal     `json:"price"`
	SwingLow   decimal.NullDecimal `json:"swing_low"`
	SwingHigh  decimal.NullDecimal `json:"swing_high"`
	Raw        string              `json:"raw,omitempty"`
	Source     Source              `json:"source"`
	ReceivedAt time.Time           `json:"received_at"`
}

// NewCheckSignal builds the re-validation signal used by the monitor and /check
func NewCheckSignal(source Source) Signal {
	return Signal{
		Kind:       Check,
		Direction:  types.None,
		Source:     source,
		ReceivedAt: time.Now(),
	}
}

// NewManualSignal labels an administrative override
func NewManualSignal(raw string) Signal {
	return Signal{
		Kind:       Manual,
		Direction:  types.None,
		Raw:        raw,
		Source:     SourceAdmin,
		ReceivedAt: time.Now(),
	}
}

// HasSwings reports whether the signal carries any structural level
func (s Signal) HasSwings() bool {
	return s.SwingLow.Valid || s.SwingHigh.Valid
}

// String renders the signal for logs
func (s Signal) String() string {
	var b strings.Builder
	if s.Timeframe != "" {
		b.WriteString(string(s.Timeframe))
		b.WriteByte(' ')
	}
	b.WriteString(string(s.Kind))
	if s.Direction.Valid() {
		fmt.Fprintf(&b, "(%s)", s.Direction)
	}
	if !s.Price.IsZero() {
		fmt.Fprintf(&b, " @%s", s.Price.String())
	}
	return b.String()
}
