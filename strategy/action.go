package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/types"
)

// ActionType enumerates decision outcomes
type ActionType string

const (
	ActionNone    ActionType = "NONE"
	ActionEnter   ActionType = "ENTER"
	ActionExit    ActionType = "EXIT"
	ActionFlip    ActionType = "FLIP" // exit, then a fresh entry decision
	ActionTighten ActionType = "TIGHTEN"
)

// Reason is a stable machine-readable code attached to every action
type Reason string

const (
	ReasonOracleUnavailable   Reason = "oracle unavailable"
	ReasonPriceUnavailable    Reason = "price unavailable"
	ReasonBalanceUnavailable  Reason = "balance unavailable"
	ReasonMissingSwing        Reason = "missing swing level"
	ReasonDegenerateStop      Reason = "degenerate stop"
	ReasonInsufficientSize    Reason = "insufficient size"
	ReasonTrendNotAligned     Reason = "trend not aligned"
	ReasonDeviationRequired   Reason = "deviation required"
	ReasonAlreadyPositioned   Reason = "already positioned"
	ReasonNoPosition          Reason = "no position"
	ReasonOrderFailed         Reason = "order failed"
	ReasonExitPrecedence      Reason = "exit precedence"
	ReasonCircuitOpen         Reason = "circuit open"
	ReasonHigherTrendFlip     Reason = "higher trend flip"
	ReasonLowerReversal       Reason = "lower trend reversal"
	ReasonBreakoutFailed      Reason = "breakout failed"
	ReasonBreakoutHolding     Reason = "breakout holding"
	ReasonManualClose         Reason = "manual close"
	ReasonTrendUpdated        Reason = "trend updated"
	ReasonSwingUpdated        Reason = "swing updated"
	ReasonStopTightened       Reason = "stop tightened"
	ReasonStopNotImproved     Reason = "stop not improved"
	ReasonConflictingContinue Reason = "conflicting continuation"
	ReasonEntered             Reason = "entered"
	ReasonFlipped             Reason = "flipped"
)

// Action is the single output of a decision.
// It is built fresh per signal and never persisted.
type Action struct {
	Type      ActionType      `json:"type"`
	Direction types.Direction `json:"direction,omitempty"`
	Size      decimal.Decimal `json:"size"`
	StopPrice decimal.Decimal `json:"stop_price"`
	Reason    Reason          `json:"reason"`
	Detail    string          `json:"detail,omitempty"`
}

// NoAction carries the reason nothing was done
func NoAction(reason Reason, detail string) Action {
	return Action{Type: ActionNone, Reason: reason, Detail: detail}
}

// Enter opens a position in d
func Enter(d types.Direction, size, stop decimal.Decimal) Action {
	return Action{Type: ActionEnter, Direction: d, Size: size, StopPrice: stop, Reason: ReasonEntered}
}

// Exit closes whatever is open
func Exit(reason Reason, detail string) Action {
	return Action{Type: ActionExit, Reason: reason, Detail: detail}
}

// Flip closes the open position and enters d
func Flip(d types.Direction, size, stop decimal.Decimal, reason Reason) Action {
	return Action{Type: ActionFlip, Direction: d, Size: size, StopPrice: stop, Reason: reason}
}

// Tighten moves the protective stop of the open position
func Tighten(stop decimal.Decimal) Action {
	return Action{Type: ActionTighten, StopPrice: stop, Reason: ReasonStopTightened}
}

// OpensPosition reports whether executing the action may create a position
func (a Action) OpensPosition() bool {
	return a.Type == ActionEnter || a.Type == ActionFlip
}

// ClosesPosition reports whether executing the action closes a position
func (a Action) ClosesPosition() bool {
	return a.Type == ActionExit || a.Type == ActionFlip
}
