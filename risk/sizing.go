package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - One policy, selected at startup
// ═══════════════════════════════════════════════════════════════════════════════
//
//   fixed_fraction: floor(balance * fraction * leverage / entry)
//   risk_per_trade: floor(balance * riskFraction / |entry - stop|)
//   full_account:   floor(balance * leverage / entry)
//
// Sizes are whole contracts.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInsufficientSize means the computed size rounds to zero or less
var ErrInsufficientSize = errors.New("insufficient size")

// PolicyKind names a sizing formula
type PolicyKind string

const (
	PolicyFixedFraction PolicyKind = "fixed_fraction"
	PolicyRiskPerTrade  PolicyKind = "risk_per_trade"
	PolicyFullAccount   PolicyKind = "full_account"
)

// SizingPolicy is configuration, not code: the formula is picked by Kind
type SizingPolicy struct {
	Kind         PolicyKind      `json:"kind" yaml:"kind"`
	Fraction     decimal.Decimal `json:"fraction" yaml:"fraction"`
	Leverage     decimal.Decimal `json:"leverage" yaml:"leverage"`
	RiskFraction decimal.Decimal `json:"risk_fraction" yaml:"risk_fraction"`
}

// FixedFractionOfBalance commits fraction of the balance at the given leverage
func FixedFractionOfBalance(fraction, leverage decimal.Decimal) SizingPolicy {
	return SizingPolicy{Kind: PolicyFixedFraction, Fraction: fraction, Leverage: leverage}
}

// RiskPerTrade loses riskFraction of the balance if the stop is hit
func RiskPerTrade(riskFraction decimal.Decimal) SizingPolicy {
	return SizingPolicy{Kind: PolicyRiskPerTrade, RiskFraction: riskFraction}
}

// FullAccount commits the whole balance at the given leverage
func FullAccount(leverage decimal.Decimal) SizingPolicy {
	return SizingPolicy{Kind: PolicyFullAccount, Leverage: leverage}
}

// ParsePolicy builds a policy from its configured name
func ParsePolicy(kind string, fraction, riskFraction, leverage decimal.Decimal) (SizingPolicy, error) {
	var p SizingPolicy
	switch PolicyKind(strings.ToLower(strings.TrimSpace(kind))) {
	case PolicyFixedFraction:
		p = FixedFractionOfBalance(fraction, leverage)
	case PolicyRiskPerTrade:
		p = RiskPerTrade(riskFraction)
	case PolicyFullAccount:
		p = FullAccount(leverage)
	default:
		return SizingPolicy{}, fmt.Errorf("unknown sizing policy %q", kind)
	}
	return p, p.Validate()
}

// Validate checks the parameters the selected formula uses
func (p SizingPolicy) Validate() error {
	switch p.Kind {
	case PolicyFixedFraction:
		if !p.Fraction.IsPositive() || p.Fraction.GreaterThan(one) {
			return fmt.Errorf("fixed_fraction: fraction %s must be in (0,1]", p.Fraction)
		}
		if !p.Leverage.IsPositive() {
			return fmt.Errorf("fixed_fraction: leverage %s must be positive", p.Leverage)
		}
	case PolicyRiskPerTrade:
		if !p.RiskFraction.IsPositive() || p.RiskFraction.GreaterThan(one) {
			return fmt.Errorf("risk_per_trade: risk fraction %s must be in (0,1]", p.RiskFraction)
		}
	case PolicyFullAccount:
		if !p.Leverage.IsPositive() {
			return fmt.Errorf("full_account: leverage %s must be positive", p.Leverage)
		}
	default:
		return fmt.Errorf("unknown sizing policy %q", p.Kind)
	}
	return nil
}

// ComputeSize returns whole contracts for an entry.
// A zero result is reported as ErrInsufficientSize, never as a valid size.
func ComputeSize(balance, entry, stop decimal.Decimal, p SizingPolicy) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidEntry, entry)
	}

	var size decimal.Decimal
	switch p.Kind {
	case PolicyFixedFraction:
		size = balance.Mul(p.Fraction).Mul(p.Leverage).Div(entry)
	case PolicyRiskPerTrade:
		distance := entry.Sub(stop).Abs()
		if distance.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: entry equals stop (%s)", ErrDegenerateStop, entry)
		}
		size = balance.Mul(p.RiskFraction).Div(distance)
	case PolicyFullAccount:
		size = balance.Mul(p.Leverage).Div(entry)
	default:
		return decimal.Zero, fmt.Errorf("unknown sizing policy %q", p.Kind)
	}

	size = size.Floor()
	if !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: balance %s entry %s", ErrInsufficientSize, balance, entry)
	}
	return size, nil
}

// RiskAmount returns the quote amount lost if the stop is hit
func RiskAmount(size, entry, stop decimal.Decimal) decimal.Decimal {
	return size.Mul(entry.Sub(stop).Abs())
}

// RiskPercentage returns RiskAmount as % of balance
func RiskPercentage(size, entry, stop, balance decimal.Decimal) decimal.Decimal {
	if balance.IsZero() {
		return decimal.Zero
	}
	return RiskAmount(size, entry, stop).Div(balance).Mul(decimal.NewFromInt(100))
}
