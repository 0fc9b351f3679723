package risk

import (
	"errors"
	"testing"
)

func TestRiskPerTradeSize(t *testing.T) {
	size, err := ComputeSize(d("1000"), d("10"), d("9.9"), RiskPerTrade(d("0.01")))
	if err != nil {
		t.Fatalf("compute size: %v", err)
	}
	if !size.Equal(d("100")) {
		t.Fatalf("size = %s, want 100", size)
	}
}

func TestFixedFractionAndFullAccount(t *testing.T) {
	size, err := ComputeSize(d("1000"), d("3"), d("2.9"), FixedFractionOfBalance(d("0.5"), d("3")))
	if err != nil {
		t.Fatalf("fixed fraction: %v", err)
	}
	if !size.Equal(d("500")) {
		t.Fatalf("fixed fraction size = %s, want 500", size)
	}

	size, err = ComputeSize(d("100"), d("7"), d("6"), FullAccount(d("2")))
	if err != nil {
		t.Fatalf("full account: %v", err)
	}
	if !size.Equal(d("28")) {
		t.Fatalf("full account size = %s, want floor(28.57)=28", size)
	}
}

func TestComputeSizeErrors(t *testing.T) {
	if _, err := ComputeSize(d("1"), d("65000"), d("64000"), FullAccount(d("1"))); !errors.Is(err, ErrInsufficientSize) {
		t.Fatalf("expected ErrInsufficientSize, got %v", err)
	}
	if _, err := ComputeSize(d("1000"), d("10"), d("10"), RiskPerTrade(d("0.01"))); !errors.Is(err, ErrDegenerateStop) {
		t.Fatalf("expected ErrDegenerateStop, got %v", err)
	}
	if _, err := ComputeSize(d("1000"), d("0"), d("9"), RiskPerTrade(d("0.01"))); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Risk_Per_Trade ", d("0"), d("0.02"), d("3"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Kind != PolicyRiskPerTrade || !p.RiskFraction.Equal(d("0.02")) {
		t.Fatalf("unexpected policy %+v", p)
	}
	if _, err := ParsePolicy("martingale", d("1"), d("1"), d("1")); err == nil {
		t.Fatalf("unknown policy must fail")
	}
	if _, err := ParsePolicy("fixed_fraction", d("1.5"), d("0"), d("3")); err == nil {
		t.Fatalf("fraction above 1 must fail")
	}
	if _, err := ParsePolicy("full_account", d("0"), d("0"), d("0")); err == nil {
		t.Fatalf("zero leverage must fail")
	}
}

func TestRiskPercentage(t *testing.T) {
	pct := RiskPercentage(d("100"), d("10"), d("9.9"), d("1000"))
	if !pct.Equal(d("1")) {
		t.Fatalf("risk pct = %s, want 1", pct)
	}
}
