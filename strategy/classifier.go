package strategy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/types"
)

// ErrMalformedSignal is returned for payloads that cannot be classified
var ErrMalformedSignal = errors.New("malformed signal")

// Payload is the inbound webhook body.
// Price falls back to Close when absent or zero.
type Payload struct {
	Signal    string              `json:"signal"`
	Price     decimal.NullDecimal `json:"price"`
	Close     decimal.NullDecimal `json:"close"`
	SwingLow  decimal.NullDecimal `json:"swing_low"`
	SwingHigh decimal.NullDecimal `json:"swing_high"`
	Secret    string              `json:"secret,omitempty"`
}

// ParsePayloads decodes a single JSON object or an array of them
func ParsePayloads(raw []byte) ([]Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedSignal)
	}

	if trimmed[0] == '[' {
		var list []Payload
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: empty batch", ErrMalformedSignal)
		}
		return list, nil
	}

	var p Payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	return []Payload{p}, nil
}

// Classifier turns free-text alert names into Signals.
// Matching is case-insensitive against the configured timeframe tags and the
// BULL/BEAR/BREAK/CONT/UPDATE vocabulary.
type Classifier struct {
	higherTags []string
	lowerTags  []string
	defaultTF  Timeframe
}

// NewClassifier builds a classifier. higher and lower are comma separated tag
// lists (e.g. "4H,240"); defaultTF is used when no tag is present and may be empty.
func NewClassifier(higher, lower string, defaultTF Timeframe) *Classifier {
	return &Classifier{
		higherTags: append(splitTags(higher), "HTF", "HIGHER"),
		lowerTags:  append(splitTags(lower), "LTF", "LOWER"),
		defaultTF:  defaultTF,
	}
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Classify parses and classifies a single-object payload
func (c *Classifier) Classify(raw []byte) (Signal, error) {
	payloads, err := ParsePayloads(raw)
	if err != nil {
		return Signal{}, err
	}
	if len(payloads) != 1 {
		return Signal{}, fmt.Errorf("%w: expected one payload, got %d", ErrMalformedSignal, len(payloads))
	}
	return c.FromPayload(payloads[0])
}

// ClassifyBatch classifies every payload; any failure rejects the whole batch
func (c *Classifier) ClassifyBatch(payloads []Payload) ([]Signal, error) {
	signals := make([]Signal, 0, len(payloads))
	for i, p := range payloads {
		sig, err := c.FromPayload(p)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// FromPayload classifies one decoded payload
func (c *Classifier) FromPayload(p Payload) (Signal, error) {
	text := strings.TrimSpace(p.Signal)
	if text == "" {
		return Signal{}, fmt.Errorf("%w: missing signal text", ErrMalformedSignal)
	}

	tokens := strings.FieldsFunc(strings.ToUpper(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tf, err := c.timeframe(tokens)
	if err != nil {
		return Signal{}, err
	}
	kind, err := kindOf(tokens)
	if err != nil {
		return Signal{}, err
	}
	dir, err := directionOf(tokens)
	if err != nil {
		return Signal{}, err
	}
	if kind == Update {
		dir = types.None
	} else if !dir.Valid() {
		return Signal{}, fmt.Errorf("%w: %q has no BULL/BEAR direction", ErrMalformedSignal, text)
	}

	price := decimal.Zero
	if p.Price.Valid && !p.Price.Decimal.IsZero() {
		price = p.Price.Decimal
	} else if p.Close.Valid {
		price = p.Close.Decimal
	}
	if price.IsNegative() {
		return Signal{}, fmt.Errorf("%w: negative price %s", ErrMalformedSignal, price)
	}

	swingLow, err := swingLevel("swing_low", p.SwingLow)
	if err != nil {
		return Signal{}, err
	}
	swingHigh, err := swingLevel("swing_high", p.SwingHigh)
	if err != nil {
		return Signal{}, err
	}
	if swingLow.Valid && swingHigh.Valid && swingLow.Decimal.GreaterThanOrEqual(swingHigh.Decimal) {
		return Signal{}, fmt.Errorf("%w: swing_low %s not below swing_high %s",
			ErrMalformedSignal, swingLow.Decimal, swingHigh.Decimal)
	}

	return Signal{
		Timeframe:  tf,
		Kind:       kind,
		Direction:  dir,
		Price:      price,
		SwingLow:   swingLow,
		SwingHigh:  swingHigh,
		Raw:        text,
		Source:     SourceWebhook,
		ReceivedAt: time.Now(),
	}, nil
}

func (c *Classifier) timeframe(tokens []string) (Timeframe, error) {
	higher := hasAnyToken(tokens, c.higherTags)
	lower := hasAnyToken(tokens, c.lowerTags)

	switch {
	case higher && lower:
		return "", fmt.Errorf("%w: both higher and lower timeframe tags present", ErrMalformedSignal)
	case higher:
		return Higher, nil
	case lower:
		return Lower, nil
	case c.defaultTF != "":
		return c.defaultTF, nil
	}
	return "", fmt.Errorf("%w: no recognized timeframe tag", ErrMalformedSignal)
}

func hasAnyToken(tokens, tags []string) bool {
	for _, tok := range tokens {
		for _, tag := range tags {
			if tok == tag {
				return true
			}
		}
	}
	return false
}

func containsToken(tokens []string, needle string) bool {
	for _, tok := range tokens {
		if strings.Contains(tok, needle) {
			return true
		}
	}
	return false
}

func kindOf(tokens []string) (Kind, error) {
	var found []Kind
	if containsToken(tokens, "BREAK") {
		found = append(found, Break)
	}
	if containsToken(tokens, "CONT") {
		found = append(found, Continuation)
	}
	if containsToken(tokens, "UPDATE") {
		found = append(found, Update)
	}

	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: no BREAK/CONT/UPDATE token", ErrMalformedSignal)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("%w: ambiguous kind %v", ErrMalformedSignal, found)
}

func directionOf(tokens []string) (types.Direction, error) {
	bull := containsToken(tokens, "BULL")
	bear := containsToken(tokens, "BEAR")
	switch {
	case bull && bear:
		return types.None, fmt.Errorf("%w: both BULL and BEAR present", ErrMalformedSignal)
	case bull:
		return types.Bull, nil
	case bear:
		return types.Bear, nil
	}
	return types.None, nil
}

// swingLevel treats zero as absent (charting "na") and rejects negatives
func swingLevel(name string, v decimal.NullDecimal) (decimal.NullDecimal, error) {
	if !v.Valid || v.Decimal.IsZero() {
		return decimal.NullDecimal{}, nil
	}
	if v.Decimal.IsNegative() {
		return decimal.NullDecimal{}, fmt.Errorf("%w: negative %s", ErrMalformedSignal, name)
	}
	return v, nil
}
