package exec

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/types"
)

// PaperAccount simulates a net-mode futures account for dry runs.
// Margin and fees are not modelled; realized PnL moves the balance.
type PaperAccount struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*paperPosition
}

type paperPosition struct {
	side  types.Side
	size  decimal.Decimal
	entry decimal.Decimal
	stop  decimal.Decimal
}

// NewPaperAccount starts with the given balance (1000 USDT when zero)
func NewPaperAccount(balance decimal.Decimal) *PaperAccount {
	if !balance.IsPositive() {
		balance = decimal.NewFromInt(1000)
	}
	return &PaperAccount{balance: balance, positions: make(map[string]*paperPosition)}
}

// Balance returns the simulated available balance
func (p *PaperAccount) Balance() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Position returns the simulated net position
func (p *PaperAccount) Position(instrument string) types.ExchangePosition {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[instrument]
	if !ok {
		return types.ExchangePosition{Instrument: instrument, Side: types.Flat}
	}
	return types.ExchangePosition{Instrument: instrument, Side: pos.side, Size: pos.size, AvgEntry: pos.entry}
}

// Stop returns the simulated stop trigger (zero when none)
func (p *PaperAccount) Stop(instrument string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[instrument]; ok {
		return pos.stop
	}
	return decimal.Zero
}

// Fill applies a market fill with net-mode semantics: same side adds,
// opposite side reduces, and an oversized opposite fill reverses.
func (p *PaperAccount) Fill(instrument string, side types.Side, size, price, stop decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[instrument]
	if !ok {
		p.positions[instrument] = &paperPosition{side: side, size: size, entry: price, stop: stop}
		return
	}

	if pos.side == side {
		total := pos.size.Add(size)
		pos.entry = pos.entry.Mul(pos.size).Add(price.Mul(size)).Div(total)
		pos.size = total
		if stop.IsPositive() {
			pos.stop = stop
		}
		return
	}

	switch {
	case size.LessThan(pos.size):
		p.balance = p.balance.Add(realized(pos, size, price))
		pos.size = pos.size.Sub(size)
	case size.Equal(pos.size):
		p.balance = p.balance.Add(realized(pos, size, price))
		delete(p.positions, instrument)
	default:
		p.balance = p.balance.Add(realized(pos, pos.size, price))
		p.positions[instrument] = &paperPosition{side: side, size: size.Sub(pos.size), entry: price, stop: stop}
	}
}

// Close flattens the position at price and returns realized PnL
func (p *PaperAccount) Close(instrument string, price decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[instrument]
	if !ok {
		return decimal.Zero
	}
	pnl := realized(pos, pos.size, price)
	p.balance = p.balance.Add(pnl)
	delete(p.positions, instrument)
	return pnl
}

// SetStop moves the simulated stop
func (p *PaperAccount) SetStop(instrument string, stop decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[instrument]
	if !ok {
		return fmt.Errorf("no paper position for %s", instrument)
	}
	pos.stop = stop
	return nil
}

// Mark closes the position at its stop when price trades through it
func (p *PaperAccount) Mark(instrument string, price decimal.Decimal) (bool, decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[instrument]
	if !ok || !pos.stop.IsPositive() {
		return false, decimal.Zero
	}

	hit := (pos.side == types.Long && price.LessThanOrEqual(pos.stop)) ||
		(pos.side == types.Short && price.GreaterThanOrEqual(pos.stop))
	if !hit {
		return false, decimal.Zero
	}

	pnl := realized(pos, pos.size, pos.stop)
	p.balance = p.balance.Add(pnl)
	delete(p.positions, instrument)
	return true, pnl
}

func realized(pos *paperPosition, size, price decimal.Decimal) decimal.Decimal {
	if pos.side == types.Short {
		return pos.entry.Sub(price).Mul(size)
	}
	return price.Sub(pos.entry).Mul(size)
}
