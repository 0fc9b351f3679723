package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/mxsbot/strategy"
)

// Monitor periodically feeds CHECK signals into the engine
type Monitor struct {
	engine   *Engine
	interval time.Duration
}

// NewMonitor creates a monitor; interval <= 0 disables it
func NewMonitor(engine *Engine, interval time.Duration) *Monitor {
	return &Monitor{engine: engine, interval: interval}
}

// Run blocks until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		log.Info().Msg("Position monitor disabled")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("👁️ Position monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Position monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.engine.Check(ctx, strategy.SourceMonitor); err != nil {
				log.Error().Err(err).Msg("Position check failed")
			}
		}
	}
}
