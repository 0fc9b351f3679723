package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trend snapshot + trade journal
// ═══════════════════════════════════════════════════════════════════════════════
//
// PostgreSQL when the DSN is a postgres:// URL, SQLite file otherwise.
// Implements both StateStore and Journal.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

type TrendStateRow struct {
	Instrument   string              `gorm:"primaryKey"`
	HigherTrend  string              `gorm:"size:8"`
	LowerTrend   string              `gorm:"size:8"`
	HadDeviation bool
	SwingLow     decimal.NullDecimal `gorm:"type:decimal(24,10)"`
	SwingHigh    decimal.NullDecimal `gorm:"type:decimal(24,10)"`
	PositionSide string              `gorm:"size:8"`
	PositionSize decimal.Decimal     `gorm:"type:decimal(24,8)"`
	EntryPrice   decimal.Decimal     `gorm:"type:decimal(24,10)"`
	StopPrice    decimal.Decimal     `gorm:"type:decimal(24,10)"`
	OpenedAt     *time.Time
	UpdatedAt    time.Time
}

func (TrendStateRow) TableName() string { return "trend_states" }

type TradeRow struct {
	ID         string          `gorm:"primaryKey"`
	Instrument string          `gorm:"index"`
	Action     string          `gorm:"size:16"`
	Side       string          `gorm:"size:8"`
	Price      decimal.Decimal `gorm:"type:decimal(24,10)"`
	Size       decimal.Decimal `gorm:"type:decimal(24,8)"`
	StopPrice  decimal.Decimal `gorm:"type:decimal(24,10)"`
	Reason     string
	OrderID    string
	Timestamp  time.Time `gorm:"index"`
	CreatedAt  time.Time
}

func (TradeRow) TableName() string { return "trades" }

// NewDatabase opens and migrates the database at dsn
func NewDatabase(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TrendStateRow{}, &TradeRow{}); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// Load returns the stored state, or the initial state when none exists
func (d *Database) Load(instrument string) (types.TrendState, error) {
	var row TrendStateRow
	err := d.db.First(&row, "instrument = ?", instrument).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewTrendState(instrument), nil
	}
	if err != nil {
		return types.TrendState{}, err
	}
	return row.toState(), nil
}

// Save upserts the snapshot row for st.Instrument
func (d *Database) Save(st types.TrendState) error {
	row := rowFromState(st)
	return d.db.Save(&row).Error
}

// LogTrade appends one journal record
func (d *Database) LogTrade(rec types.TradeRecord) error {
	row := TradeRow{
		ID:         rec.ID,
		Instrument: rec.Instrument,
		Action:     rec.Action,
		Side:       string(rec.Side),
		Price:      rec.Price,
		Size:       rec.Size,
		StopPrice:  rec.StopPrice,
		Reason:     rec.Reason,
		OrderID:    rec.OrderID,
		Timestamp:  rec.Timestamp,
	}
	return d.db.Create(&row).Error
}

// RecentTrades returns up to limit records, newest first
func (d *Database) RecentTrades(limit int) ([]types.TradeRecord, error) {
	var rows []TradeRow
	q := d.db.Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]types.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.TradeRecord{
			ID:         r.ID,
			Instrument: r.Instrument,
			Action:     r.Action,
			Side:       types.Side(r.Side),
			Price:      r.Price,
			Size:       r.Size,
			StopPrice:  r.StopPrice,
			Reason:     r.Reason,
			OrderID:    r.OrderID,
			Timestamp:  r.Timestamp,
		})
	}
	return out, nil
}

// Close releases the connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowFromState(st types.TrendState) TrendStateRow {
	row := TrendStateRow{
		Instrument:   st.Instrument,
		HigherTrend:  string(st.HigherTrend),
		LowerTrend:   string(st.LowerTrend),
		HadDeviation: st.HadDeviation,
		SwingLow:     st.SwingLow,
		SwingHigh:    st.SwingHigh,
		PositionSide: string(st.Position.Side),
		PositionSize: st.Position.Size,
		EntryPrice:   st.Position.EntryPrice,
		StopPrice:    st.Position.StopPrice,
		UpdatedAt:    st.UpdatedAt,
	}
	if !st.Position.OpenedAt.IsZero() {
		opened := st.Position.OpenedAt
		row.OpenedAt = &opened
	}
	return row
}

func (r TrendStateRow) toState() types.TrendState {
	st := types.TrendState{
		Instrument:   r.Instrument,
		HigherTrend:  types.Direction(r.HigherTrend),
		LowerTrend:   types.Direction(r.LowerTrend),
		HadDeviation: r.HadDeviation,
		SwingLow:     r.SwingLow,
		SwingHigh:    r.SwingHigh,
		Position: types.LocalPosition{
			Side:       types.Side(r.PositionSide),
			Size:       r.PositionSize,
			EntryPrice: r.EntryPrice,
			StopPrice:  r.StopPrice,
		},
		UpdatedAt: r.UpdatedAt,
	}
	if r.OpenedAt != nil {
		st.Position.OpenedAt = *r.OpenedAt
	}
	return st.Normalize()
}
