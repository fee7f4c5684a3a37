package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ BarRepository = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ohlcv_candles (
	exchange      TEXT    NOT NULL,
	market        TEXT    NOT NULL,
	symbol        TEXT    NOT NULL,
	timeframe     TEXT    NOT NULL,
	timestamp_utc INTEGER NOT NULL,
	open          REAL    NOT NULL,
	high          REAL    NOT NULL,
	low           REAL    NOT NULL,
	close         REAL    NOT NULL,
	volume        REAL    NOT NULL,
	PRIMARY KEY (exchange, market, symbol, timeframe, timestamp_utc)
)`

// SQLiteStore keeps candles in a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// candle table exists.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dbPath, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveOHLCV upserts bars for the series in a single transaction
func (s *SQLiteStore) SaveOHLCV(ctx context.Context, q OHLCVQuery, bars []types.Bar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO ohlcv_candles
			(exchange, market, symbol, timeframe, timestamp_utc, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			q.Exchange, q.Market, q.Symbol, q.Timeframe,
			b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume,
		); err != nil {
			return fmt.Errorf("sqlite: insert bar %d: %w", b.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// LoadOHLCV returns the series ordered by timestamp
func (s *SQLiteStore) LoadOHLCV(ctx context.Context, q OHLCVQuery) ([]types.Bar, QualityReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_utc, open, high, low, close, volume
		FROM ohlcv_candles
		WHERE exchange = ? AND market = ? AND symbol = ? AND timeframe = ?
		ORDER BY timestamp_utc ASC`,
		q.Exchange, q.Market, q.Symbol, q.Timeframe,
	)
	if err != nil {
		return nil, QualityReport{}, fmt.Errorf("sqlite: query ohlcv: %w", err)
	}
	defer rows.Close()

	var bars []types.Bar
	for rows.Next() {
		b := types.Bar{Symbol: q.Symbol}
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, QualityReport{}, fmt.Errorf("sqlite: scan ohlcv: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, QualityReport{}, fmt.Errorf("sqlite: iterate ohlcv: %w", err)
	}

	return bars, CheckQuality(bars, q.ExpectedStep), nil
}
