package data

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

var _ BarRepository = (*PostgresStore)(nil)

// PostgresStore reads candles from a shared PostgreSQL table with columns
// exchange, market, symbol, timeframe, timestamp_utc, open, high, low,
// close and volume.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgresStore connects a pool to dsn. table must be a plain or
// schema-qualified identifier.
func NewPostgresStore(ctx context.Context, logger *zap.Logger, dsn, table string, maxConns int) (*PostgresStore, error) {
	if err := validateTableName(table); err != nil {
		return nil, fmt.Errorf("postgres: invalid ohlcv table %q: %w", table, err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &PostgresStore{pool: pool, table: table, logger: logger}, nil
}

// Close releases the pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// LoadOHLCV returns the series ordered by timestamp
func (s *PostgresStore) LoadOHLCV(ctx context.Context, q OHLCVQuery) ([]types.Bar, QualityReport, error) {
	start := time.Now()

	query := fmt.Sprintf(`
		SELECT timestamp_utc, open, high, low, close, volume
		FROM %s
		WHERE exchange = $1 AND market = $2 AND symbol = $3 AND timeframe = $4
		ORDER BY timestamp_utc ASC`, s.table)

	rows, err := s.pool.Query(ctx, query, q.Exchange, q.Market, q.Symbol, q.Timeframe)
	if err != nil {
		return nil, QualityReport{}, fmt.Errorf("postgres: query ohlcv: %w", err)
	}
	defer rows.Close()

	var bars []types.Bar
	for rows.Next() {
		var (
			ts time.Time
			b  = types.Bar{Symbol: q.Symbol}
		)
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, QualityReport{}, fmt.Errorf("postgres: scan ohlcv: %w", err)
		}
		b.Timestamp = ts.Unix()
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, QualityReport{}, fmt.Errorf("postgres: iterate ohlcv: %w", err)
	}

	report := CheckQuality(bars, q.ExpectedStep)
	s.logger.Info("Loaded OHLCV from postgres",
		append(report.Fields(),
			zap.String("table", s.table),
			zap.String("symbol", q.Symbol),
			zap.String("timeframe", q.Timeframe),
			zap.Duration("duration", time.Since(start)),
		)...,
	)
	return bars, report, nil
}

// validateTableName accepts identifiers made of letters, digits and
// underscores, optionally qualified by one schema.
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("empty table name")
	}
	parts := 0
	segment := 0
	for i, r := range name {
		switch {
		case r == '.':
			if segment == 0 {
				return fmt.Errorf("empty identifier at offset %d", i)
			}
			parts++
			segment = 0
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			segment++
		case r >= '0' && r <= '9':
			if segment == 0 {
				return fmt.Errorf("identifier starts with a digit at offset %d", i)
			}
			segment++
		default:
			return fmt.Errorf("invalid character %q", r)
		}
	}
	if segment == 0 || parts > 1 {
		return fmt.Errorf("malformed table name")
	}
	return nil
}
