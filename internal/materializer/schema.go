package materializer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// columnInfo is a single introspected column: name, type, and collation.
type columnInfo struct {
	Name      string         `db:"column_name"`
	DataType  string         `db:"data_type"`
	Collation sql.NullString `db:"collation_name"`
}

// schemaCache holds the introspected column lists for every table the
// updater joins, refreshed periodically. The batched lookups and the
// upsert do not consult it: their column lists are fixed, so a renamed or
// dropped column makes the affected query fail.
type schemaCache struct {
	db   *sqlx.DB
	log  zerolog.Logger

	mu      sync.RWMutex
	columns map[string]map[string]columnInfo
}

var joinedTables = []string{
	"price_snapshots", "ohlc_bars", "onchain_data", "macro_series",
	"sentiment_aggregates", "technical_indicators", "derivatives_data", "market_data",
}

func newSchemaCache(db *sqlx.DB, log zerolog.Logger) *schemaCache {
	return &schemaCache{
		db:      db,
		log:     log.With().Str("component", "schema_cache").Logger(),
		columns: make(map[string]map[string]columnInfo),
	}
}

func (s *schemaCache) refresh(ctx context.Context) error {
	newColumns := make(map[string]map[string]columnInfo, len(joinedTables))

	for _, table := range joinedTables {
		var cols []columnInfo
		err := s.db.SelectContext(ctx, &cols, `
			SELECT column_name, data_type, collation_name
			FROM information_schema.columns
			WHERE table_name = $1
		`, table)
		if err != nil {
			return fmt.Errorf("schema_cache: introspect %s: %w", table, err)
		}

		byName := make(map[string]columnInfo, len(cols))
		for _, c := range cols {
			byName[c.Name] = c
		}
		newColumns[table] = byName
	}

	if err := s.checkCollationDrift(newColumns); err != nil {
		return err
	}

	s.mu.Lock()
	s.columns = newColumns
	s.mu.Unlock()
	return nil
}

// checkCollationDrift asserts that every symbol column across the joined
// tables shares a single collation. On a mismatch refresh returns the
// error and keeps the previous column cache; startPeriodicRefresh logs it,
// and the updater's loops keep joining — nothing pauses or stops them.
func (s *schemaCache) checkCollationDrift(tables map[string]map[string]columnInfo) error {
	var seen string
	for table, cols := range tables {
		col, ok := cols["symbol"]
		if !ok || !col.Collation.Valid {
			continue
		}
		if seen == "" {
			seen = col.Collation.String
		} else if col.Collation.String != seen {
			return fmt.Errorf("schema_cache: collation drift on %s.symbol: expected %s, got %s", table, seen, col.Collation.String)
		}
	}
	return nil
}

// HasColumn reports whether table currently has column, per the last
// refresh.
func (s *schemaCache) HasColumn(table, column string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cols, ok := s.columns[table]
	if !ok {
		return false
	}
	_, ok = cols[column]
	return ok
}

// startPeriodicRefresh runs refresh immediately and then on interval until
// ctx is cancelled.
func (s *schemaCache) startPeriodicRefresh(ctx context.Context, interval time.Duration) {
	if err := s.refresh(ctx); err != nil {
		s.log.Error().Err(err).Msg("initial schema refresh failed")
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.refresh(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic schema refresh failed")
				}
			}
		}
	}()
}
