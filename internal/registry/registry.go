// Package registry implements the Symbol Registry: the authoritative list
// of tradable symbols and their provider-native identifiers, cached in
// memory and refreshed from Postgres on a short TTL so that nine
// concurrently-ticking collectors never hammer the pool for the same
// lookup.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/models"
)

const cacheTTL = 30 * time.Second

// Registry is the Symbol Registry described by the domain model.
type Registry struct {
	db  *sqlx.DB
	log zerolog.Logger

	mu         sync.RWMutex
	assets     map[string]models.Asset
	cachedAt   time.Time
}

// New constructs a Registry backed by db.
func New(db *sqlx.DB, log zerolog.Logger) *Registry {
	return &Registry{
		db:     db,
		log:    log.With().Str("component", "registry").Logger(),
		assets: make(map[string]models.Asset),
	}
}

type assetRow struct {
	Symbol      string         `db:"symbol"`
	ExternalIDs sql.NullString `db:"external_ids"`
	Name        string         `db:"name"`
	AssetClass  string         `db:"asset_class"`
	Chain       string         `db:"chain"`
	Active      bool           `db:"active"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// ActiveSymbols returns every symbol currently marked active, refreshing
// the in-memory cache if it has gone stale.
func (r *Registry) ActiveSymbols(ctx context.Context) ([]string, error) {
	if err := r.refreshIfStale(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.assets))
	for sym, a := range r.assets {
		if a.Active {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ResolveExternalID returns the provider-native identifier for symbol at
// the given provider, or ("", false) if no mapping exists.
func (r *Registry) ResolveExternalID(ctx context.Context, symbol, provider string) (string, bool, error) {
	if err := r.refreshIfStale(ctx); err != nil {
		return "", false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, ok := r.assets[symbol]
	if !ok {
		return "", false, nil
	}
	id, ok := asset.ExternalIDs[provider]
	return id, ok, nil
}

// Asset returns the full registry row for symbol.
func (r *Registry) Asset(ctx context.Context, symbol string) (models.Asset, bool, error) {
	if err := r.refreshIfStale(ctx); err != nil {
		return models.Asset{}, false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[symbol]
	return a, ok, nil
}

func (r *Registry) refreshIfStale(ctx context.Context) error {
	r.mu.RLock()
	stale := time.Since(r.cachedAt) > cacheTTL
	r.mu.RUnlock()
	if !stale {
		return nil
	}
	return r.refresh(ctx)
}

func (r *Registry) refresh(ctx context.Context) error {
	var rows []assetRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT symbol, external_ids, name, asset_class, chain, active, created_at, updated_at
		FROM assets
	`)
	if err != nil {
		return fmt.Errorf("registry: refresh: %w", err)
	}

	assets := make(map[string]models.Asset, len(rows))
	for _, row := range rows {
		ext := map[string]string{}
		if row.ExternalIDs.Valid && row.ExternalIDs.String != "" {
			if err := json.Unmarshal([]byte(row.ExternalIDs.String), &ext); err != nil {
				r.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("failed to parse external_ids")
			}
		}
		assets[row.Symbol] = models.Asset{
			Symbol:      row.Symbol,
			ExternalIDs: ext,
			Name:        row.Name,
			AssetClass:  row.AssetClass,
			Chain:       row.Chain,
			Active:      row.Active,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		}
	}

	r.mu.Lock()
	r.assets = assets
	r.cachedAt = time.Now()
	r.mu.Unlock()

	r.log.Debug().Int("count", len(assets)).Msg("registry refreshed")
	return nil
}

// RegisterAsset inserts or updates an asset row and invalidates the cache.
// Administrative operation, not exposed over HTTP.
func (r *Registry) RegisterAsset(ctx context.Context, a models.Asset) error {
	extJSON, err := json.Marshal(a.ExternalIDs)
	if err != nil {
		return fmt.Errorf("registry: marshal external ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO assets (symbol, external_ids, name, asset_class, chain, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (symbol) DO UPDATE SET
			external_ids = EXCLUDED.external_ids,
			name = EXCLUDED.name,
			asset_class = EXCLUDED.asset_class,
			chain = EXCLUDED.chain,
			active = EXCLUDED.active,
			updated_at = now()
	`, a.Symbol, extJSON, a.Name, a.AssetClass, a.Chain, a.Active)
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", a.Symbol, err)
	}

	r.mu.Lock()
	r.cachedAt = time.Time{} // force refresh on next read
	r.mu.Unlock()
	return nil
}

// Deactivate marks symbol inactive so collectors stop scheduling it.
func (r *Registry) Deactivate(ctx context.Context, symbol string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE assets SET active = false, updated_at = now() WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("registry: deactivate %s: %w", symbol, err)
	}
	r.mu.Lock()
	r.cachedAt = time.Time{}
	r.mu.Unlock()
	return nil
}
