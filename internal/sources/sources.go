// Package sources defines the Source Adapter interfaces that every
// collector depends on, plus the shared error taxonomy and retry policy
// used to decide whether a failed fetch should be retried, backed off, or
// surfaced as terminal.
package sources

import (
	"context"
	"errors"
	"time"

	"github.com/cryptodata/platform/internal/models"
)

// ErrKind classifies a source adapter error for retry/propagation policy.
type ErrKind int

const (
	// KindTransient is a retryable network or server error.
	KindTransient ErrKind = iota
	// KindRateLimited means the provider's rate limit was hit; retry
	// after backing off.
	KindRateLimited
	// KindAuthFailed means credentials are invalid; terminal, no retry.
	KindAuthFailed
	// KindNotFound means the requested resource doesn't exist upstream;
	// terminal for this symbol, not for the adapter.
	KindNotFound
	// KindMalformed means the response could not be parsed; terminal.
	KindMalformed
	// KindLockContention means a downstream write hit contention; retry.
	KindLockContention
	// KindSchemaDrift means a schema mismatch was detected; fatal, no
	// retry, must alert.
	KindSchemaDrift
	// KindIllegalState means the caller invoked the adapter outside its
	// allowed lifecycle state; programmer error.
	KindIllegalState
	// KindInternal is an unclassified internal error.
	KindInternal
)

func (k ErrKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthFailed:
		return "auth_failed"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	case KindLockContention:
		return "lock_contention"
	case KindSchemaDrift:
		return "schema_drift"
	case KindIllegalState:
		return "illegal_state"
	default:
		return "internal"
	}
}

// Retryable reports whether a failure of this kind should be retried by
// the caller's backoff policy.
func (k ErrKind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindLockContention:
		return true
	default:
		return false
	}
}

// SourceError wraps an underlying error with a classification.
type SourceError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *SourceError) Unwrap() error { return e.Err }

// NewError constructs a classified SourceError.
func NewError(op string, kind ErrKind, err error) *SourceError {
	return &SourceError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the ErrKind from err, defaulting to KindInternal if err
// is not (or does not wrap) a *SourceError.
func KindOf(err error) ErrKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// FetchRequest is the common request shape passed to every adapter.
type FetchRequest struct {
	Symbols []string
	From    time.Time
	To      time.Time
}

// PriceSource fetches current and historical spot prices.
type PriceSource interface {
	Name() string
	FetchLatest(ctx context.Context, req FetchRequest) ([]models.PriceSnapshot, error)
	FetchOHLC(ctx context.Context, req FetchRequest) ([]models.OHLCBar, error)
}

// OnchainSource fetches on-chain network activity metrics.
type OnchainSource interface {
	Name() string
	FetchOnchainMetrics(ctx context.Context, req FetchRequest) ([]models.OnchainMetric, error)
}

// MacroSource fetches macroeconomic series (interest rates, CPI, etc).
type MacroSource interface {
	Name() string
	FetchSeries(ctx context.Context, seriesIDs []string, from, to time.Time) ([]models.MacroSeries, error)
}

// NewsSource fetches news articles mentioning tracked symbols.
type NewsSource interface {
	Name() string
	FetchArticles(ctx context.Context, req FetchRequest) ([]models.NewsArticle, error)
}

// Classifier scores a block of text for sentiment. Implementations may be
// backed by an external model service or an in-repo heuristic.
type Classifier interface {
	Score(ctx context.Context, text string) (score float64, confidence float64, err error)
}
