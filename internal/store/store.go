// Package store defines the persistence interface for the trader.
// Implementations include PostgreSQL (source of truth), Redis (standalone
// key-value store or read-through cache in front of PostgreSQL), and
// in-memory (for testing and dry runs).
package store

import (
	"context"
	"errors"

	"github.com/valuestor/trader/internal/model"
)

var (
	// ErrNotFound is returned by single-record lookups when nothing matches.
	ErrNotFound = errors.New("store: not found")

	// ErrCorruptRecord marks a stored record that exists but cannot be decoded.
	ErrCorruptRecord = errors.New("store: corrupt record")
)

// Store is the persistence interface. Holders' profiles are owned by an
// external registry; the trader only reads them, except for seeding.
type Store interface {
	// Ping checks connectivity to the backing services.
	Ping(ctx context.Context) error

	// --- Profile operations ---

	// ListActiveProfiles returns every profile with IsActive set. A profile
	// that cannot be decoded is skipped and counted, never failing the list.
	ListActiveProfiles(ctx context.Context) ([]model.ValueProfile, error)

	// GetProfile retrieves a profile by holder address.
	GetProfile(ctx context.Context, address string) (*model.ValueProfile, error)

	// SaveProfile creates or replaces a profile.
	SaveProfile(ctx context.Context, p *model.ValueProfile) error

	// --- Position operations ---

	// GetPosition returns ErrNotFound when the holder has no position in token.
	GetPosition(ctx context.Context, holder, token string) (*model.Position, error)

	// ListPositions returns all open positions of a holder.
	ListPositions(ctx context.Context, holder string) ([]model.Position, error)

	// SavePosition creates or replaces a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a closed position. Missing positions are not an error.
	DeletePosition(ctx context.Context, holder, token string) error

	// --- Execution records ---

	// SaveExecution upserts an execution; records expire after the retention period.
	SaveExecution(ctx context.Context, e *model.TradeExecution) error

	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, id string) (*model.TradeExecution, error)

	// --- Decision audit ---

	// SaveDecision appends a decision to the holder's audit trail.
	SaveDecision(ctx context.Context, d *model.TradeDecision) error

	// ListDecisions returns the holder's most recent decisions, newest first.
	ListDecisions(ctx context.Context, holder string, limit int) ([]model.TradeDecision, error)

	// --- Token analyses ---

	// SaveAnalysis stores the analysis of a newly issued token.
	SaveAnalysis(ctx context.Context, a *model.TokenAnalysis) error

	// GetAnalysis retrieves the latest analysis of a token.
	GetAnalysis(ctx context.Context, token string) (*model.TokenAnalysis, error)
}
