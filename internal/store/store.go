// Package store defines the persistence interface for the pile engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// The ledger writes through Apply only, one changeset per committed call,
// and reads everything back once at startup with LoadSnapshot. The
// remaining methods serve the read-side API.
package store

import (
	"context"
	"errors"

	"github.com/atmx/pile-engine/internal/fixed"
	"github.com/atmx/pile-engine/internal/model"
)

// ErrNotFound is returned by single-row reads with no match.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Journal ---

	// Apply persists every row of a changeset atomically.
	Apply(ctx context.Context, cs *model.Changeset) error

	// LoadSnapshot reads the full arena.
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)

	// --- Read model ---

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// GetBalance returns the share balance of account, zero when unknown.
	GetBalance(ctx context.Context, poolID, account string) (fixed.Amount, error)

	// ListPositions returns the open positions of account in a pool.
	ListPositions(ctx context.Context, poolID, account string) ([]model.Position, error)

	// ListOrders returns every order of account in a pool, by symbol and index.
	ListOrders(ctx context.Context, poolID, account string) ([]model.LimitOrder, error)

	// GetStake returns the stake account as last settled.
	GetStake(ctx context.Context, poolID, account string) (*model.StakeAccount, error)

	// ListEvents returns the newest events of a pool first. An empty account
	// matches every account.
	ListEvents(ctx context.Context, poolID, account string, limit int) ([]model.Event, error)
}
