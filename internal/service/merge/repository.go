package merge

import (
	"context"

	"github.com/ignite/clientsync/internal/domain"
)

// Repository defines the data access contract for canonical clients and
// merge conflicts. Implementations must be safe for concurrent use.
//
// Insert must be atomic against the store's uniqueness constraints on
// email and phone (upsert-by-unique-key, not read-then-write): two
// concurrent inserts of the same email must not both succeed.
type Repository interface {
	// FindByEmail returns the client owning the given (normalized)
	// email. Returns ErrNotFound if none exists.
	FindByEmail(ctx context.Context, email string) (*domain.ClientIdentity, error)

	// FindByPhone returns the client owning the given (normalized)
	// phone. Returns ErrNotFound if none exists.
	FindByPhone(ctx context.Context, phone string) (*domain.ClientIdentity, error)

	// FindByExternalID returns the client linked to the given
	// provider-native ID. Returns ErrNotFound if none exists.
	FindByExternalID(ctx context.Context, source domain.Source, externalID string) (*domain.ClientIdentity, error)

	// Insert persists a new client. Returns ErrDuplicateKey when a
	// unique constraint on an identity key rejects the row, so the
	// service can fold the record into the client that won the race.
	Insert(ctx context.Context, c *domain.ClientIdentity) error

	// Update persists a merged client state.
	Update(ctx context.Context, c *domain.ClientIdentity) error

	// RecordConflict stores a merge conflict for out-of-band resolution.
	RecordConflict(ctx context.Context, mc *domain.MergeConflict) error
}
