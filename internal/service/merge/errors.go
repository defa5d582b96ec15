package merge

import "errors"

// Sentinel errors for the merge service layer.
var (
	ErrNotFound      = errors.New("client not found")
	ErrNoIdentityKey = errors.New("record has neither email nor phone")
	// ErrDuplicateKey reports an insert rejected by a uniqueness
	// constraint: a concurrent writer claimed the email or phone between
	// resolution and insert.
	ErrDuplicateKey = errors.New("client identity key already taken")
)
