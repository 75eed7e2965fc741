package triage

import "context"

// Store is the storage interface for incident records. Implementations return
// copies so callers may modify what they get back.
type Store interface {
	Get(ctx context.Context, id string) (*Record, bool, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*Record, bool, error)
	Put(ctx context.Context, record *Record) error
	// List returns records matching filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
}
