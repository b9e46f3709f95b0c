package storage

import "context"

// Ping checks the database handle for the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return ErrNotFound
	}
	return r.db.PingContext(ctx)
}
