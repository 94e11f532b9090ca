package agent

import "context"

type Repository interface {
	Upsert(ctx context.Context, r *Record) error
	Get(ctx context.Context, identity string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
}
