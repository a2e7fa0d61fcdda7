// internal/types/interfaces.go
package types

import "context"

type CheckpointStore interface {
	Get(ctx context.Context, app AppID) (*Checkpoint, error)
	List(ctx context.Context) ([]*Checkpoint, error)
	Put(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, app AppID) error
}

// TokenStore caches session tokens per username between runs.
// Load returns "" and no error when nothing is stored.
type TokenStore interface {
	Load(ctx context.Context, username string) (string, error)
	Save(ctx context.Context, username, token string) error
	Delete(ctx context.Context, username string) error
}
