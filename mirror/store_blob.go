package mirror

import (
	"context"
	"time"
)

// ContentTypeJSON is the content type of every document the mirror writes.
const ContentTypeJSON = "application/json"

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key       string
	Version   string
	UpdatedAt time.Time
	Size      int64
}

// ObjectStore is the storage abstraction for mirrored documents. Keys are
// stable paths with overwrite semantics: no versioning, no conditional writes.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
