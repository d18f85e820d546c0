package levelstore

import (
	"context"
	"os"
)

// ErrNotFound is returned by backends for missing objects. It aliases
// os.ErrNotExist so that errors.Is works across backends.
var ErrNotFound = os.ErrNotExist

// Backend stores immutable objects addressed by slash-separated names.
// Put must be atomic: readers observe either the previous object or the new
// one, never a partial write.
type Backend interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	// List returns the names under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
