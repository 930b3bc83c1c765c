// Package provider abstracts the stores a run's artifacts are published to.
//
// Keys are slash-separated paths relative to the store root. Providers
// authenticate through their SDK's default chain and must be safe for
// concurrent use.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider is a writable object store.
type Provider interface {
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Put creates or replaces the object at key.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Delete removes the object at key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the provider.
	Close() error
}

// Object describes one stored object.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ProviderType identifies a provider implementation.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
