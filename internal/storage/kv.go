// Package storage provides the durable key-value backends the image cache
// persists its metadata record to.
package storage

import "context"

// KV is a durable key-value store. Get reports found=false for absent keys;
// Remove of an absent key is not an error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
