// Package blobindex resolves evidence references against the blob metadata
// the upload pipeline records in Redis. Canopy never reads blob content; a
// reference is valid when the index reports a non-zero size for it.
package blobindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	id "canopy/pkg/domain"
)

// Redis key prefix for blob sizes, written by the upload service.
const blobSizeKeyPrefix = "blob:size:"

// RedisIndex is the production blob index.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex constructs a Redis-backed blob index.
func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

// Exists reports whether the reference resolves to a non-zero-size blob.
// A missing key or a recorded size of zero both count as missing.
func (i *RedisIndex) Exists(ctx context.Context, ref id.EvidenceRef) (bool, error) {
	val, err := i.client.Get(ctx, blobSizeKeyPrefix+string(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob index lookup: %w", err)
	}
	size, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("blob index entry for %q is not a size: %w", ref, err)
	}
	return size > 0, nil
}
