package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/artifactstore"
	"github.com/heliosforge/progcache/internal/domain"
)

const maxEnvelopeBytes = 64 << 20

// Backend stores encoded artifacts as objects under
// <prefix>/<key[:2]>/<key>.json in one bucket.
type Backend struct {
	store  Store
	bucket string
	prefix string
}

func NewBackend(store Store, bucket, prefix string) (*Backend, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Backend{store: store, bucket: bucket, prefix: strings.Trim(strings.TrimSpace(prefix), "/")}, nil
}

func (b *Backend) Get(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool, error) {
	if b == nil || b.store == nil {
		return domain.CompiledArtifact{}, false, errors.New("object backend not initialized")
	}
	reader, _, err := b.store.Get(ctx, b.bucket, b.ObjectKey(key))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return domain.CompiledArtifact{}, false, nil
		}
		return domain.CompiledArtifact{}, false, fmt.Errorf("get object: %w", err)
	}
	defer reader.Close()

	blob, err := io.ReadAll(io.LimitReader(reader, maxEnvelopeBytes+1))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return domain.CompiledArtifact{}, false, nil
		}
		return domain.CompiledArtifact{}, false, fmt.Errorf("read object: %w", err)
	}
	if len(blob) > maxEnvelopeBytes {
		return domain.CompiledArtifact{}, false, fmt.Errorf("object exceeds %d bytes", maxEnvelopeBytes)
	}
	artifact, err := artifactstore.Decode(blob)
	if err != nil {
		return domain.CompiledArtifact{}, false, err
	}
	return artifact, true, nil
}

func (b *Backend) Put(ctx context.Context, artifact domain.CompiledArtifact) error {
	if b == nil || b.store == nil {
		return errors.New("object backend not initialized")
	}
	blob, err := artifactstore.Encode(artifact)
	if err != nil {
		return err
	}
	if err := b.store.Put(ctx, b.bucket, b.ObjectKey(artifact.Key), bytes.NewReader(blob), int64(len(blob)), "application/json"); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Prune deletes artifact objects last written before olderThan. Objects
// outside the artifact layout are left alone.
func (b *Backend) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if b == nil || b.store == nil {
		return 0, errors.New("object backend not initialized")
	}
	listPrefix := ""
	if b.prefix != "" {
		listPrefix = b.prefix + "/"
	}
	objects, err := b.store.List(ctx, b.bucket, listPrefix)
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}
	var removed int64
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") || !obj.LastModified.Before(olderThan) {
			continue
		}
		if err := b.store.Delete(ctx, b.bucket, obj.Key); err != nil {
			return removed, fmt.Errorf("delete %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}

// ObjectKey fans keys out by their first byte to keep listings small.
func (b *Backend) ObjectKey(key domain.CacheKey) string {
	k := string(key)
	shard := k
	if len(k) > 2 {
		shard = k[:2]
	}
	return path.Join(b.prefix, shard, k+".json")
}
