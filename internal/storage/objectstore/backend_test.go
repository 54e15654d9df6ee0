package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/heliosforge/progcache/internal/domain"
)

type stubStore struct {
	objects  map[string][]byte
	modified map[string]time.Time
	now      time.Time
	getErr   error
	putErr   error
	listErr  error
	lastCT   string
	deleted  []string
}

func newStubStore() *stubStore {
	return &stubStore{
		objects:  map[string][]byte{},
		modified: map[string]time.Time{},
		now:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *stubStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	blob, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(blob)) != size {
		return errors.New("size mismatch")
	}
	s.lastCT = contentType
	s.objects[bucket+"/"+key] = blob
	s.modified[bucket+"/"+key] = s.now
	return nil
}

func (s *stubStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if s.getErr != nil {
		return nil, ObjectInfo{}, s.getErr
	}
	blob, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(blob)), ObjectInfo{Key: key, Size: int64(len(blob))}, nil
}

func (s *stubStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []ObjectInfo
	for full, blob := range s.objects {
		key, ok := strings.CutPrefix(full, bucket+"/")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, ObjectInfo{Key: key, Size: int64(len(blob)), LastModified: s.modified[full]})
	}
	return out, nil
}

func (s *stubStore) Delete(ctx context.Context, bucket, key string) error {
	if _, ok := s.objects[bucket+"/"+key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, bucket+"/"+key)
	s.deleted = append(s.deleted, key)
	return nil
}

func testArtifact() domain.CompiledArtifact {
	payload := []byte{1, 2, 3}
	return domain.CompiledArtifact{
		Key:       domain.CacheKey("ab" + strings.Repeat("0", 62)),
		Version:   domain.TargetV3,
		Payload:   payload,
		SHA256:    domain.PayloadSHA256(payload),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestBackendRoundTrip(t *testing.T) {
	store := newStubStore()
	b, err := NewBackend(store, "compiled-programs", "/artifacts/")
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	a := testArtifact()
	if err := b.Put(context.Background(), a); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	if store.lastCT != "application/json" {
		t.Fatalf("content type=%q", store.lastCT)
	}
	if _, ok := store.objects["compiled-programs/artifacts/ab/"+string(a.Key)+".json"]; !ok {
		t.Fatalf("expected sharded object key, have %v", store.objects)
	}

	got, ok, err := b.Get(context.Background(), a.Key)
	if err != nil || !ok {
		t.Fatalf("Get() ok=%v err=%v", ok, err)
	}
	if err := domain.EnsureArtifactImmutable(a, got); err != nil {
		t.Fatalf("round trip changed artifact: %v", err)
	}
}

func TestBackendMissingObjectIsAbsent(t *testing.T) {
	b, _ := NewBackend(newStubStore(), "bucket", "")
	_, ok, err := b.Get(context.Background(), testArtifact().Key)
	if err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
}

func TestBackendPropagatesStoreErrors(t *testing.T) {
	store := newStubStore()
	store.getErr = errors.New("503 slow down")
	store.putErr = errors.New("403 access denied")
	b, _ := NewBackend(store, "bucket", "")

	if _, _, err := b.Get(context.Background(), testArtifact().Key); !errors.Is(err, store.getErr) {
		t.Fatalf("expected get error, got %v", err)
	}
	if err := b.Put(context.Background(), testArtifact()); !errors.Is(err, store.putErr) {
		t.Fatalf("expected put error, got %v", err)
	}
}

func TestNewBackendRequiresBucket(t *testing.T) {
	if _, err := NewBackend(newStubStore(), " ", ""); err == nil {
		t.Fatalf("expected error for blank bucket")
	}
	if _, err := NewBackend(nil, "bucket", ""); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestBackendPruneDeletesOnlyOldArtifacts(t *testing.T) {
	store := newStubStore()
	b, err := NewBackend(store, "compiled-programs", "artifacts")
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	old := testArtifact()
	if err := b.Put(context.Background(), old); err != nil {
		t.Fatalf("Put() err=%v", err)
	}

	store.now = store.now.Add(48 * time.Hour)
	fresh := testArtifact()
	fresh.Key = domain.CacheKey("cd" + strings.Repeat("1", 62))
	if err := b.Put(context.Background(), fresh); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	// Foreign objects in the bucket survive even when old.
	store.objects["compiled-programs/artifacts/README.txt"] = []byte("hi")
	store.modified["compiled-programs/artifacts/README.txt"] = time.Time{}
	store.objects["compiled-programs/other/ab/x.json"] = []byte("{}")
	store.modified["compiled-programs/other/ab/x.json"] = time.Time{}

	removed, err := b.Prune(context.Background(), store.now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() err=%v", err)
	}
	if removed != 1 || len(store.deleted) != 1 || store.deleted[0] != b.ObjectKey(old.Key) {
		t.Fatalf("removed=%d deleted=%v", removed, store.deleted)
	}
	if _, ok, _ := b.Get(context.Background(), old.Key); ok {
		t.Fatalf("expected old artifact to be gone")
	}
	if _, ok, err := b.Get(context.Background(), fresh.Key); err != nil || !ok {
		t.Fatalf("expected fresh artifact to remain, ok=%v err=%v", ok, err)
	}
	if _, ok := store.objects["compiled-programs/artifacts/README.txt"]; !ok {
		t.Fatalf("non-artifact object was deleted")
	}
}

func TestBackendPrunePropagatesListErrors(t *testing.T) {
	store := newStubStore()
	store.listErr = errors.New("503 slow down")
	b, _ := NewBackend(store, "bucket", "")
	if _, err := b.Prune(context.Background(), time.Now()); !errors.Is(err, store.listErr) {
		t.Fatalf("expected list error, got %v", err)
	}
}
