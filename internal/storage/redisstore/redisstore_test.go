package redisstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/heliosforge/progcache/internal/domain"
	"github.com/redis/go-redis/v9"
)

func TestArtifactKeyIsVersioned(t *testing.T) {
	key := domain.CacheKey(strings.Repeat("d", 64))
	if got := ArtifactKey(key); got != "progcache:v1:artifact:"+string(key) {
		t.Fatalf("ArtifactKey()=%q", got)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, 0); err == nil {
		t.Fatalf("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	if _, err := New(client, -1); err == nil {
		t.Fatalf("expected error for negative ttl")
	}
	if _, err := New(client, 0); err != nil {
		t.Fatalf("New() err=%v", err)
	}
}

func newTestBackend(t *testing.T, ttl time.Duration) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b, err := New(client, ttl)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return b, mr
}

func testArtifact() domain.CompiledArtifact {
	payload := []byte{0x4e, 0x4d, 0x01}
	return domain.CompiledArtifact{
		Key:       domain.CacheKey(strings.Repeat("a", 64)),
		Version:   domain.TargetV2,
		Payload:   payload,
		SHA256:    domain.PayloadSHA256(payload),
		CreatedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func TestBackendRoundTrip(t *testing.T) {
	b, mr := newTestBackend(t, 0)
	a := testArtifact()
	if err := b.Put(context.Background(), a); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	if !mr.Exists(ArtifactKey(a.Key)) {
		t.Fatalf("expected %s to be stored", ArtifactKey(a.Key))
	}
	if ttl := mr.TTL(ArtifactKey(a.Key)); ttl != 0 {
		t.Fatalf("TTL=%v, want none", ttl)
	}

	got, ok, err := b.Get(context.Background(), a.Key)
	if err != nil || !ok {
		t.Fatalf("Get() ok=%v err=%v", ok, err)
	}
	if err := domain.EnsureArtifactImmutable(a, got); err != nil {
		t.Fatalf("round trip changed artifact: %v", err)
	}
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() err=%v", err)
	}
}

func TestBackendMissIsAbsent(t *testing.T) {
	b, _ := newTestBackend(t, 0)
	_, ok, err := b.Get(context.Background(), testArtifact().Key)
	if err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
}

func TestBackendAppliesTTL(t *testing.T) {
	b, mr := newTestBackend(t, time.Hour)
	a := testArtifact()
	if err := b.Put(context.Background(), a); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	if ttl := mr.TTL(ArtifactKey(a.Key)); ttl != time.Hour {
		t.Fatalf("TTL=%v, want 1h", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	if _, ok, err := b.Get(context.Background(), a.Key); err != nil || ok {
		t.Fatalf("expected expired entry to miss, ok=%v err=%v", ok, err)
	}
}

func TestBackendSurfacesFailures(t *testing.T) {
	b, mr := newTestBackend(t, 0)
	a := testArtifact()

	if err := mr.Set(ArtifactKey(a.Key), "not an envelope"); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}
	if _, _, err := b.Get(context.Background(), a.Key); err == nil {
		t.Fatalf("expected decode error for corrupt value")
	}

	mr.SetError("READONLY You can't write against a read only replica.")
	if err := b.Put(context.Background(), a); err == nil {
		t.Fatalf("expected Put error")
	}
	if _, _, err := b.Get(context.Background(), a.Key); err == nil {
		t.Fatalf("expected Get error")
	}
	if err := b.HealthCheck(context.Background()); err == nil {
		t.Fatalf("expected HealthCheck error")
	}
}
