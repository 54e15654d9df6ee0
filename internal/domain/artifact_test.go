package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeTargetVersion(t *testing.T) {
	tests := map[string]TargetVersion{
		"V2":         TargetV2,
		"v3":         TargetV3,
		"PlutusV2":   TargetV2,
		" plutusv3 ": TargetV3,
		"V1":         "",
		"":           "",
	}
	for in, want := range tests {
		if got := NormalizeTargetVersion(in); got != want {
			t.Fatalf("NormalizeTargetVersion(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestCompileParamsValidate(t *testing.T) {
	if err := (CompileParams{Target: TargetV2}).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if err := (CompileParams{Target: "V9"}).Validate(); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for unknown target, got %v", err)
	}
	if err := (CompileParams{Target: TargetV3, Salts: map[string]string{" ": "x"}}).Validate(); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for blank salt name, got %v", err)
	}
	for name, salts := range map[string]map[string]string{
		"invalid utf8 value": {"seed": "\xff"},
		"invalid utf8 name":  {"\xfe": "1"},
		"equals in name":     {"a=b": "c"},
		"nul in value":       {"seed": "\x00"},
	} {
		if err := (CompileParams{Target: TargetV2, Salts: salts}).Validate(); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("%s: expected ErrInvalidParams, got %v", name, err)
		}
	}
}

func TestParseCacheKey(t *testing.T) {
	raw := strings.Repeat("AB", 32)
	key, err := ParseCacheKey(raw)
	if err != nil {
		t.Fatalf("ParseCacheKey() err=%v", err)
	}
	if key.String() != strings.Repeat("ab", 32) {
		t.Fatalf("expected lowercase key, got %s", key)
	}
	if _, err := ParseCacheKey("abc"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for short key, got %v", err)
	}
	if _, err := ParseCacheKey(strings.Repeat("zz", 32)); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for non-hex key, got %v", err)
	}
}

func TestVerifyIntegrityAndClone(t *testing.T) {
	payload := []byte{1, 2, 3}
	a := CompiledArtifact{Key: CacheKey(strings.Repeat("0", 64)), Version: TargetV2, Payload: payload, SHA256: PayloadSHA256(payload)}
	if err := a.VerifyIntegrity(); err != nil {
		t.Fatalf("VerifyIntegrity() err=%v", err)
	}
	clone := a.Clone()
	clone.Payload[0] = 9
	if a.Payload[0] != 1 {
		t.Fatalf("clone shares payload memory")
	}
	if err := clone.VerifyIntegrity(); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity after mutation, got %v", err)
	}
}

func TestEnsureArtifactImmutable(t *testing.T) {
	key := CacheKey(strings.Repeat("1", 64))
	before := CompiledArtifact{Key: key, Version: TargetV2, SHA256: "aa"}
	if err := EnsureArtifactImmutable(before, before); err != nil {
		t.Fatalf("identical artifacts err=%v", err)
	}
	changed := before
	changed.SHA256 = "bb"
	if err := EnsureArtifactImmutable(before, changed); !errors.Is(err, ErrArtifactConflict) {
		t.Fatalf("expected ErrArtifactConflict for payload change, got %v", err)
	}
	changed = before
	changed.Version = TargetV3
	if err := EnsureArtifactImmutable(before, changed); !errors.Is(err, ErrArtifactConflict) {
		t.Fatalf("expected ErrArtifactConflict for version change, got %v", err)
	}
}
