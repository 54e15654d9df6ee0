// Package cachekey derives stable cache keys for compiled programs.
//
// A key is the blake2b-256 digest of a canonical JSON document holding the
// key schema, the source content hash and the compile params. Keys survive
// process restarts, so persistent stores stay valid until KeySchema changes.
package cachekey

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/heliosforge/progcache/internal/domain"
	"golang.org/x/crypto/blake2b"
)

const KeySchema = "progcache.key.v1"

type keyInput struct {
	Schema   string            `json:"schema"`
	Source   string            `json:"source"`
	Target   string            `json:"target"`
	Optimize bool              `json:"optimize"`
	Salts    map[string]string `json:"salts"`
}

// HashSource returns the content hash used to identify raw source text.
func HashSource(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SourceHash resolves the content hash of a source identity.
func SourceHash(source domain.Source) (string, error) {
	hash := strings.ToLower(strings.TrimSpace(source.Hash))
	if source.Text == "" {
		if hash == "" {
			return "", fmt.Errorf("%w: source text or hash is required", domain.ErrInvalidParams)
		}
		if err := domain.ValidateContentHash(hash); err != nil {
			return "", err
		}
		return hash, nil
	}
	computed := HashSource(source.Text)
	if hash != "" && hash != computed {
		return "", fmt.Errorf("%w: source hash %s does not match text hash %s", domain.ErrInvalidParams, hash, computed)
	}
	return computed, nil
}

// Derive computes the cache key for source compiled with params.
func Derive(source domain.Source, params domain.CompileParams) (domain.CacheKey, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	sourceHash, err := SourceHash(source)
	if err != nil {
		return "", err
	}
	salts := params.Salts
	if salts == nil {
		salts = map[string]string{}
	}
	blob, err := json.Marshal(keyInput{
		Schema:   KeySchema,
		Source:   sourceHash,
		Target:   string(params.Target),
		Optimize: params.Optimize,
		Salts:    salts,
	})
	if err != nil {
		return "", fmt.Errorf("marshal key input: %w", err)
	}
	sum := blake2b.Sum256(blob)
	return domain.CacheKey(hex.EncodeToString(sum[:])), nil
}
