package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// CacheKey identifies a compiled program by source content and compile params.
// It is the lowercase hex encoding of a 32-byte blake2b-256 digest.
type CacheKey string

const cacheKeyHexLen = 64

func (k CacheKey) String() string {
	return string(k)
}

// Validate reports whether k has the shape produced by key derivation.
func (k CacheKey) Validate() error {
	if err := validateHexDigest(string(k)); err != nil {
		return fmt.Errorf("%w: cache key %s", ErrInvalidParams, err)
	}
	return nil
}

// ParseCacheKey normalizes and validates a key received from outside the process.
func ParseCacheKey(raw string) (CacheKey, error) {
	key := CacheKey(strings.ToLower(strings.TrimSpace(raw)))
	if err := key.Validate(); err != nil {
		return "", err
	}
	return key, nil
}

// TargetVersion selects the on-chain calling convention of the compiled script.
type TargetVersion string

const (
	TargetV2 TargetVersion = "V2"
	TargetV3 TargetVersion = "V3"
)

// NormalizeTargetVersion accepts "v2", "PlutusV2" and similar spellings.
func NormalizeTargetVersion(raw string) TargetVersion {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.TrimPrefix(v, "PLUTUS")
	switch TargetVersion(v) {
	case TargetV2:
		return TargetV2
	case TargetV3:
		return TargetV3
	default:
		return ""
	}
}

func (v TargetVersion) Valid() bool {
	return v == TargetV2 || v == TargetV3
}

// Source identifies program source either by raw text or by its content hash.
type Source struct {
	Text string
	Hash string
}

// CompileParams is the closed set of options that affect compiled output.
type CompileParams struct {
	Target   TargetVersion     `json:"target"`
	Optimize bool              `json:"optimize"`
	Salts    map[string]string `json:"salts,omitempty"`
}

func (p CompileParams) Validate() error {
	if !p.Target.Valid() {
		return fmt.Errorf("%w: unknown target version %q", ErrInvalidParams, p.Target)
	}
	for name := range p.Salts {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: salt name is required", ErrInvalidParams)
		}
		if name != strings.TrimSpace(name) {
			return fmt.Errorf("%w: salt name %q has surrounding whitespace", ErrInvalidParams, name)
		}
		if strings.Contains(name, "=") {
			return fmt.Errorf("%w: salt name %q contains '='", ErrInvalidParams, name)
		}
		// Salts reach the key digest and the compiler's argv as text.
		value := p.Salts[name]
		if !utf8.ValidString(name) || !utf8.ValidString(value) {
			return fmt.Errorf("%w: salt %q is not valid UTF-8", ErrInvalidParams, name)
		}
		if strings.ContainsRune(name, 0) || strings.ContainsRune(value, 0) {
			return fmt.Errorf("%w: salt %q contains a NUL byte", ErrInvalidParams, name)
		}
	}
	return nil
}

// CompiledArtifact is a compiled program ready for on-chain use.
type CompiledArtifact struct {
	Key       CacheKey
	Version   TargetVersion
	Payload   []byte
	SHA256    string
	CreatedAt time.Time
}

func (a CompiledArtifact) Validate() error {
	if err := a.Key.Validate(); err != nil {
		return err
	}
	if !a.Version.Valid() {
		return fmt.Errorf("%w: unknown artifact version %q", ErrInvalidParams, a.Version)
	}
	if len(a.Payload) == 0 {
		return errors.New("artifact payload is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("artifact sha256 is required")
	}
	return nil
}

// VerifyIntegrity checks the recorded digest against the payload.
func (a CompiledArtifact) VerifyIntegrity() error {
	if got := PayloadSHA256(a.Payload); got != a.SHA256 {
		return fmt.Errorf("%w: key %s recorded sha256 %s, payload sha256 %s", ErrIntegrity, a.Key, a.SHA256, got)
	}
	return nil
}

// Clone returns a copy that shares no payload memory with a.
func (a CompiledArtifact) Clone() CompiledArtifact {
	out := a
	if a.Payload != nil {
		out.Payload = append([]byte(nil), a.Payload...)
	}
	return out
}

func PayloadSHA256(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func validateHexDigest(value string) error {
	if len(value) != cacheKeyHexLen {
		return fmt.Errorf("must be %d hex characters, got %d", cacheKeyHexLen, len(value))
	}
	if value != strings.ToLower(value) {
		return errors.New("must be lowercase hex")
	}
	if _, err := hex.DecodeString(value); err != nil {
		return errors.New("must be hex encoded")
	}
	return nil
}

// ValidateContentHash checks a precomputed source hash.
func ValidateContentHash(hash string) error {
	if err := validateHexDigest(hash); err != nil {
		return fmt.Errorf("%w: source hash %s", ErrInvalidParams, err)
	}
	return nil
}
