package domain

import (
	"errors"
	"fmt"
)

// EnsureArtifactImmutable reports whether after may replace before without
// changing stored content. Creation time is not part of the identity.
func EnsureArtifactImmutable(before, after CompiledArtifact) error {
	if before.Key == "" || after.Key == "" {
		return errors.New("artifact keys are required")
	}
	if before.Key != after.Key {
		return fmt.Errorf("artifact key changed from %q to %q", before.Key, after.Key)
	}
	if before.Version != after.Version {
		return fmt.Errorf("%w: version changed from %s to %s", ErrArtifactConflict, before.Version, after.Version)
	}
	if before.SHA256 != after.SHA256 {
		return fmt.Errorf("%w: payload sha256 changed from %s to %s", ErrArtifactConflict, before.SHA256, after.SHA256)
	}
	return nil
}
