package artifactstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heliosforge/progcache/internal/domain"
)

// EnvelopeSchema versions the serialized form used by blob backends.
const EnvelopeSchema = "progcache.artifact.v1"

type envelope struct {
	Schema    string    `json:"schema"`
	Key       string    `json:"key"`
	Version   string    `json:"version"`
	Payload   []byte    `json:"payload"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Encode serializes an artifact for redis, object storage and similar backends.
func Encode(artifact domain.CompiledArtifact) ([]byte, error) {
	blob, err := json.Marshal(envelope{
		Schema:    EnvelopeSchema,
		Key:       string(artifact.Key),
		Version:   string(artifact.Version),
		Payload:   artifact.Payload,
		SHA256:    artifact.SHA256,
		CreatedAt: artifact.CreatedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return blob, nil
}

func Decode(blob []byte) (domain.CompiledArtifact, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return domain.CompiledArtifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	if env.Schema != EnvelopeSchema {
		return domain.CompiledArtifact{}, fmt.Errorf("decode artifact: unsupported schema %q", env.Schema)
	}
	return domain.CompiledArtifact{
		Key:       domain.CacheKey(env.Key),
		Version:   domain.TargetVersion(env.Version),
		Payload:   env.Payload,
		SHA256:    env.SHA256,
		CreatedAt: env.CreatedAt.UTC(),
	}, nil
}
