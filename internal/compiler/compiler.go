// Package compiler defines the capability the program cache invokes on a
// miss. The Helios compiler itself lives outside this module; Exec drives
// it as a subprocess.
package compiler

import (
	"context"

	"github.com/heliosforge/progcache/internal/domain"
)

// Compiler turns Helios source into a compiled artifact. Implementations may
// leave Key, SHA256 and CreatedAt empty; the cache fills them in.
type Compiler interface {
	Compile(ctx context.Context, source domain.Source, params domain.CompileParams) (domain.CompiledArtifact, error)
}

// Func adapts a plain function to Compiler.
type Func func(ctx context.Context, source domain.Source, params domain.CompileParams) (domain.CompiledArtifact, error)

func (f Func) Compile(ctx context.Context, source domain.Source, params domain.CompileParams) (domain.CompiledArtifact, error) {
	return f(ctx, source, params)
}
