package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

const moduleExt = ".hl"

type compileParams struct {
	Target   string            `json:"target"`
	Optimize bool              `json:"optimize,omitempty"`
	Salts    map[string]string `json:"salts,omitempty"`
}

type compileRequest struct {
	Source string        `json:"source"`
	Params compileParams `json:"params"`
}

type compiledArtifact struct {
	Key     string `json:"key"`
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
	CborHex string `json:"cbor_hex"`
}

// artifactFile is written next to each module's build output and follows
// the text envelope layout Cardano tooling reads.
type artifactFile struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	CborHex     string `json:"cborHex"`
	Key         string `json:"key"`
	Version     string `json:"version"`
	SHA256      string `json:"sha256"`
}

type options struct {
	srcDir      string
	outDir      string
	targets     []string
	optimize    bool
	salts       map[string]string
	concurrency int
}

type result struct {
	Module string
	Target string
	Path   string
	Key    string
}

// findModules returns .hl files under root relative to it, sorted.
func findModules(root string) ([]string, error) {
	var modules []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(d.Name()) != moduleExt {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		modules = append(modules, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(modules)
	return modules, nil
}

func outputPath(outDir, module, target string) string {
	base := strings.TrimSuffix(module, moduleExt)
	return filepath.Join(outDir, base+"."+strings.ToLower(target)+".json")
}

func precompile(ctx context.Context, client *apiClient, opts options) ([]result, error) {
	modules, err := findModules(opts.srcDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", opts.srcDir, err)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no %s modules under %s", moduleExt, opts.srcDir)
	}

	results := make([]result, len(modules)*len(opts.targets))
	g, ctx := errgroup.WithContext(ctx)
	if opts.concurrency > 0 {
		g.SetLimit(opts.concurrency)
	}
	for i, module := range modules {
		for j, target := range opts.targets {
			slot := i*len(opts.targets) + j
			g.Go(func() error {
				res, err := compileModule(ctx, client, opts, module, target)
				if err != nil {
					return fmt.Errorf("%s (%s): %w", module, target, err)
				}
				results[slot] = res
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func compileModule(ctx context.Context, client *apiClient, opts options, module, target string) (result, error) {
	source, err := os.ReadFile(filepath.Join(opts.srcDir, module))
	if err != nil {
		return result{}, err
	}
	var artifact compiledArtifact
	if err := client.postJSON(ctx, "/v1/programs:compile", compileRequest{
		Source: string(source),
		Params: compileParams{Target: target, Optimize: opts.optimize, Salts: opts.salts},
	}, &artifact); err != nil {
		return result{}, err
	}

	path := outputPath(opts.outDir, module, artifact.Version)
	if err := writeArtifact(path, module, artifact); err != nil {
		return result{}, err
	}
	return result{Module: module, Target: artifact.Version, Path: path, Key: artifact.Key}, nil
}

func writeArtifact(path, module string, artifact compiledArtifact) error {
	blob, err := json.MarshalIndent(artifactFile{
		Type:        "PlutusScript" + artifact.Version,
		Description: module,
		CborHex:     artifact.CborHex,
		Key:         artifact.Key,
		Version:     artifact.Version,
		SHA256:      artifact.SHA256,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(blob, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
