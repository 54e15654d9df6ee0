// Command precompile compiles every Helios module under a directory through
// the program cache service and writes one artifact file per module and
// target.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/heliosforge/progcache/internal/domain"
	"github.com/heliosforge/progcache/internal/platform/env"
)

func main() {
	var (
		server      = flag.String("server", env.String("PROGCACHE_URL", "http://localhost:8080"), "Program cache base URL")
		srcDir      = flag.String("src", "src", "Directory holding .hl modules")
		outDir      = flag.String("out", "dist/programs", "Directory for artifact files")
		targets     = flag.String("targets", "V2", "Comma separated target versions")
		optimize    = flag.Bool("optimize", false, "Request optimized output")
		requestID   = flag.String("request-id", "", "X-Request-Id for correlation")
		timeout     = flag.Duration("timeout", 5*time.Minute, "Per request timeout")
		concurrency = flag.Int("concurrency", 4, "Concurrent compile requests")
	)
	salts := map[string]string{}
	flag.Func("salt", "Salt as name=value; repeatable", func(raw string) error {
		name, value, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return errors.New("salt must be name=value")
		}
		salts[name] = value
		return nil
	})
	flag.Parse()

	parsedTargets, err := parseTargets(*targets)
	if err != nil {
		die("parse targets", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newAPIClient(*server, *requestID, *timeout)
	results, err := precompile(ctx, client, options{
		srcDir:      *srcDir,
		outDir:      *outDir,
		targets:     parsedTargets,
		optimize:    *optimize,
		salts:       salts,
		concurrency: *concurrency,
	})
	if err != nil {
		die("precompile", err)
	}
	for _, res := range results {
		fmt.Printf("==> %s [%s] %s key=%s\n", res.Module, res.Target, res.Path, shortKey(res.Key))
	}
}

func parseTargets(raw string) ([]string, error) {
	var out []string
	seen := map[domain.TargetVersion]bool{}
	for _, item := range strings.Split(raw, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		target := domain.NormalizeTargetVersion(item)
		if target == "" {
			return nil, fmt.Errorf("unknown target %q", item)
		}
		if !seen[target] {
			seen[target] = true
			out = append(out, string(target))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one target is required")
	}
	return out, nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
